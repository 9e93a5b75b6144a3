package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"resumevault/pkg/meta"

	"gorm.io/datatypes"
)

// MetaRecorder 把 Record 写入 meta.Repository 的 resumes 表
type MetaRecorder struct {
	repo *meta.Repository
}

func NewMetaRecorder(repo *meta.Repository) *MetaRecorder {
	return &MetaRecorder{repo: repo}
}

func (m *MetaRecorder) RecordIngest(ctx context.Context, rec Record) (uint, error) {
	links := rec.Links
	if links == nil {
		links = []string{}
	}
	raw, err := json.Marshal(links)
	if err != nil {
		return 0, fmt.Errorf("encode links: %w", err)
	}

	row := &meta.ResumeRecord{
		Fingerprint: rec.Fingerprint.String(),
		Filename:    rec.Filename,
		ContentType: rec.ContentType,
		Owner:       rec.Owner,
		RawText:     rec.RawText,
		Links:       datatypes.JSON(raw),
		UploadedAt:  rec.UploadedAt,
	}
	if err := m.repo.SaveResume(ctx, row); err != nil {
		return 0, err
	}
	return row.ID, nil
}

var _ Recorder = (*MetaRecorder)(nil)
