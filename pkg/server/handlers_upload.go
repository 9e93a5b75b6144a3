package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"resumevault/pkg/blobstore"
	"resumevault/pkg/ingest"
	"resumevault/pkg/types"
)

const uploadField = "resume"

type uploadResponse struct {
	Fingerprint  types.Hash    `json:"fingerprint"`
	Deduplicated bool          `json:"deduplicated"`
	State        ingest.State  `json:"state"`
	Blob         blobstore.Ref `json:"blob"`
	RecordID     uint          `json:"record_id,omitempty"`
	RawText      string        `json:"raw_text"`
	Links        []string      `json:"links"`
	FileType     string        `json:"file_type,omitempty"`
}

// handleUpload 流式读取 multipart，不把文件整个放进内存或临时表单
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	caller, err := optionalCaller(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_argument", ErrCodeInvalidArgument,
			fmt.Errorf("expected multipart/form-data body: %w", err))
		return
	}

	part, err := nextFilePart(mr, uploadField)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			s.writeServiceError(w, r, err)
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "missing_file", ErrCodeMissingFile, err)
		return
	}
	defer part.Close()

	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = types.ContentTypeFromExtension(part.FileName())
	}
	owner := ""
	if caller.Valid() {
		owner = caller.Subject
	}

	res, err := s.deps.Ingester.Ingest(r.Context(), ingest.Request{
		Body:        part,
		Filename:    part.FileName(),
		ContentType: contentType,
		Owner:       owner,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := uploadResponse{
		Fingerprint:  res.Fingerprint,
		Deduplicated: res.Deduplicated,
		State:        res.State,
		Blob:         res.Blob,
		RecordID:     res.RecordID,
		Links:        []string{},
	}
	if res.Parsed != nil {
		resp.RawText = res.Parsed.RawText
		resp.Links = res.Parsed.Links
		resp.FileType = res.Parsed.FileType
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// nextFilePart 跳过其他表单字段，返回名为 field 的文件
func nextFilePart(mr *multipart.Reader, field string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing %q file field", field)
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == field && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}
