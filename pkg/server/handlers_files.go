package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"resumevault/pkg/errs"
	"resumevault/pkg/meta"
	"resumevault/pkg/retrieval"
	"resumevault/pkg/types"
)

const downloadBufferSize = 32 << 10

type resumeResponse struct {
	ID          uint       `json:"id"`
	Fingerprint types.Hash `json:"fingerprint"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"content_type"`
	Owner       string     `json:"owner,omitempty"`
	RawText     string     `json:"raw_text"`
	Links       []string   `json:"links"`
	UploadedAt  time.Time  `json:"uploaded_at"`
}

func toResumeResponse(rec meta.ResumeRecord) resumeResponse {
	links := []string{}
	if len(rec.Links) > 0 {
		_ = json.Unmarshal(rec.Links, &links)
	}
	return resumeResponse{
		ID:          rec.ID,
		Fingerprint: types.Hash(rec.Fingerprint),
		Filename:    rec.Filename,
		ContentType: rec.ContentType,
		Owner:       rec.Owner,
		RawText:     rec.RawText,
		Links:       links,
		UploadedAt:  rec.UploadedAt,
	}
}

func (s *Server) listResumes(w http.ResponseWriter, r *http.Request, owner string) {
	limit, offset, ok := s.pagination(w, r)
	if !ok {
		return
	}
	records, err := s.deps.Records.ListResumes(r.Context(), meta.ResumeFilter{Owner: owner, Limit: limit, Offset: offset})
	if err != nil {
		s.writeServiceError(w, r, errs.Storage(errs.StageRetrieved, "list resumes", err))
		return
	}
	out := make([]resumeResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toResumeResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleAdminResumes 全部记录，最近的在前
func (s *Server) handleAdminResumes(w http.ResponseWriter, r *http.Request) {
	s.listResumes(w, r, r.URL.Query().Get("owner"))
}

// handleMyResumes 调用方自己的记录
func (s *Server) handleMyResumes(w http.ResponseWriter, r *http.Request) {
	s.listResumes(w, r, authFromContext(r.Context()).caller.Subject)
}

func (s *Server) handleAdminFiles(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := s.pagination(w, r)
	if !ok {
		return
	}
	filter := meta.BlobFilter{Limit: limit, Offset: offset}

	q := r.URL.Query()
	if ct := q.Get("content_type"); ct != "" {
		filter.ContentType = types.NormalizeContentType(ct)
	}
	for key, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_query", ErrCodeInvalidQuery, fmt.Errorf("%s must be RFC3339: %w", key, err))
			return
		}
		*dst = t
	}

	refs, err := s.deps.Blobs.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, refs)
}

func (s *Server) pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, err := queryIntDefault(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_query", ErrCodeInvalidQuery, err)
		return 0, 0, false
	}
	offset, err := queryIntDefault(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_query", ErrCodeInvalidQuery, err)
		return 0, 0, false
	}
	return limit, offset, true
}

func queryIntDefault(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

// handleDownload 管理员和所有者共用，权限由 Gateway 判断
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	caller := authFromContext(r.Context()).caller
	d, err := s.deps.Gateway.Fetch(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer d.Stream.Close()

	// 流是惰性的：先读第一块，后端打不开时还能返回正常的错误响应
	buf := make([]byte, downloadBufferSize)
	n, err := io.ReadFull(d.Stream, buf)
	if err != nil && !errs.IsStorage(err) && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		err = nil
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeDownloadHeaders(w, d)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf[:n]); err != nil {
		return
	}
	if int64(n) < d.Size {
		if _, err := io.Copy(w, d.Stream); err != nil {
			// 头已经发出，只能记日志
			s.log().Error("download interrupted", "fingerprint", d.Fingerprint.Short(), "error", err)
		}
	}
}

func writeDownloadHeaders(w http.ResponseWriter, d *retrieval.Download) {
	h := w.Header()
	h.Set("Content-Type", d.ContentType)
	h.Set("Content-Length", strconv.FormatInt(d.Size, 10))
	h.Set("X-Content-Fingerprint", d.Fingerprint.String())
	h.Set("Cache-Control", "private, max-age=0")
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename})
	if disposition == "" {
		disposition = "attachment"
	}
	h.Set("Content-Disposition", disposition)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for name, check := range s.deps.Checks {
		if err := check.Ping(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	s.writeJSON(w, status, resp)
}
