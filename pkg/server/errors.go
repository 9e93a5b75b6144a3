package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"resumevault/pkg/errs"
	"resumevault/pkg/types"
)

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument = 1000
	ErrCodeInvalidJSON     = 1001
	ErrCodeRequestTooLarge = 1002
	ErrCodeInvalidQuery    = 1003
	ErrCodeMissingFile     = 1004
	ErrCodeUnsupportedType = 1005

	// Domain state (2xxx)
	ErrCodeBlobNotFound = 2001

	// Auth (3xxx)
	ErrCodeUnauthorized       = 3001
	ErrCodeForbidden          = 3002
	ErrCodeInvalidCredentials = 3003

	// Internal/system (4xxx)
	ErrCodeInternal       = 4001
	ErrCodeStorageFailure = 4002
	ErrCodeParseFailed    = 4003
	ErrCodeParseTimeout   = 4004
	ErrCodeRecordFailed   = 4005
	ErrCodeUnavailable    = 4006
)

// ErrorResponse 统一错误信封
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	ErrorCode int    `json:"error_code"`
	Stage     string `json:"stage,omitempty"`

	// 解析失败时 Blob 已经存好，告诉客户端它的指纹
	Fingerprint types.Hash `json:"fingerprint,omitempty"`
	BlobStored  bool       `json:"blob_stored,omitempty"`
}

// classify 把错误分类映射到 HTTP 状态码和错误码
func classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error(), Stage: string(errs.StageOf(err))}

	var maxBytesErr *http.MaxBytesError
	var parseErr *errs.ParseError
	var validation *errs.ValidationError

	switch {
	case errs.IsTooLarge(err) || errors.As(err, &maxBytesErr):
		resp.Code, resp.ErrorCode = "request_too_large", ErrCodeRequestTooLarge
		return http.StatusRequestEntityTooLarge, resp
	case errors.As(err, &validation):
		if validation.Field == "content_type" {
			resp.Code, resp.ErrorCode = "unsupported_media_type", ErrCodeUnsupportedType
			return http.StatusUnsupportedMediaType, resp
		}
		resp.Code, resp.ErrorCode = "invalid_argument", ErrCodeInvalidArgument
		return http.StatusBadRequest, resp
	case errs.IsUnauthorized(err):
		resp.Error = "unauthorized"
		resp.Code, resp.ErrorCode = "unauthorized", ErrCodeUnauthorized
		return http.StatusUnauthorized, resp
	case errs.IsNotFound(err):
		resp.Error = "blob not found"
		resp.Code, resp.ErrorCode = "not_found", ErrCodeBlobNotFound
		return http.StatusNotFound, resp
	case errors.As(err, &parseErr):
		resp.Fingerprint = parseErr.Fingerprint
		resp.BlobStored = !parseErr.Fingerprint.IsZero()
		if parseErr.Timeout {
			resp.Error = "parser timed out; the file was stored"
			resp.Code, resp.ErrorCode = "parse_timeout", ErrCodeParseTimeout
			return http.StatusGatewayTimeout, resp
		}
		resp.Error = "parser failed; the file was stored"
		resp.Code, resp.ErrorCode = "parse_failed", ErrCodeParseFailed
		return http.StatusBadGateway, resp
	case errs.IsStorage(err):
		resp.Error = "storage failure"
		resp.Code, resp.ErrorCode = "storage_failure", ErrCodeStorageFailure
		if errs.StageOf(err) == errs.StageRecorded {
			resp.Code, resp.ErrorCode = "record_failed", ErrCodeRecordFailed
		}
		return http.StatusInternalServerError, resp
	default:
		resp.Error = "internal error"
		resp.Code, resp.ErrorCode = "internal", ErrCodeInternal
		return http.StatusInternalServerError, resp
	}
}

// writeServiceError 写入分类后的错误响应
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)
	s.logError(r, status, resp.Code, err)
	s.writeJSON(w, status, resp)
}

// writeError 写入已知状态码的错误 (请求格式错误、登录失败等)
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code string, errCode int, err error) {
	s.logError(r, status, code, err)
	message := err.Error()
	if status >= 500 {
		message = "internal error"
	}
	s.writeJSON(w, status, ErrorResponse{Error: message, Code: code, ErrorCode: errCode})
}

func (s *Server) logError(r *http.Request, status int, code string, err error) {
	fields := []any{"status", status, "code", code, "error", err}
	if r != nil {
		fields = append(fields, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	}
	switch {
	case status >= 500:
		s.log().Error("request error", fields...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusRequestEntityTooLarge:
		s.log().Warn("request rejected", fields...)
	default:
		s.log().Debug("request rejected", fields...)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}
