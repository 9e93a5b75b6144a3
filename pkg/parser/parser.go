// Package parser 是外部简历解析服务的客户端。
// 解析逻辑本身不在这里：服务接收原始文件，返回纯文本和链接。
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// Document 交给解析服务的文件
type Document struct {
	Body        io.Reader
	Filename    string
	ContentType string
}

// Result 解析结果
type Result struct {
	RawText  string   `json:"raw_text"`
	Links    []string `json:"links"`
	FileType string   `json:"file_type"`
}

// Parser 外部解析服务
type Parser interface {
	Parse(ctx context.Context, doc Document) (*Result, error)
}

// StatusError 解析服务返回了非 2xx
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("parser returned status %d: %s", e.Code, e.Body)
}

// IsTimeout 判断错误是否是超时
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

const (
	DefaultTimeout = 30 * time.Second
	formField      = "file"
	maxErrorBody   = 4 << 10
	maxResultBody  = 32 << 20
)

// HTTPClient 通过 multipart POST 调用解析服务
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// Option 配置 HTTPClient
type Option func(*HTTPClient)

// WithHTTPClient 替换底层 http.Client (测试用)
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithTimeout 每次调用的超时
func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("parser url is required")
	}
	c := &HTTPClient{
		baseURL: baseURL,
		timeout: DefaultTimeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Parse 流式上传文件：multipart 在 goroutine 里写进 io.Pipe，不在内存里攒整个请求体
func (c *HTTPClient) Parse(ctx context.Context, doc Document) (*Result, error) {
	if doc.Body == nil {
		return nil, fmt.Errorf("document body is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreatePart(filePartHeader(doc))
		if err == nil {
			_, err = io.Copy(part, doc.Body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse", pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	// 请求结束后让写 goroutine 退出
	defer pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("parser request: %w", ctxErr)
		}
		return nil, fmt.Errorf("parser request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResultBody)).Decode(&out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("parser response: %w", ctxErr)
		}
		return nil, fmt.Errorf("decode parser response: %w", err)
	}
	if out.Links == nil {
		out.Links = []string{}
	}

	slog.Debug("document parsed",
		"filename", doc.Filename,
		"chars", len(out.RawText),
		"links", len(out.Links),
		"took", time.Since(start))
	return &out, nil
}

func filePartHeader(doc Document) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, formField, escapeQuotes(doc.Filename)))
	ct := doc.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	return h
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// Health 探测 GET {base}/health
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("parser health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

var _ Parser = (*HTTPClient)(nil)
