// Package ingest 把一次上传从接收推进到完成：
// 校验 → 指纹 → 去重/存储 → 解析 → 记录。
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"resumevault/pkg/blobstore"
	"resumevault/pkg/core"
	"resumevault/pkg/errs"
	"resumevault/pkg/parser"
	"resumevault/pkg/types"
)

// Request 一次上传
type Request struct {
	Body        io.Reader
	Filename    string
	ContentType string
	// Owner 上传者身份，匿名上传为空
	Owner string
}

// Result 一次上传的结果。不持久化，由 Recorder 写入元数据存储
type Result struct {
	Fingerprint  types.Hash     `json:"fingerprint"`
	Blob         blobstore.Ref  `json:"blob"`
	Deduplicated bool           `json:"deduplicated"`
	Parsed       *parser.Result `json:"parsed,omitempty"`
	State        State          `json:"state"`
	RecordID     uint           `json:"record_id,omitempty"`
}

// BlobStore 是流水线需要的 Blob 存储能力
type BlobStore interface {
	Exists(ctx context.Context, fp types.Hash) (*blobstore.Ref, error)
	Put(ctx context.Context, fp types.Hash, r io.Reader, opts blobstore.PutOptions) (blobstore.Ref, bool, error)
}

// Record 交给外部元数据存储的一条记录
type Record struct {
	Fingerprint types.Hash
	Filename    string
	ContentType string
	Owner       string
	RawText     string
	Links       []string
	UploadedAt  time.Time
}

// Recorder 外部元数据存储
type Recorder interface {
	RecordIngest(ctx context.Context, rec Record) (uint, error)
}

// Config 流水线参数
type Config struct {
	// ScratchDir scratch 文件目录，空则使用系统临时目录
	ScratchDir string `mapstructure:"scratch_dir"`
	// MaxBytes 单个上传的大小上限，<= 0 表示不限制
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// Pipeline 编排一次上传
type Pipeline struct {
	blobs    BlobStore
	parser   parser.Parser // nil 表示跳过解析
	recorder Recorder      // nil 表示不记录
	cfg      Config
}

func NewPipeline(blobs BlobStore, p parser.Parser, rec Recorder, cfg Config) *Pipeline {
	return &Pipeline{blobs: blobs, parser: p, recorder: rec, cfg: cfg}
}

// tracker 记录状态转换
type tracker struct {
	res *Result
}

func (t *tracker) to(s State) {
	slog.Debug("ingest transition", "from", t.res.State, "to", s, "fingerprint", t.res.Fingerprint.Short())
	t.res.State = s
}

// Ingest 执行完整流程。
// 校验/存储失败返回 (nil, err)；解析或记录失败时 Blob 已经存好，返回 (result, err)。
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	res := &Result{State: StateReceived}
	t := &tracker{res: res}

	// 1. Received → Validated: 在读取任何字节之前
	contentType, err := validate(req)
	if err != nil {
		t.to(StateFailed)
		return nil, err
	}
	t.to(StateValidated)

	// 2. Validated → Fingerprinted: 一次读取，同时写 scratch 和计算哈希
	scratch, err := os.CreateTemp(p.cfg.ScratchDir, "rv-ingest-*")
	if err != nil {
		t.to(StateFailed)
		return nil, errs.Storage(errs.StageReceived, "scratch", err)
	}
	defer func() {
		_ = scratch.Close()
		if err := os.Remove(scratch.Name()); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove scratch file", "path", scratch.Name(), "error", err)
		}
	}()

	size, fp, err := p.receive(ctx, req.Body, scratch)
	if err != nil {
		t.to(StateFailed)
		return nil, err
	}
	res.Fingerprint = fp
	t.to(StateFingerprinted)

	// 3. Fingerprinted → Deduplicated | Stored
	existing, err := p.blobs.Exists(ctx, fp)
	if err != nil {
		t.to(StateFailed)
		return nil, err
	}
	if existing != nil {
		res.Blob = *existing
		res.Deduplicated = true
		t.to(StateDeduplicated)
	} else {
		if _, err := scratch.Seek(0, io.SeekStart); err != nil {
			t.to(StateFailed)
			return nil, errs.Storage(errs.StageStored, "rewind", err)
		}
		ref, created, err := p.blobs.Put(ctx, fp, scratch, blobstore.PutOptions{
			ContentType: contentType,
			Filename:    req.Filename,
			Size:        size,
		})
		if err != nil {
			t.to(StateFailed)
			return nil, err
		}
		res.Blob = ref
		// 并发上传输掉竞争时，Put 返回赢家的引用
		res.Deduplicated = !created
		if created {
			t.to(StateStored)
		} else {
			t.to(StateDeduplicated)
		}
	}

	// 4. → Parsed: 转发 scratch 副本
	if p.parser != nil {
		if _, err := scratch.Seek(0, io.SeekStart); err != nil {
			t.to(StateFailed)
			return res, &errs.ParseError{Fingerprint: fp, Err: err}
		}
		parsed, err := p.parser.Parse(ctx, parser.Document{
			Body:        scratch,
			Filename:    req.Filename,
			ContentType: contentType,
		})
		if err != nil {
			t.to(StateFailed)
			return res, &errs.ParseError{Fingerprint: fp, Timeout: parser.IsTimeout(err), Err: err}
		}
		res.Parsed = parsed
		t.to(StateParsed)
	}

	// 5. → Completed: 交给元数据存储
	if p.recorder != nil {
		rec := Record{
			Fingerprint: fp,
			Filename:    req.Filename,
			ContentType: contentType,
			Owner:       req.Owner,
			UploadedAt:  time.Now().UTC(),
		}
		if res.Parsed != nil {
			rec.RawText = res.Parsed.RawText
			rec.Links = res.Parsed.Links
		}
		id, err := p.recorder.RecordIngest(ctx, rec)
		if err != nil {
			t.to(StateFailed)
			return res, errs.Storage(errs.StageRecorded, "record", err)
		}
		res.RecordID = id
	}
	t.to(StateCompleted)

	slog.Info("ingest completed",
		"fingerprint", fp.Short(),
		"filename", req.Filename,
		"size", size,
		"deduplicated", res.Deduplicated)
	return res, nil
}

// validate 只看请求头信息，不碰 Body
func validate(req Request) (string, error) {
	if req.Body == nil {
		return "", errs.Validation("content", "missing payload")
	}
	if req.Filename == "" {
		return "", errs.Validation("filename", "missing filename")
	}
	ct := types.NormalizeContentType(req.ContentType)
	if !types.IsAllowedContentType(ct) {
		return "", errs.Validation("content_type", "%q is not an accepted document type", req.ContentType)
	}
	return ct, nil
}

// receive 读取上传流：写 scratch 的同时计算指纹
func (p *Pipeline) receive(ctx context.Context, body io.Reader, scratch *os.File) (int64, types.Hash, error) {
	digester := core.NewDigester()
	src := core.NewContextReader(ctx, body)
	if p.cfg.MaxBytes > 0 {
		// 多读一个字节用来判断是否超限
		src = io.LimitReader(src, p.cfg.MaxBytes+1)
	}

	buf := make([]byte, core.DigestBufferSize)
	n, err := io.CopyBuffer(io.MultiWriter(scratch, digester), src, buf)
	if err != nil {
		return 0, "", errs.Storage(errs.StageReceived, "receive", fmt.Errorf("upload aborted: %w", err))
	}
	if p.cfg.MaxBytes > 0 && n > p.cfg.MaxBytes {
		return 0, "", &errs.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("exceeds %d bytes", p.cfg.MaxBytes),
			Err:    errs.ErrTooLarge,
		}
	}
	if n == 0 {
		return 0, "", errs.Validation("content", "empty payload")
	}
	return n, digester.Sum(), nil
}
