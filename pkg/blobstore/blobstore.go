// Package blobstore 实现内容寻址的 Blob 存储。
//
// 字节写入 storage.Store，"是否存在/是否已提交" 由 meta.Index 决定。
// 每个指纹只会发生一次物理写入：写入者先在索引里原子地认领指纹，
// 写完并校验哈希后再提交。输掉认领的并发请求等待赢家提交，然后复用它的引用。
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"resumevault/pkg/core"
	"resumevault/pkg/errs"
	"resumevault/pkg/meta"
	"resumevault/pkg/storage"
	"resumevault/pkg/storage/compress"
	"resumevault/pkg/types"

	"github.com/google/uuid"
)

// Ref 是一个已提交 Blob 的引用
type Ref struct {
	Fingerprint types.Hash `json:"fingerprint"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	Filename    string     `json:"filename,omitempty"`
	Backend     string     `json:"backend"`
	StorageKey  string     `json:"storage_key"`
	Compression string     `json:"compression"`
	CreatedAt   time.Time  `json:"created_at"`
}

func refFromModel(m *meta.BlobModel) Ref {
	return Ref{
		Fingerprint: types.Hash(m.Fingerprint),
		Size:        m.SizeBytes,
		ContentType: m.ContentType,
		Filename:    m.Filename,
		Backend:     m.Backend,
		StorageKey:  m.StorageKey,
		Compression: m.Compression,
		CreatedAt:   m.CreatedAt,
	}
}

// PutOptions 写入时携带的描述信息
type PutOptions struct {
	ContentType string
	Filename    string
	// Size 为 -1 表示未知
	Size int64
}

// Options 控制并发写入的行为
type Options struct {
	// Codec 新写入的 Blob 使用的压缩算法
	Codec compress.Codec
	// ClaimLease 认领的有效期，超过后认为写入者已崩溃，可以被接管
	ClaimLease time.Duration
	// PollInterval 输掉认领后轮询赢家提交的间隔
	PollInterval time.Duration
}

const (
	DefaultClaimLease   = 5 * time.Minute
	DefaultPollInterval = 50 * time.Millisecond

	rollbackTimeout = 10 * time.Second
)

// Store 是内容寻址 Blob 存储
type Store struct {
	index   meta.Index
	backend storage.Store // 未压缩的原始后端
	codec   compress.Codec
	lease   time.Duration
	poll    time.Duration
}

// New 创建 Store。backend 必须是原始后端，压缩按 Blob 记录的 codec 逐个包装
func New(index meta.Index, backend storage.Store, opts Options) *Store {
	s := &Store{
		index:   index,
		backend: backend,
		codec:   opts.Codec,
		lease:   opts.ClaimLease,
		poll:    opts.PollInterval,
	}
	if s.codec == "" {
		s.codec = compress.CodecNone
	}
	if s.lease <= 0 {
		s.lease = DefaultClaimLease
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	return s
}

// Backend 返回后端名称
func (s *Store) Backend() string { return s.backend.Name() }

// Exists 返回已提交的 Blob，未命中返回 (nil, nil)
func (s *Store) Exists(ctx context.Context, fp types.Hash) (*Ref, error) {
	if !fp.IsValid() {
		return nil, errs.Validation("fingerprint", "malformed fingerprint %q", fp)
	}
	blob, err := s.index.Lookup(ctx, fp)
	if err != nil {
		return nil, errs.Storage(errs.StageStored, "lookup", err)
	}
	if blob == nil {
		return nil, nil
	}
	ref := refFromModel(blob)
	return &ref, nil
}

// Put 存储 r 的内容，返回 Blob 引用和是否真的发生了写入
// 调用方保证 fp 是 r 的 SHA-256；写入时会重新计算并校验
func (s *Store) Put(ctx context.Context, fp types.Hash, r io.Reader, opts PutOptions) (Ref, bool, error) {
	if !fp.IsValid() {
		return Ref{}, false, errs.Validation("fingerprint", "malformed fingerprint %q", fp)
	}
	if r == nil {
		return Ref{}, false, errs.Validation("content", "reader is required")
	}

	// consumed: r 已被读过，之后只能等别人提交，不能再认领写入
	waited, consumed := false, false
	for {
		// 1. 已提交：直接复用
		ref, err := s.Exists(ctx, fp)
		if err != nil {
			return Ref{}, false, err
		}
		if ref != nil {
			if waited {
				slog.Debug("concurrent put resolved", "fingerprint", fp.Short(), "reason", errs.ErrDedupRace)
			}
			return *ref, false, nil
		}

		// 2. 认领
		token := uuid.NewString()
		won, err := s.index.Claim(ctx, &meta.BlobModel{
			Fingerprint: fp.String(),
			ContentType: opts.ContentType,
			Filename:    opts.Filename,
			Backend:     s.backend.Name(),
			StorageKey:  storage.Layout(fp),
			Compression: string(s.codec),
			ClaimToken:  token,
		}, s.lease)
		if err != nil {
			return Ref{}, false, errs.Storage(errs.StageStored, "claim", err)
		}

		if won && consumed {
			// r 已经读过一部分，无法再写一遍；接管者放弃了，让调用方重试
			s.release(ctx, fp, token)
			return Ref{}, false, errs.Storage(errs.StageStored, "put",
				fmt.Errorf("claim lost mid-write and the taking writer gave up: %w", meta.ErrClaimLost))
		}
		if won {
			ref, err := s.write(ctx, fp, token, r, opts)
			if errors.Is(err, meta.ErrClaimLost) {
				// lease 过期被接管，接管者写的是同样的字节，等它提交
				slog.Warn("blob claim taken over during write", "fingerprint", fp.Short())
				waited = true
				consumed = true
				continue
			}
			if err != nil {
				return Ref{}, false, err
			}
			return ref, true, nil
		}

		// 3. 输了：别人正在写，等待它提交或释放
		waited = true
		select {
		case <-ctx.Done():
			return Ref{}, false, errs.Storage(errs.StageStored, "wait", ctx.Err())
		case <-time.After(s.poll):
		}
	}
}

// write 在持有认领时执行物理写入
func (s *Store) write(ctx context.Context, fp types.Hash, token string, r io.Reader, opts PutOptions) (Ref, error) {
	digester := core.NewDigester()
	body := io.TeeReader(core.NewContextReader(ctx, r), digester)

	target := compress.Wrap(s.backend, s.codec)
	n, err := target.Put(ctx, fp, body, opts.Size)
	if err == nil && digester.Sum() != fp {
		err = fmt.Errorf("%w: expected %s, got %s", errs.ErrFingerprintMismatch, fp.Short(), digester.Sum().Short())
	}
	if err != nil {
		s.rollback(ctx, fp, token)
		return Ref{}, errs.Storage(errs.StageStored, "put", err)
	}

	blob, err := s.index.Commit(ctx, fp, token, n)
	if errors.Is(err, meta.ErrClaimLost) {
		return Ref{}, err
	}
	if err != nil {
		s.rollback(ctx, fp, token)
		return Ref{}, errs.Storage(errs.StageStored, "commit", err)
	}

	slog.Debug("blob stored", "fingerprint", fp.Short(), "size", n, "backend", s.backend.Name(), "compression", s.codec)
	return refFromModel(blob), nil
}

// rollback 删除未提交的物理对象并释放认领
// 请求可能已经被取消 (客户端断开)，所以使用独立的 context
func (s *Store) rollback(ctx context.Context, fp types.Hash, token string) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	// 先续约：认领已被接管时，这个 key 上的对象属于接管者，不能删
	if err := s.index.Renew(rbCtx, fp, token); err != nil {
		if errors.Is(err, meta.ErrClaimLost) {
			slog.Warn("claim taken over before rollback, keeping object", "fingerprint", fp.Short())
		} else {
			slog.Error("failed to renew blob claim before rollback", "fingerprint", fp.Short(), "error", err)
		}
		return
	}
	if err := s.backend.Delete(rbCtx, fp); err != nil {
		slog.Error("failed to delete uncommitted blob", "fingerprint", fp.Short(), "error", err)
	}
	s.release(rbCtx, fp, token)
}

func (s *Store) release(ctx context.Context, fp types.Hash, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := s.index.Release(ctx, fp, token); err != nil {
		slog.Error("failed to release blob claim", "fingerprint", fp.Short(), "error", err)
	}
}

// Stat 返回已提交的 Blob，未命中返回 errs.ErrNotFound
func (s *Store) Stat(ctx context.Context, fp types.Hash) (Ref, error) {
	ref, err := s.Exists(ctx, fp)
	if err != nil {
		return Ref{}, err
	}
	if ref == nil {
		return Ref{}, fmt.Errorf("%w: %s", errs.ErrNotFound, fp.Short())
	}
	return *ref, nil
}

// Resolve 接受完整指纹或唯一前缀 (至少 4 位)
func (s *Store) Resolve(ctx context.Context, id string) (Ref, error) {
	if h := types.Hash(id); h.IsValid() {
		return s.Stat(ctx, h)
	}

	prefix := types.HashPrefix(id).Normalize()
	if !prefix.IsValid() {
		return Ref{}, fmt.Errorf("%w: %q", errs.ErrNotFound, id)
	}
	fp, err := s.index.ExpandPrefix(ctx, prefix)
	switch {
	case errors.Is(err, meta.ErrBlobNotFound):
		return Ref{}, fmt.Errorf("%w: %q", errs.ErrNotFound, id)
	case errors.Is(err, meta.ErrAmbiguousPrefix):
		return Ref{}, errs.Validation("id", "prefix %q matches more than one blob", id)
	case err != nil:
		return Ref{}, errs.Storage(errs.StageRetrieved, "resolve", err)
	}
	return s.Stat(ctx, fp)
}

// List 按创建时间倒序列出已提交的 Blob
func (s *Store) List(ctx context.Context, filter meta.BlobFilter) ([]Ref, error) {
	blobs, err := s.index.List(ctx, filter)
	if err != nil {
		return nil, errs.Storage(errs.StageRetrieved, "list", err)
	}
	refs := make([]Ref, 0, len(blobs))
	for i := range blobs {
		refs = append(refs, refFromModel(&blobs[i]))
	}
	return refs, nil
}

// OpenRead 返回一个惰性的读取流：后端在第一次 Read 时才打开
func (s *Store) OpenRead(ctx context.Context, ref Ref) (*Stream, error) {
	if !ref.Fingerprint.IsValid() {
		return nil, errs.Validation("fingerprint", "malformed fingerprint %q", ref.Fingerprint)
	}
	if ref.Backend != "" && ref.Backend != s.backend.Name() {
		return nil, errs.Storage(errs.StageRetrieved, "open",
			fmt.Errorf("blob %s lives on backend %q, this store serves %q", ref.Fingerprint.Short(), ref.Backend, s.backend.Name()))
	}
	codec, err := compress.ParseCodec(ref.Compression)
	if err != nil {
		return nil, errs.Storage(errs.StageRetrieved, "open", err)
	}
	src := compress.Wrap(s.backend, codec)

	return newStream(ctx, ref.Size, func(ctx context.Context) (io.ReadCloser, error) {
		return src.Get(ctx, ref.Fingerprint)
	}), nil
}
