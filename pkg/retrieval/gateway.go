// Package retrieval 把 Blob 标识解析成可下载的字节流，只服务经过校验的调用方。
package retrieval

import (
	"context"
	"log/slog"

	"resumevault/pkg/auth"
	"resumevault/pkg/blobstore"
	"resumevault/pkg/errs"
	"resumevault/pkg/types"
)

// Blobs 下载需要的 Blob 存储能力
type Blobs interface {
	Resolve(ctx context.Context, id string) (blobstore.Ref, error)
	OpenRead(ctx context.Context, ref blobstore.Ref) (*blobstore.Stream, error)
}

// OwnershipChecker 判断 owner 是否有记录引用了这个 Blob
type OwnershipChecker interface {
	OwnsFingerprint(ctx context.Context, owner string, fp types.Hash) (bool, error)
}

// Download 一次下载。调用方负责 Close Stream
type Download struct {
	Stream      *blobstore.Stream
	Fingerprint types.Hash
	Size        int64
	ContentType string
	Filename    string
}

// Gateway 是下载的唯一入口
type Gateway struct {
	blobs  Blobs
	owners OwnershipChecker
}

func NewGateway(blobs Blobs, owners OwnershipChecker) *Gateway {
	return &Gateway{blobs: blobs, owners: owners}
}

// Fetch 先鉴权再查找：未授权的调用方无法通过错误类型推断 Blob 是否存在
func (g *Gateway) Fetch(ctx context.Context, id string, caller *auth.Caller) (*Download, error) {
	if !caller.Valid() {
		return nil, errs.ErrUnauthorized
	}

	ref, err := g.blobs.Resolve(ctx, id)
	if err != nil {
		// 非管理员看不到"不存在"与"无权"的区别
		if !caller.IsAdmin() && (errs.IsNotFound(err) || errs.IsValidation(err)) {
			slog.Debug("download denied", "subject", caller.Subject, "id", id)
			return nil, errs.ErrUnauthorized
		}
		return nil, err
	}

	if !caller.IsAdmin() {
		if g.owners == nil {
			return nil, errs.ErrUnauthorized
		}
		owns, err := g.owners.OwnsFingerprint(ctx, caller.Subject, ref.Fingerprint)
		if err != nil {
			return nil, errs.Storage(errs.StageRetrieved, "ownership", err)
		}
		if !owns {
			slog.Debug("download denied", "subject", caller.Subject, "fingerprint", ref.Fingerprint.Short())
			return nil, errs.ErrUnauthorized
		}
	}

	stream, err := g.blobs.OpenRead(ctx, ref)
	if err != nil {
		return nil, err
	}

	contentType := ref.ContentType
	if contentType == "" {
		contentType = types.ContentTypeOctetStream
	}
	filename := ref.Filename
	if filename == "" {
		filename = ref.Fingerprint.String()
	}
	return &Download{
		Stream:      stream,
		Fingerprint: ref.Fingerprint,
		Size:        ref.Size,
		ContentType: contentType,
		Filename:    filename,
	}, nil
}
