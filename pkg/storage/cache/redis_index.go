package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"resumevault/pkg/core"
	"resumevault/pkg/meta"
	"resumevault/pkg/types"

	"github.com/redis/go-redis/v9"
)

// CachedIndex 是一个装饰器，它为底层的 meta.Index 添加 Redis 缓存层
// 只缓存 committed 的 Blob 引用：它们不可变，缓存永远不会"变脏"
type CachedIndex struct {
	backend meta.Index    // 被装饰的底层索引 (数据库)
	client  *redis.Client // Redis 客户端
	ttl     time.Duration // 缓存过期时间 (例如 24h)
}

type Config struct {
	RedisURL string        `mapstructure:"redis_url"` // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration `mapstructure:"ttl"`
}

const (
	keyPrefix   = "rv:blob:"
	fillTimeout = 2 * time.Second
)

// NewCachedIndex 连接 Redis 并做 fail-fast 检查
func NewCachedIndex(backend meta.Index, cfg Config) (*CachedIndex, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newWithClient(backend, client, cfg.TTL), nil
}

func newWithClient(backend meta.Index, client *redis.Client, ttl time.Duration) *CachedIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedIndex{backend: backend, client: client, ttl: ttl}
}

func (c *CachedIndex) cacheKey(fp types.Hash) string {
	return keyPrefix + string(fp)
}

// cachedRef 是写入 Redis 的值 (canonical CBOR)
type cachedRef struct {
	Fingerprint string `cbor:"1,keyasint"`
	SizeBytes   int64  `cbor:"2,keyasint"`
	ContentType string `cbor:"3,keyasint"`
	Filename    string `cbor:"4,keyasint"`
	Backend     string `cbor:"5,keyasint"`
	StorageKey  string `cbor:"6,keyasint"`
	Compression string `cbor:"7,keyasint"`
	CreatedAt   int64  `cbor:"8,keyasint"` // unix nano
}

func toCached(m *meta.BlobModel) cachedRef {
	return cachedRef{
		Fingerprint: m.Fingerprint,
		SizeBytes:   m.SizeBytes,
		ContentType: m.ContentType,
		Filename:    m.Filename,
		Backend:     m.Backend,
		StorageKey:  m.StorageKey,
		Compression: m.Compression,
		CreatedAt:   m.CreatedAt.UnixNano(),
	}
}

func (r cachedRef) model() *meta.BlobModel {
	return &meta.BlobModel{
		Fingerprint: r.Fingerprint,
		State:       meta.BlobCommitted,
		SizeBytes:   r.SizeBytes,
		ContentType: r.ContentType,
		Filename:    r.Filename,
		Backend:     r.Backend,
		StorageKey:  r.StorageKey,
		Compression: r.Compression,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
	}
}

// Lookup 优先查 Redis
func (c *CachedIndex) Lookup(ctx context.Context, fp types.Hash) (*meta.BlobModel, error) {
	key := c.cacheKey(fp)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ref cachedRef
		if decErr := core.Unmarshal(data, &ref); decErr == nil && ref.Fingerprint == fp.String() {
			return ref.model(), nil
		}
		// 坏数据：当作未命中，回填会覆盖它
		slog.Warn("discarding malformed cache entry", "fingerprint", fp.Short())
	case errors.Is(err, redis.Nil):
		// Cache Miss
	default:
		// 缓存故障降级：Redis 挂了不影响正确性，直接查数据库
		slog.Warn("redis lookup failed, falling back to index", "error", err)
	}

	blob, err := c.backend.Lookup(ctx, fp)
	if err != nil || blob == nil {
		return blob, err
	}

	c.fill(blob)
	return blob, nil
}

// fill 异步写入 Redis，不阻塞主流程
// 使用独立的 context，确保上层 ctx 取消后回填仍能完成
func (c *CachedIndex) fill(blob *meta.BlobModel) {
	if blob.State != meta.BlobCommitted {
		return
	}
	data, err := core.Marshal(toCached(blob))
	if err != nil {
		slog.Warn("failed to encode cache entry", "error", err)
		return
	}
	key := c.cacheKey(types.Hash(blob.Fingerprint))
	go func() {
		fillCtx, cancel := context.WithTimeout(context.Background(), fillTimeout)
		defer cancel()
		if err := c.client.Set(fillCtx, key, data, c.ttl).Err(); err != nil {
			slog.Debug("cache fill failed", "error", err)
		}
	}()
}

// Claim 透传：认领状态必须以数据库为准
func (c *CachedIndex) Claim(ctx context.Context, claim *meta.BlobModel, lease time.Duration) (bool, error) {
	return c.backend.Claim(ctx, claim, lease)
}

// Commit 成功后写入缓存
func (c *CachedIndex) Commit(ctx context.Context, fp types.Hash, token string, size int64) (*meta.BlobModel, error) {
	blob, err := c.backend.Commit(ctx, fp, token, size)
	if err != nil {
		return nil, err
	}
	c.fill(blob)
	return blob, nil
}

func (c *CachedIndex) Renew(ctx context.Context, fp types.Hash, token string) error {
	return c.backend.Renew(ctx, fp, token)
}

func (c *CachedIndex) Release(ctx context.Context, fp types.Hash, token string) error {
	return c.backend.Release(ctx, fp, token)
}

// List 透传 - 列表依赖排序和过滤，不缓存
func (c *CachedIndex) List(ctx context.Context, filter meta.BlobFilter) ([]meta.BlobModel, error) {
	return c.backend.List(ctx, filter)
}

func (c *CachedIndex) ExpandPrefix(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	return c.backend.ExpandPrefix(ctx, prefix)
}

// Close 关闭 Redis 连接
func (c *CachedIndex) Close() error {
	return c.client.Close()
}

var _ meta.Index = (*CachedIndex)(nil)
