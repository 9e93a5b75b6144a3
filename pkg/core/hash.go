package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"resumevault/pkg/types"
)

// DigestBufferSize 每次从流中读取的最大字节数。
// 指纹计算只持有这么大的缓冲，不会把整个文件读进内存。
const DigestBufferSize = 32 * 1024

// Digester 是一个 io.Writer，边写边算 SHA-256
// 配合 io.MultiWriter 使用：一次读取，同时落 scratch 和算指纹
type Digester struct {
	h    hash.Hash
	size int64
}

func NewDigester() *Digester {
	return &Digester{h: sha256.New()}
}

func (d *Digester) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.size += int64(n)
	return n, err
}

// Sum 返回当前已写入数据的指纹
func (d *Digester) Sum() types.Hash {
	return types.Hash(hex.EncodeToString(d.h.Sum(nil)))
}

// Size 已写入的字节数
func (d *Digester) Size() int64 { return d.size }

// Digest 流式计算指纹 (HashComputer)
// 1. 只消费一次 reader，按 DigestBufferSize 分块
// 2. 每块之间检查 ctx，客户端断开时尽快退出
// 3. 读出错时不返回任何部分指纹
func Digest(ctx context.Context, r io.Reader) (types.Hash, int64, error) {
	if r == nil {
		return "", 0, fmt.Errorf("digest: reader is nil")
	}
	d := NewDigester()
	buf := make([]byte, DigestBufferSize)
	if _, err := io.CopyBuffer(d, NewContextReader(ctx, r), buf); err != nil {
		return "", 0, fmt.Errorf("digest: read failed: %w", err)
	}
	return d.Sum(), d.Size(), nil
}

// CalculateBlobHash 计算内存中数据的指纹 (测试和小对象用)
func CalculateBlobHash(data []byte) types.Hash {
	hashBytes := sha256.Sum256(data)
	return types.Hash(hex.EncodeToString(hashBytes[:]))
}

// contextReader 在每次 Read 之前检查 ctx
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// NewContextReader 包装 r，ctx 取消后 Read 立即返回 ctx.Err()
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil {
		return r
	}
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
