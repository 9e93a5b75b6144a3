package storage

import (
	"context"
	"errors"
	"io"

	"resumevault/pkg/types"
)

var (
	ErrNotFound = errors.New("object not found")
)

// Store 定义了物理字节存储后端。
// 实现可以是本地磁盘、S3 兼容存储，或者在它们之上的压缩装饰器。
// Store 只负责字节，"是否已存在/是否已提交" 由元数据层 (pkg/meta) 决定。
type Store interface {
	// Put 将 r 的全部内容写到 key 对应的位置
	// size 为 -1 表示长度未知。返回实际写入的 (未压缩) 字节数。
	// 实现必须保证：失败时 key 位置不会出现半成品
	Put(ctx context.Context, key types.Hash, r io.Reader, size int64) (int64, error)

	// Get 根据 Hash 读取原始数据
	// 返回 io.ReadCloser 而不是 []byte，支持大文件流式读取
	Get(ctx context.Context, key types.Hash) (io.ReadCloser, error)

	// Has 检查对象是否存在
	Has(ctx context.Context, key types.Hash) (bool, error)

	// Delete 删除对象，不存在时不报错 (只用于回滚未提交的写入)
	Delete(ctx context.Context, key types.Hash) error

	// Name 后端名称，写入 Blob 元数据 (storage_backend)
	Name() string
}

// Layout 返回哈希对应的相对路径
// 策略：使用前 2 个字符作为子目录 (Sharding)
// Example: hash "aabbcc..." -> "aa/bbcc..."
func Layout(hash types.Hash) string {
	s := string(hash)
	if len(s) < 2 {
		return s
	}
	return s[:2] + "/" + s[2:]
}
