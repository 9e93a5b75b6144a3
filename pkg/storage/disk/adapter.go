package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"resumevault/pkg/storage"
	"resumevault/pkg/types"

	"github.com/google/renameio"
)

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	rootPath string // 比如: /var/lib/resumevault/objects
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	// 确保根目录存在
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: abs}, nil
}

func (s *Adapter) Name() string { return "disk" }

// Root 返回根目录
func (s *Adapter) Root() string { return s.rootPath }

// layout 返回哈希对应的物理路径
// Example: hash "aabbcc..." -> root/aa/bbcc...
func (s *Adapter) layout(hash types.Hash) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(storage.Layout(hash)))
}

func (s *Adapter) Put(ctx context.Context, hash types.Hash, r io.Reader, size int64) (int64, error) {
	if !hash.IsValid() {
		return 0, fmt.Errorf("invalid hash %q", hash)
	}
	targetPath := s.layout(hash)

	// 1. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	// 2. 原子写入 (Atomic Write)
	// renameio 先写到同目录下的临时文件，CloseAtomicallyReplace 时 fsync + rename。
	// 要么文件不存在，要么文件是完整的。
	pending, err := renameio.TempFile(dir, targetPath)
	if err != nil {
		return 0, err
	}
	// 成功 Replace 之后 Cleanup 是无害的空操作
	defer pending.Cleanup()

	n, err := io.Copy(pending, r)
	if err != nil {
		return n, err
	}
	if err := ctx.Err(); err != nil {
		// 客户端断开：不要把已经读到的部分挪到最终位置
		return n, err
	}
	if size >= 0 && n != size {
		return n, fmt.Errorf("short write: expected %d bytes, got %d", size, n)
	}

	// 3. 移动到最终位置
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !hash.IsValid() {
		return nil, storage.ErrNotFound
	}
	f, err := os.Open(s.layout(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	if !hash.IsValid() {
		return false, nil
	}
	_, err := os.Stat(s.layout(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *Adapter) Delete(ctx context.Context, hash types.Hash) error {
	if !hash.IsValid() {
		return nil
	}
	err := os.Remove(s.layout(hash))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
