// Package compress 在任意 storage.Store 之上提供透明的落盘压缩。
//
// Blob 元数据里记录的是未压缩的大小和内容类型，压缩只影响物理字节。
// 指纹始终基于原始字节计算，所以更换压缩算法不影响去重。
package compress

import (
	"context"
	"fmt"
	"io"

	"resumevault/pkg/storage"
	"resumevault/pkg/types"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec 标识压缩算法。值会写进 blobs.compression 列，修改会破坏已有数据
type Codec string

const (
	CodecNone Codec = "none"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

// ParseCodec 解析配置里的压缩算法名称，空字符串视为 none
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return "", fmt.Errorf("unknown compression codec: %q", name)
	}
}

// Store 是一个装饰器，写入时压缩，读取时解压
type Store struct {
	backend storage.Store
	codec   Codec
}

// Wrap 用 codec 装饰 backend。CodecNone 直接返回 backend 本身
func Wrap(backend storage.Store, codec Codec) storage.Store {
	if codec == CodecNone || codec == "" {
		return backend
	}
	return &Store{backend: backend, codec: codec}
}

// CodecOf 返回 store 使用的压缩算法
func CodecOf(s storage.Store) Codec {
	if c, ok := s.(*Store); ok {
		return c.codec
	}
	return CodecNone
}

func (s *Store) Name() string { return s.backend.Name() }

// Put 通过 io.Pipe 流式压缩，不在内存里攒整个文件
// 返回值是未压缩的字节数
func (s *Store) Put(ctx context.Context, key types.Hash, r io.Reader, size int64) (int64, error) {
	pr, pw := io.Pipe()

	var raw int64
	go func() {
		enc, err := s.newWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		n, err := io.Copy(enc, r)
		raw = n
		if err != nil {
			_ = enc.Close()
			pw.CloseWithError(err)
			return
		}
		if size >= 0 && n != size {
			_ = enc.Close()
			pw.CloseWithError(fmt.Errorf("short read: expected %d bytes, got %d", size, n))
			return
		}
		pw.CloseWithError(enc.Close())
	}()

	// 压缩后长度未知
	_, err := s.backend.Put(ctx, key, pr, -1)
	// 确保生产者 goroutine 退出 (backend 提前返回时)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return 0, err
	}
	return raw, nil
}

func (s *Store) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch s.codec {
	case CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", s.codec)
	}
}

// Get 返回解压后的流。Close 同时释放解码器和底层流
func (s *Store) Get(ctx context.Context, key types.Hash) (io.ReadCloser, error) {
	rc, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	switch s.codec {
	case CodecZstd:
		dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return &readCloser{Reader: dec, close: func() error {
			dec.Close()
			return rc.Close()
		}}, nil
	case CodecLZ4:
		return &readCloser{Reader: lz4.NewReader(rc), close: rc.Close}, nil
	default:
		rc.Close()
		return nil, fmt.Errorf("unsupported codec %q", s.codec)
	}
}

func (s *Store) Has(ctx context.Context, key types.Hash) (bool, error) {
	return s.backend.Has(ctx, key)
}

func (s *Store) Delete(ctx context.Context, key types.Hash) error {
	return s.backend.Delete(ctx, key)
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
