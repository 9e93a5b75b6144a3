package blobstore

import (
	"context"
	"errors"
	"io"

	"resumevault/pkg/errs"
)

var ErrStreamClosed = errors.New("blob stream is closed")

// Stream 是一个有限的、顺序的、可重新开始的字节流
// 直到第一次 Read 才打开后端
type Stream struct {
	ctx  context.Context
	open func(context.Context) (io.ReadCloser, error)
	size int64

	rc     io.ReadCloser
	read   int64
	closed bool
}

func newStream(ctx context.Context, size int64, open func(context.Context) (io.ReadCloser, error)) *Stream {
	return &Stream{ctx: ctx, open: open, size: size}
}

// Size Blob 的未压缩大小
func (s *Stream) Size() int64 { return s.size }

func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	if s.rc == nil {
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
		rc, err := s.open(s.ctx)
		if err != nil {
			return 0, errs.Storage(errs.StageRetrieved, "get", err)
		}
		s.rc = rc
	}

	n, err := s.rc.Read(p)
	s.read += int64(n)
	if errors.Is(err, io.EOF) && s.size >= 0 && s.read != s.size {
		// 后端对象被截断
		return n, errs.Storage(errs.StageRetrieved, "read", io.ErrUnexpectedEOF)
	}
	return n, err
}

// Reset 回到开头，下次 Read 重新打开后端
func (s *Stream) Reset() error {
	if s.closed {
		return ErrStreamClosed
	}
	err := s.closeBackend()
	s.read = 0
	return err
}

// Close 释放后端资源，可以重复调用
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeBackend()
}

func (s *Stream) closeBackend() error {
	if s.rc == nil {
		return nil
	}
	err := s.rc.Close()
	s.rc = nil
	return err
}
