// Package errs 定义了上传/存储/下载链路共享的错误分类。
//
// 调用方通过 errors.Is / errors.As 区分：
//   - ValidationError: 请求本身不合法，在哈希和存储之前就被拒绝
//   - StorageError:    持久化层读写失败，不会留下半成品 Blob
//   - ParseError:      外部解析服务失败或超时，Blob 已经安全落盘
//   - ErrNotFound / ErrUnauthorized: 下载路径上的两种拒绝
package errs

import (
	"errors"
	"fmt"

	"resumevault/pkg/types"
)

var (
	// ErrNotFound 请求的 Blob 不存在
	ErrNotFound = errors.New("blob not found")

	// ErrUnauthorized 调用方没有经过校验的凭证，不会透露 Blob 是否存在
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDedupRace 并发 Put 输给了另一个写入者。内部使用，不会返回给调用方
	ErrDedupRace = errors.New("dedup race resolved: another writer committed first")

	// ErrFingerprintMismatch 写入的字节和声明的指纹不一致
	ErrFingerprintMismatch = errors.New("content does not match fingerprint")

	// ErrTooLarge 上传超过大小上限，作为 ValidationError 的原因返回
	ErrTooLarge = errors.New("payload too large")
)

// Stage 标记失败发生在流水线的哪一步
type Stage string

const (
	StageReceived      Stage = "received"
	StageValidated     Stage = "validated"
	StageFingerprinted Stage = "fingerprinted"
	StageStored        Stage = "stored"
	StageParsed        Stage = "parsed"
	StageRecorded      Stage = "recorded"
	StageRetrieved     Stage = "retrieved"
)

// ValidationError 非法的内容类型、缺失的负载等
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validation 构造一个 ValidationError
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StorageError 持久化失败 (写 scratch、写 Blob、读 Blob、写元数据)
type StorageError struct {
	Stage Stage
	Op    string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure at %s (%s): %v", e.Stage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage 包装一个底层错误。nil 原样返回
func Storage(stage Stage, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Stage: stage, Op: op, Err: err}
}

// ParseError 外部解析服务返回非 2xx、解析报错或超时
// Fingerprint 指向已经存好的 Blob，重试是安全且幂等的
type ParseError struct {
	Fingerprint types.Hash
	Timeout     bool
	Err         error
}

func (e *ParseError) Error() string {
	kind := "parse failed"
	if e.Timeout {
		kind = "parse timed out"
	}
	if e.Fingerprint.IsZero() {
		return fmt.Sprintf("%s: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s (blob %s stored): %v", kind, e.Fingerprint.Short(), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}

func IsParse(err error) bool {
	var p *ParseError
	return errors.As(err, &p)
}

// IsParseTimeout 只对超时类的 ParseError 返回 true
func IsParseTimeout(err error) bool {
	var p *ParseError
	return errors.As(err, &p) && p.Timeout
}

func IsTooLarge(err error) bool { return errors.Is(err, ErrTooLarge) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// StageOf 返回错误所属的阶段，未知时为空
func StageOf(err error) Stage {
	var s *StorageError
	if errors.As(err, &s) {
		return s.Stage
	}
	switch {
	case IsParse(err):
		return StageParsed
	case IsValidation(err):
		return StageValidated
	case IsNotFound(err), IsUnauthorized(err):
		return StageRetrieved
	}
	return ""
}

// Retryable 判断调用方是否可以安全重试同一个上传。
// 解析失败: Blob 已去重存储，重试幂等。
// 存储失败: 半成品不会可见，重试时的并发竞争由 BlobStore 处理。
func Retryable(err error) bool {
	return IsParse(err) || IsStorage(err)
}
