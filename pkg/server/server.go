// Package server 暴露 HTTP 接口 (上传、管理端、下载) 和 gRPC 健康检查。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"resumevault/pkg/auth"
	"resumevault/pkg/blobstore"
	"resumevault/pkg/ingest"
	"resumevault/pkg/meta"
	"resumevault/pkg/retrieval"
)

// Config HTTP 服务配置
type Config struct {
	Addr     string `mapstructure:"addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	// MaxUploadBytes 单个简历文件的大小上限
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

const (
	DefaultMaxUploadBytes = 10 << 20 // 10 MiB
	defaultJSONMaxBody    = 64 << 10
	multipartOverhead     = 1 << 20
	shutdownTimeout       = 15 * time.Second
)

// Ingester 上传流水线
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// BlobLister 管理端 Blob 列表
type BlobLister interface {
	List(ctx context.Context, filter meta.BlobFilter) ([]blobstore.Ref, error)
}

// RecordLister 管理端记录列表
type RecordLister interface {
	ListResumes(ctx context.Context, filter meta.ResumeFilter) ([]meta.ResumeRecord, error)
}

// Pinger 健康检查依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps 服务依赖，全部由 app 显式构造后注入
type Deps struct {
	Ingester Ingester
	Blobs    BlobLister
	Records  RecordLister
	Gateway  *retrieval.Gateway
	Auth     *auth.Authenticator
	// Checks 名称 → 依赖，/health 逐个探测
	Checks map[string]Pinger
	Logger *slog.Logger
}

type Server struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
}

func New(deps Deps, cfg Config) (*Server, error) {
	if deps.Ingester == nil || deps.Gateway == nil || deps.Auth == nil {
		return nil, fmt.Errorf("server requires ingester, gateway and authenticator")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{deps: deps, cfg: cfg, logger: deps.Logger}
	s.handler = s.withRecovery(s.withRequestLogging(s.withAuth(s.routes())))
	return s, nil
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Handler 完整的 HTTP handler (含中间件)，测试直接挂到 httptest
func (s *Server) Handler() http.Handler { return s.handler }

// Serve 在 l 上提供服务，ctx 取消后优雅关闭
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	s.log().Info("http server listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.log().Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// PingFunc 把普通函数适配成 Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
