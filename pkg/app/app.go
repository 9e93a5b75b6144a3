// pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"resumevault/pkg/auth"
	"resumevault/pkg/blobstore"
	"resumevault/pkg/config"
	"resumevault/pkg/ingest"
	"resumevault/pkg/meta"
	"resumevault/pkg/parser"
	"resumevault/pkg/retrieval"
	"resumevault/pkg/server"
	"resumevault/pkg/storage"
	"resumevault/pkg/storage/cache"
	"resumevault/pkg/storage/compress"
	"resumevault/pkg/storage/disk"
	"resumevault/pkg/storage/s3"

	"golang.org/x/sync/errgroup"
)

// grpcProbeInterval gRPC 健康状态刷新周期
const grpcProbeInterval = 10 * time.Second

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有所有“单例”服务，显式创建、显式 Close
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB       *meta.DB
	Repo     *meta.Repository
	Backend  storage.Store
	Blobs    *blobstore.Store
	Parser   *parser.HTTPClient
	Pipeline *ingest.Pipeline
	Gateway  *retrieval.Gateway
	Auth     *auth.Authenticator

	cache *cache.CachedIndex
}

// NewApp 是工厂函数，负责组装这一台机器
// 它只看 Config，不知道具体的 CLI 命令
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	db, err := meta.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	a.DB = db
	a.Repo = meta.NewRepository(db)

	// 出错时释放已经打开的资源
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	backend, err := initStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	a.Backend = backend

	codec, err := compress.ParseCodec(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}

	var index meta.Index = a.Repo
	if cfg.Cache.RedisURL != "" {
		a.cache, err = cache.NewCachedIndex(a.Repo, cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("failed to init cache: %w", err)
		}
		index = a.cache
	}

	a.Blobs = blobstore.New(index, backend, blobstore.Options{
		Codec:        codec,
		ClaimLease:   cfg.Storage.ClaimLease,
		PollInterval: cfg.Storage.PollInterval,
	})

	if cfg.Parser.URL != "" {
		a.Parser, err = parser.NewHTTPClient(cfg.Parser.URL, parser.WithTimeout(cfg.Parser.Timeout))
		if err != nil {
			return nil, err
		}
	}

	a.Pipeline = ingest.NewPipeline(a.Blobs, a.parserOrNil(), ingest.NewMetaRecorder(a.Repo), cfg.Ingest)
	a.Gateway = retrieval.NewGateway(a.Blobs, a.Repo)
	a.Auth = auth.NewAuthenticator(a.Repo, cfg.Auth)

	logger.Info("resumevault initialized",
		"storage", backend.Name(),
		"compression", string(codec),
		"database", cfg.Database.Driver,
		"cache", a.cache != nil,
		"parser", cfg.Parser.URL,
	)
	ok = true
	return a, nil
}

// parserOrNil 避免把 nil 的 *HTTPClient 装进接口
func (a *App) parserOrNil() parser.Parser {
	if a.Parser == nil {
		return nil
	}
	return a.Parser
}

// initStore 根据 storage.type 选择后端
func initStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "disk", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage path not set")
		}
		return disk.NewAdapter(cfg.Path)
	case "s3":
		return s3.NewAdapter(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// Checks 健康检查项，HTTP 和 gRPC 共用
func (a *App) Checks() map[string]server.Pinger {
	checks := map[string]server.Pinger{"database": a.DB}
	if a.Parser != nil {
		checks["parser"] = server.PingFunc(a.Parser.Health)
	}
	return checks
}

// ServerDeps 组装 HTTP 层需要的依赖
func (a *App) ServerDeps() server.Deps {
	return server.Deps{
		Ingester: a.Pipeline,
		Blobs:    a.Blobs,
		Records:  a.Repo,
		Gateway:  a.Gateway,
		Auth:     a.Auth,
		Checks:   a.Checks(),
		Logger:   a.Logger,
	}
}

// Run 启动 HTTP (以及可选的 gRPC 健康服务)，ctx 取消后全部优雅退出
func (a *App) Run(ctx context.Context) error {
	srv, err := server.New(a.ServerDeps(), a.Config.Server)
	if err != nil {
		return err
	}

	httpLis, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Config.Server.Addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx, httpLis) })

	if addr := a.Config.Server.GRPCAddr; addr != "" {
		grpcLis, err := net.Listen("tcp", addr)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		gs := server.NewGRPCServer(a.Checks())
		g.Go(func() error { return gs.Serve(ctx, grpcLis, grpcProbeInterval) })
	}

	return g.Wait()
}

// Close 释放数据库连接和 Redis 客户端
func (a *App) Close() error {
	var errList []error
	if a.cache != nil {
		errList = append(errList, a.cache.Close())
	}
	if a.DB != nil {
		errList = append(errList, a.DB.Close())
	}
	return errors.Join(errList...)
}

// NewLogger 按 log.level / log.format 构造 slog.Logger
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log.format: %q", cfg.Format)
	}
}
