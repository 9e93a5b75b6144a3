package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService 是 gRPC 健康检查里登记的服务名
const HealthService = "resumevault.Ingest"

// GRPCServer 只提供标准健康检查 (供负载均衡/编排探测) 和反射
type GRPCServer struct {
	srv    *grpc.Server
	health *health.Server
	checks map[string]Pinger
}

func NewGRPCServer(checks map[string]Pinger) *GRPCServer {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			UnaryRecoveryInterceptor,
			UnaryLoggingInterceptor,
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor,
			StreamLoggingInterceptor,
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &GRPCServer{srv: srv, health: hs, checks: checks}
}

// probe 探测所有依赖并更新服务状态
func (g *GRPCServer) probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	for name, check := range g.checks {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := check.Ping(pingCtx)
		cancel()
		if err != nil {
			slog.Warn("health probe failed", "check", name, "error", err)
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(HealthService, st)
	return st
}

// Serve 在 l 上提供服务，并每隔 interval 刷新健康状态。ctx 取消后优雅关闭
func (g *GRPCServer) Serve(ctx context.Context, l net.Listener, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g.probe(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.health.Shutdown()
				g.srv.GracefulStop()
				return
			case <-ticker.C:
				g.probe(ctx)
			}
		}
	}()

	slog.Info("grpc server listening", "addr", l.Addr().String())
	return g.srv.Serve(l)
}
