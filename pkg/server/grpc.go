package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName 是健康检查中登记的服务名
const ServiceName = "zipfiles.Bundle"

// NewGRPCServer 构建运维用的 gRPC 服务器：健康检查 + 反射 (grpcurl)
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryRecoveryInterceptor, UnaryLoggingInterceptor),
		grpc.ChainStreamInterceptor(StreamRecoveryInterceptor, StreamLoggingInterceptor),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv, hs
}

// WatchHealth 周期性探测依赖 (目录数据库)，把结果同步到健康状态
// ctx 结束时把状态置为 NOT_SERVING 并返回
func WatchHealth(ctx context.Context, hs *health.Server, ping func(context.Context) error, interval time.Duration) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()

		st := healthpb.HealthCheckResponse_SERVING
		if err := ping(pctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			slog.Warn("health check failed", slog.String("err", err.Error()))
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
