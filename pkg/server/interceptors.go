package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// 1. Logging Interceptor (结构化日志)
// =============================================================================

// UnaryLoggingInterceptor 负责拦截普通请求 (Health.Check)
func UnaryLoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logRPC("Unary", info.FullMethod, time.Since(start), err)
	return resp, err
}

// StreamLoggingInterceptor 负责拦截流式请求 (Health.Watch, reflection)
func StreamLoggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	logRPC("Stream", info.FullMethod, time.Since(start), err)
	return err
}

func logRPC(kind, method string, duration time.Duration, err error) {
	st, _ := status.FromError(err)
	code := st.Code()

	level := slog.LevelInfo
	if code != codes.OK {
		// NotFound 这种业务错误算 Warn，Internal 算 Error
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		} else {
			level = slog.LevelWarn
		}
	}

	slog.Log(context.Background(), level, "gRPC Request",
		slog.String("kind", kind),
		slog.String("method", method),
		slog.String("code", code.String()),
		slog.Duration("dur", duration),
		slog.String("err", errToString(err)),
	)
}

func errToString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// 2. Recovery Interceptor (防弹衣)
// =============================================================================

// UnaryRecoveryInterceptor 捕获 Panic
func UnaryRecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(r)
			err = status.Errorf(codes.Internal, "internal server error: panic recovered")
		}
	}()
	return handler(ctx, req)
}

// StreamRecoveryInterceptor 捕获 Panic
func StreamRecoveryInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(r)
			err = status.Errorf(codes.Internal, "internal server error: panic recovered")
		}
	}()
	return handler(srv, ss)
}

// logPanic 打印堆栈信息，HTTP 与 gRPC 共用
func logPanic(p any) {
	slog.Error("🔥 PANIC RECOVERED",
		slog.Any("panic", p),
		slog.String("stack", string(debug.Stack())),
	)
}
