package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder 记录状态码与写出的字节数，同时保留 Flush 能力 (流式响应依赖它)
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap 让 http.ResponseController 能找到底层 writer
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) committed() bool { return r.status != 0 }

// =============================================================================
// 1. Logging Middleware
// =============================================================================

// Logging 每个请求输出一行访问日志，级别按状态码区分
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			logHTTP(r, rec, time.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}

func logHTTP(r *http.Request, rec *statusRecorder, duration time.Duration) {
	code := rec.status
	if code == 0 {
		code = http.StatusOK
	}

	level := slog.LevelInfo
	switch {
	case code >= 500:
		level = slog.LevelError
	case code >= 400:
		level = slog.LevelWarn
	}

	slog.Log(context.Background(), level, "HTTP Request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", code),
		slog.Int64("bytes", rec.bytes),
		slog.Duration("dur", duration),
	)
}

// =============================================================================
// 2. Recovery Middleware
// =============================================================================

// Recovery 捕获 handler 中的 panic
// http.ErrAbortHandler 是有意中止连接 (已提交的响应被截断)，原样抛给 net/http
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := w.(*statusRecorder)
		if !ok {
			rec = &statusRecorder{ResponseWriter: w}
		}

		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			logPanic(p)
			if !rec.committed() {
				rec.Header().Set("Content-Type", "application/json")
				rec.WriteHeader(http.StatusInternalServerError)
				_, _ = rec.Write([]byte(`{"error":"Internal server error"}` + "\n"))
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

// Chain 按顺序套上中间件：Chain(h, Logging, Recovery) => Logging(Recovery(h))
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
