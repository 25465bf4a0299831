// Package logging sets up zap for rdcsync and carries request-scoped
// loggers through contexts, across HTTP handlers and peer requests alike.
package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/itchio/headway/state"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader carries request ids between peers, so that a
// synchronization can be followed through the logs of both ends.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	loggerCtxKey ctxKey = iota
	requestIDCtxKey
)

// Config selects the level, encoding and destination of the process logs.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the process logger and installs it as zap's global one.
// An unknown level falls back to info.
func Init(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		_ = level.UnmarshalText([]byte(cfg.Level))
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Sync flushes the global logger.
func Sync() error {
	return zap.L().Sync()
}

// WithContext returns the logger stored in ctx, or zap's global one.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerCtxKey).(*zap.Logger); ok {
		return logger
	}
	return zap.L()
}

// WithLogger stores logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// WithRequestID tags the context's logger with a request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	logger := WithContext(ctx).With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, requestIDCtxKey, requestID)
	return WithLogger(ctx, logger)
}

// RequestID returns the request id of ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// ForwardRequestID copies the request id of ctx into the headers of an
// outgoing peer request.
func ForwardRequestID(ctx context.Context, header http.Header) {
	if id := RequestID(ctx); id != "" && header.Get(RequestIDHeader) == "" {
		header.Set(RequestIDHeader, id)
	}
}

// Consumer forwards headway messages to logger.
func Consumer(logger *zap.Logger) *state.Consumer {
	sugar := logger.Sugar()
	return &state.Consumer{
		OnMessage: func(level string, message string) {
			switch level {
			case "debug":
				sugar.Debug(message)
			case "warning":
				sugar.Warn(message)
			case "error":
				sugar.Error(message)
			default:
				sugar.Info(message)
			}
		},
	}
}

// statusRecorder remembers what a handler answered. It stays an
// http.Flusher so that streamed multipart bodies still go out as written.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.written += int64(n)
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Middleware gives each request a logger derived from base and tagged
// with the caller's request id, or a fresh one, and logs one line per
// request once it is served.
func Middleware(base *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := WithRequestID(WithLogger(r.Context(), base), requestID)
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(sr, r.WithContext(ctx))

		lvl := zapcore.InfoLevel
		if sr.status >= http.StatusInternalServerError {
			lvl = zapcore.WarnLevel
		}
		WithContext(ctx).Check(lvl, "request served").Write(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("peer", r.RemoteAddr),
			zap.Int("status", sr.status),
			zap.Int64("bytes", sr.written),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
