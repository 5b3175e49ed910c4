package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	SourceIPKey  contextKey = "source_ip"
	SubjectKey   contextKey = "subject"
)

var level = new(slog.LevelVar)

var defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

// SetLevel adjusts the process log level. Unknown values fall back to info.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func Info(ctx context.Context, msg string, attrs ...any) {
	attrs = appendContextAttrs(ctx, attrs)
	defaultLogger.InfoContext(ctx, msg, attrs...)
}

func Warn(ctx context.Context, msg string, attrs ...any) {
	attrs = appendContextAttrs(ctx, attrs)
	defaultLogger.WarnContext(ctx, msg, attrs...)
}

func Error(ctx context.Context, msg string, attrs ...any) {
	attrs = appendContextAttrs(ctx, attrs)
	defaultLogger.ErrorContext(ctx, msg, attrs...)
}

func Debug(ctx context.Context, msg string, attrs ...any) {
	attrs = appendContextAttrs(ctx, attrs)
	defaultLogger.DebugContext(ctx, msg, attrs...)
}

func appendContextAttrs(ctx context.Context, attrs []any) []any {
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		attrs = append(attrs, slog.String("request_id", reqID))
	}
	if sourceIP, ok := ctx.Value(SourceIPKey).(string); ok {
		attrs = append(attrs, slog.String("source_ip", sourceIP))
	}
	if subject, ok := ctx.Value(SubjectKey).(string); ok {
		attrs = append(attrs, slog.String("subject", subject))
	}
	return attrs
}
