package logging

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured logger. Tags attached to the context with WithTags are added to every entry.
type Logger interface {
	Error(ctx context.Context, msg string, err error, tags map[string]any)
	Info(ctx context.Context, msg string, tags map[string]any)
	Debug(ctx context.Context, msg string, tags map[string]any)
	Warn(ctx context.Context, msg string, tags map[string]any)
}

type ctxKey struct{}

// WithTags returns a context carrying tags merged with any tags already on ctx
func WithTags(ctx context.Context, tags map[string]any) context.Context {
	merged := map[string]any{}
	for k, v := range tagsFrom(ctx) {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	return context.WithValue(ctx, ctxKey{}, merged)
}

func tagsFrom(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	tags, _ := ctx.Value(ctxKey{}).(map[string]any)
	return tags
}

type defaultLogger struct {
	logger *zap.Logger
}

// New returns a structured json logger with the given level and default fields
func New(level string, defaultFields map[string]any) (Logger, error) {
	cfg := zap.NewProductionConfig()
	var opts = []zap.Option{
		zap.WithCaller(true),
		zap.AddCallerSkip(1),
	}
	for k, v := range defaultFields {
		opts = append(opts, zap.Fields(zap.Any(k, v)))
	}
	cfg.Level = zap.NewAtomicLevelAt(getLevel(level))
	logger, err := cfg.Build(opts...)
	if err != nil {
		return nil, err
	}
	return &defaultLogger{logger: logger}, nil
}

// FromZap adapts an existing zap logger
func FromZap(logger *zap.Logger) Logger {
	return &defaultLogger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return &defaultLogger{logger: zap.NewNop()}
}

func fields(ctx context.Context, tags map[string]any) []zap.Field {
	var fields []zap.Field
	for k, v := range tagsFrom(ctx) {
		if _, ok := tags[k]; ok {
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	for k, v := range tags {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (d defaultLogger) Error(ctx context.Context, msg string, err error, tags map[string]any) {
	d.logger.Error(msg, append(fields(ctx, tags), zap.Error(err))...)
}

func (d defaultLogger) Info(ctx context.Context, msg string, tags map[string]any) {
	d.logger.Info(msg, fields(ctx, tags)...)
}

func (d defaultLogger) Debug(ctx context.Context, msg string, tags map[string]any) {
	d.logger.Debug(msg, fields(ctx, tags)...)
}

func (d defaultLogger) Warn(ctx context.Context, msg string, tags map[string]any) {
	d.logger.Warn(msg, fields(ctx, tags)...)
}

func getLevel(level string) zapcore.Level {
	levelMap := map[string]zapcore.Level{
		"error":   zap.ErrorLevel,
		"warn":    zap.WarnLevel,
		"warning": zap.WarnLevel,
		"info":    zap.InfoLevel,
		"debug":   zap.DebugLevel,
	}
	l, ok := levelMap[strings.ToLower(level)]
	if !ok {
		return zap.InfoLevel
	}
	return l
}
