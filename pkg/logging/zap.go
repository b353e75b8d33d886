package logging

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements Logger on top of uber-go/zap
type ZapLogger struct {
	logger *zap.Logger
	fields []Field
}

// NewZapLogger builds a logger writing to config.Output. Logs default to
// stderr so command output on stdout stays machine readable.
func NewZapLogger(config Config) (*ZapLogger, error) {
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	core := zapcore.NewCore(newEncoder(config.Format), zapcore.AddSync(output), toZapLevel(config.Level))
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)}

	var base []zap.Field
	if config.Service != "" {
		base = append(base, zap.String("service", config.Service))
	}
	if config.Environment != "" {
		base = append(base, zap.String("environment", config.Environment))
	}
	if len(base) > 0 {
		opts = append(opts, zap.Fields(base...))
	}

	return &ZapLogger{logger: zap.New(core, opts...)}, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, l.zapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, l.zapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, l.zapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, l.zapFields(fields)...)
}

// Fatal logs and exits the process
func (l *ZapLogger) Fatal(msg string, fields ...Field) {
	l.logger.Fatal(msg, l.zapFields(fields)...)
}

// With returns a logger carrying fields on every entry
func (l *ZapLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &ZapLogger{logger: l.logger, fields: merged}
}

// WithContext lifts the correlation, task, plan and user ids stored in ctx
// into fields.
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}

	var fields []Field
	for _, key := range []contextKey{CorrelationIDKey, TaskIDKey, PlanIDKey, UserIDKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// NewNop returns a logger that discards every entry
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *ZapLogger) zapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(l.fields)+len(fields))
	for _, f := range l.fields {
		out = append(out, toZapField(f))
	}
	for _, f := range fields {
		out = append(out, toZapField(f))
	}
	return out
}

// toZapField keeps common types strongly typed so encoders format them
// natively (durations as strings, times as RFC3339).
func toZapField(f Field) zap.Field {
	switch v := f.Value.(type) {
	case string:
		return zap.String(f.Key, v)
	case int:
		return zap.Int(f.Key, v)
	case int64:
		return zap.Int64(f.Key, v)
	case float64:
		return zap.Float64(f.Key, v)
	case bool:
		return zap.Bool(f.Key, v)
	case time.Duration:
		return zap.Duration(f.Key, v)
	case time.Time:
		return zap.Time(f.Key, v)
	case []string:
		return zap.Strings(f.Key, v)
	default:
		return zap.Any(f.Key, v)
	}
}

var global atomic.Pointer[Logger]

// SetGlobalLogger installs the process logger
func SetGlobalLogger(logger Logger) {
	global.Store(&logger)
}

// L returns the process logger, or a no-op logger before one is installed
func L() Logger {
	if l := global.Load(); l != nil {
		return *l
	}
	return NewNop()
}
