package obs

import (
	"os"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger atomic.Pointer[zap.Logger]
)

func init() {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), level)
	logger.Store(zap.New(core))
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zap.DebugLevel)
		return
	}
	level.SetLevel(zap.InfoLevel)
}

// SetLogger replaces the process logger and returns a func restoring the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	prev := logger.Swap(l)
	return func() { logger.Store(prev) }
}

// Logger exposes the underlying zap logger.
func Logger() *zap.Logger { return logger.Load() }

type Fields map[string]any

func (f Fields) zap() []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func Info(msg string, f Fields)  { logger.Load().Info(msg, f.zap()...) }
func Warn(msg string, f Fields)  { logger.Load().Warn(msg, f.zap()...) }
func Error(msg string, f Fields) { logger.Load().Error(msg, f.zap()...) }
func Debug(msg string, f Fields) { logger.Load().Debug(msg, f.zap()...) }

// Sync flushes buffered entries; call before exit.
func Sync() { _ = logger.Load().Sync() }

// With returns a copy of f extended with alternating key/value pairs.
func (f Fields) With(kv ...any) Fields {
	out := make(Fields, len(f)+len(kv)/2)
	for k, v := range f {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}
