// Package utils hosts the structured logger built against zap.
//
// The Logger API here completes what the teacher repo's own test file
// (logger_test.go) specified but never implemented — see DESIGN.md.
package utils

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures InitLogger.
type LogConfig struct {
	Level       string
	Format      string // "json" or "text"
	Output      string // file path; empty means stderr
	Development bool
}

// Logger wraps *zap.Logger and a cached SugaredLogger for the Debugf/
// Infof-style package functions.
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func buildEncoder(cfg LogConfig) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if strings.ToLower(cfg.Format) == "text" {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

func buildSink(cfg LogConfig) zapcore.WriteSyncer {
	if cfg.Output == "" {
		return zapcore.AddSync(os.Stderr)
	}
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// Fall back to stderr rather than panic — a bad log destination
		// must never take down the process it's trying to describe.
		return zapcore.AddSync(os.Stderr)
	}
	return zapcore.AddSync(f)
}

// InitLogger builds a Logger from cfg, applying sane defaults for an
// empty config. Never returns nil.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)
	encoder := buildEncoder(cfg)
	sink := buildSink(cfg)

	core := zapcore.NewCore(encoder, sink, level)
	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	zl := zap.New(core, opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// GetGlobalLogger lazily creates a default logger on first use and
// returns the same instance thereafter.
func GetGlobalLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// InitGlobalLogger builds a logger from cfg, installs it as the global
// logger, and returns it.
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger installs l as the global logger.
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// L is a short alias for GetGlobalLogger.
func L() *Logger { return GetGlobalLogger() }

func Debug(msg string, fields ...zap.Field) { GetGlobalLogger().Logger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetGlobalLogger().Logger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetGlobalLogger().Logger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetGlobalLogger().Logger.Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { GetGlobalLogger().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetGlobalLogger().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetGlobalLogger().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetGlobalLogger().sugar.Errorf(format, args...) }

// With returns a new Logger with the given fields attached.
func (l *Logger) With(fields ...zap.Field) *Logger {
	zl := l.Logger.With(fields...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

func (l *Logger) WithComponent(name string) *Logger { return l.With(Component(name)) }
func (l *Logger) WithExchange(name string) *Logger  { return l.With(Exchange(name)) }
func (l *Logger) WithSymbol(sym string) *Logger     { return l.With(Symbol(sym)) }
func (l *Logger) WithPairID(id int) *Logger         { return l.With(PairID(id)) }

// WithAccount/WithStrategy are this repo's domain equivalents of the
// teacher's WithExchange/WithPairID — kept alongside them rather than
// replacing, since WithExchange/WithPairID are part of the tested API
// surface.
func (l *Logger) WithAccount(accountID int64) *Logger {
	return l.With(zap.Int64("account_id", accountID))
}

func (l *Logger) WithStrategy(strategyID int64) *Logger {
	return l.With(zap.Int64("strategy_id", strategyID))
}

// Sugar returns the cached SugaredLogger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// Field constructors matching the tested domain vocabulary.
func Exchange(name string) zap.Field   { return zap.String("exchange", name) }
func Symbol(sym string) zap.Field      { return zap.String("symbol", sym) }
func PairID(id int) zap.Field          { return zap.Int("pair_id", id) }
func OrderID(id string) zap.Field      { return zap.String("order_id", id) }
func Price(p float64) zap.Field        { return zap.Float64("price", p) }
func Volume(v float64) zap.Field       { return zap.Float64("volume", v) }
func Spread(s float64) zap.Field       { return zap.Float64("spread", s) }
func PNL(v float64) zap.Field          { return zap.Float64("pnl", v) }
func Side(side string) zap.Field       { return zap.String("side", side) }
func State(s string) zap.Field         { return zap.String("state", s) }
func Latency(ms float64) zap.Field     { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field    { return zap.String("request_id", id) }
func UserID(id int) zap.Field          { return zap.Int("user_id", id) }
func Component(name string) zap.Field  { return zap.String("component", name) }

// Re-exported standard constructors so callers only need to import utils.
func String(key, val string) zap.Field    { return zap.String(key, val) }
func Int(key string, val int) zap.Field   { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }
func Float64(key string, val float64) zap.Field { return zap.Float64(key, val) }
func Bool(key string, val bool) zap.Field { return zap.Bool(key, val) }
func Err(err error) zap.Field              { return zap.Error(err) }
func Any(key string, val interface{}) zap.Field { return zap.Any(key, val) }

// fieldsToInterface converts zap fields into an alternating key/value
// slice for sugared-logger-style calls.
func fieldsToInterface(fields []zap.Field) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		if v, ok := enc.Fields[f.Key]; ok {
			out = append(out, f.Key, v)
		} else {
			out = append(out, f.Key, fmt.Sprintf("%v", f.Interface))
		}
	}
	return out
}
