// Package log 提供基于zap的日志工具（对外导出）
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 日志级别常量
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

var zapLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalColorLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// Logger 日志接口（对外导出）
// 所有组件通过该接口输出日志，便于替换实现
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
}

// Default 默认日志实例，可替换为任何实现了Logger接口的日志器
var Default Logger = zap.New(
	zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	),
	zap.AddCaller(),
	zap.AddCallerSkip(1),
).Sugar()

// SetLevel 设置日志级别，无法识别的级别按info处理
func SetLevel(level string) {
	switch level {
	case LevelDebug:
		zapLevel.SetLevel(zapcore.DebugLevel)
	case LevelInfo:
		zapLevel.SetLevel(zapcore.InfoLevel)
	case LevelWarn:
		zapLevel.SetLevel(zapcore.WarnLevel)
	case LevelError:
		zapLevel.SetLevel(zapcore.ErrorLevel)
	case LevelFatal:
		zapLevel.SetLevel(zapcore.FatalLevel)
	default:
		zapLevel.SetLevel(zapcore.InfoLevel)
	}
}

// Debug 输出DEBUG日志
func Debug(args ...any) { Default.Debug(args...) }

// Debugf 格式化输出DEBUG日志
func Debugf(format string, args ...any) { Default.Debugf(format, args...) }

// Info 输出INFO日志
func Info(args ...any) { Default.Info(args...) }

// Infof 格式化输出INFO日志
func Infof(format string, args ...any) { Default.Infof(format, args...) }

// Warn 输出WARN日志
func Warn(args ...any) { Default.Warn(args...) }

// Warnf 格式化输出WARN日志
func Warnf(format string, args ...any) { Default.Warnf(format, args...) }

// Error 输出ERROR日志
func Error(args ...any) { Default.Error(args...) }

// Errorf 格式化输出ERROR日志
func Errorf(format string, args ...any) { Default.Errorf(format, args...) }

// Fatal 输出FATAL日志并退出进程
func Fatal(args ...any) { Default.Fatal(args...) }

// Fatalf 格式化输出FATAL日志并退出进程
func Fatalf(format string, args ...any) { Default.Fatalf(format, args...) }
