package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)

	cases := map[string]zapcore.Level{
		LevelDebug: zapcore.DebugLevel,
		LevelInfo:  zapcore.InfoLevel,
		LevelWarn:  zapcore.WarnLevel,
		LevelError: zapcore.ErrorLevel,
		LevelFatal: zapcore.FatalLevel,
		"unknown":  zapcore.InfoLevel,
	}
	for level, want := range cases {
		SetLevel(level)
		assert.Equal(t, want, zapLevel.Level(), "级别 %s 映射错误", level)
	}
}
