package svcutil

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(slog.LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(slog.LevelWarn, ParseLogLevel("warn"))
	assert.Equal(slog.LevelError, ParseLogLevel("error"))
	assert.Equal(slog.LevelInfo, ParseLogLevel(""))
	assert.Equal(slog.LevelInfo, ParseLogLevel("verbose"))
}
