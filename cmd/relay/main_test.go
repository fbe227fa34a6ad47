package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))

	check := originChecker([]string{"https://app.example"})
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req), "non-browser clients send no Origin")

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}

func TestSetupReportsStartupErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAY_LOG_LEVEL", "chatty")

	core, logs := observer.New(zapcore.InfoLevel)
	_, _, ok := setup(zap.New(core))
	assert.False(t, ok)
	require.Equal(t, 1, logs.FilterMessage("invalid log level").Len())

	t.Setenv("RELAY_LOG_LEVEL", "debug")
	cfg, logger, ok := setup(zap.New(core))
	require.True(t, ok)
	assert.Equal(t, ":8090", cfg.Addr)
	assert.NotNil(t, logger)
}
