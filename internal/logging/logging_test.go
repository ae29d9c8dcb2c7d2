package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	zl := New(&buf, "warn", false)

	zl.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	zl.Warn().Msg("shown")
	m := decode(t, &buf)
	assert.Equal(t, "shown", m["message"])
	assert.Equal(t, "warn", m["level"])
	assert.Contains(t, m, "time")
}

func TestNew_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	zl := New(&buf, "chatty", false)

	zl.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	zl.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestNew_Development(t *testing.T) {
	var buf bytes.Buffer
	zl := New(&buf, "info", true)

	zl.Info().Msg("console")
	assert.Contains(t, buf.String(), "console")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestAdapter_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := Adapt(New(&buf, "debug", false))

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9527}
	log.Info("login succeeded", "user_id", uint64(42), "addr", addr, "error", errors.New("none"))

	m := decode(t, &buf)
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "login succeeded", m["message"])
	assert.Equal(t, float64(42), m["user_id"])
	assert.Equal(t, "127.0.0.1:9527", m["addr"])
	assert.Equal(t, "none", m["error"])
}

func TestAdapter_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := Adapt(New(&buf, "debug", false))

	for level, fn := range map[string]func(string, ...any){
		"debug": log.Debug,
		"info":  log.Info,
		"warn":  log.Warn,
		"error": log.Error,
	} {
		buf.Reset()
		fn("msg")
		assert.Equal(t, level, decode(t, &buf)["level"])
	}
}

func TestAdapter_OddArgs(t *testing.T) {
	var buf bytes.Buffer
	log := Adapt(New(&buf, "debug", false))

	log.Warn("odd", "dangling")

	m := decode(t, &buf)
	assert.Equal(t, "dangling", m["!BADKEY"])
}

func TestAdapter_BelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := Adapt(New(&buf, "error", false))

	log.Debug("dropped", "key", "value")
	assert.Zero(t, buf.Len())
}
