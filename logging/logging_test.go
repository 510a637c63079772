package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/notify"
)

var _ notify.Logger = (*Adapter)(nil)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestAdapter_Levels(t *testing.T) {
	var buf bytes.Buffer
	a := NewAdapter(New(Config{Level: "info", Output: &buf, Service: "test"}))

	a.Debugf("hidden %d", 1)
	a.Infof("delivered %s", "m-1")
	a.Warnf("retry in %v", "1s")
	a.Errorf("failed: %v", "boom")
	a.Info("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 4)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "delivered m-1", lines[0]["message"])
	assert.Equal(t, "test", lines[0]["service"])
	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "error", lines[2]["level"])
	assert.Equal(t, "plain", lines[3]["message"])
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))

	l := WithContext(ctx, logger)
	l.Info().Msg("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "req-1", lines[0]["request_id"])
}
