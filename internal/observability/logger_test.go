package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesOneJSONLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf)

	logger.Info("session_created", map[string]any{"user_id": "user-1"})
	logger.Error("cleanup_failed", nil)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, "info", first["level"])
	require.Equal(t, "session_created", first["message"])
	require.Equal(t, "user-1", first["user_id"])
	require.NotEmpty(t, first["timestamp"])

	var second map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &second))
	require.Equal(t, "error", second["level"])
	require.Equal(t, "cleanup_failed", second["message"])
}
