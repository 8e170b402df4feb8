package runlog

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "run-abc123", discardLogger())
	require.NoError(t, err)

	require.NoError(t, log.AppendNote("run started"))
	require.NoError(t, log.AppendMessage(json.RawMessage(`{"type":"assistant","message":{"content":"hi"}}`)))
	require.NoError(t, log.AppendNote("run finished: success"))
	assert.Equal(t, 3, log.Lines())
	require.NoError(t, log.Close())

	entries, err := Read(dir, "run-abc123", discardLogger())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, KindNote, entries[0].Kind)
	assert.Equal(t, "run started", entries[0].Note)
	assert.Equal(t, KindMessage, entries[1].Kind)
	assert.Contains(t, string(entries[1].Message), `"type":"assistant"`)
	assert.Equal(t, "run-abc123", entries[2].RunID)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestReopenAppends(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, "run-1", discardLogger())
	require.NoError(t, err)
	require.NoError(t, first.AppendNote("one"))
	require.NoError(t, first.Close())

	second, err := Open(dir, "run-1", discardLogger())
	require.NoError(t, err)
	require.NoError(t, second.AppendNote("two"))
	require.NoError(t, second.Close())

	entries, err := Read(dir, "run-1", discardLogger())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0].Note)
	assert.Equal(t, "two", entries[1].Note)
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	log, err := Open(dir, "run-x", discardLogger())
	require.NoError(t, err)
	require.NoError(t, log.AppendNote("hello"))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(log.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "one complete line per entry")
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(t.TempDir(), "run-none", discardLogger())
	assert.Error(t, err)
}
