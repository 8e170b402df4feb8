package bridge

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startShell(t *testing.T, script string, keepStdin bool) *Process {
	t.Helper()
	p, err := Start(context.Background(), Options{
		Path:          "/bin/sh",
		Args:          []string{"-c", script},
		Dir:           t.TempDir(),
		KeepStdinOpen: keepStdin,
		Logger:        testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Dispose)
	return p
}

func TestReadMessagesSkipsBlankLines(t *testing.T) {
	p := startShell(t, `printf '{"type":"system","session_id":"s1"}\n\n   \n{"type":"result"}\n'`, false)

	ctx := context.Background()

	first, err := p.ReadMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"system","session_id":"s1"}`, string(first))

	second, err := p.ReadMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"result"}`, string(second))

	_, err = p.ReadMessage(ctx)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, p.Wait())
}

func TestNonZeroExitCapturesStderr(t *testing.T) {
	p := startShell(t, `echo "something broke" >&2; exit 3`, false)

	for {
		if _, err := p.ReadMessage(context.Background()); err != nil {
			break
		}
	}

	err := p.Wait()
	require.Error(t, err)

	var failed *ProcessFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Code)
	assert.Contains(t, failed.Stderr, "something broke")
}

func TestWriteLineRoundTrip(t *testing.T) {
	p := startShell(t, `read line; echo "$line"`, true)

	require.NoError(t, p.WriteLine(map[string]string{"type": "user"}))

	out, err := p.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user"}`, string(out))

	p.CloseStdin()
	require.NoError(t, p.Wait())
}

func TestWriteAfterCloseFails(t *testing.T) {
	p := startShell(t, `cat >/dev/null`, true)

	p.CloseStdin()
	p.CloseStdin() // idempotent

	err := p.WriteLine(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrStdinClosed)

	require.NoError(t, p.Wait())
}

func TestOneShotStartClosesStdin(t *testing.T) {
	p := startShell(t, `cat >/dev/null`, false)

	err := p.WriteLine(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrStdinClosed)

	require.NoError(t, p.Wait())
}

func TestCancellationKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, Options{
		Path:          "/bin/sh",
		Args:          []string{"-c", "sleep 30"},
		Dir:           t.TempDir(),
		KeepStdinOpen: false,
		Logger:        testLogger(),
	})
	require.NoError(t, err)
	defer p.Dispose()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = p.ReadMessage(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation should kill promptly")

	assert.Error(t, p.Wait(), "killed process reports a failure")
}

func TestDisposeIsIdempotent(t *testing.T) {
	p := startShell(t, `sleep 30`, false)

	p.Dispose()
	p.Dispose()

	assert.Error(t, p.Wait())
}

func TestMergeEnvOverridesWin(t *testing.T) {
	merged := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "9", "C": "3"})
	assert.Contains(t, merged, "A=1")
	assert.Contains(t, merged, "B=9")
	assert.Contains(t, merged, "C=3")
	assert.NotContains(t, merged, "B=2")
}

func TestResolveExecutableOverride(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "agent")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), fs.FileMode(0o755)))

	path, err := ResolveExecutable("agent", bin)
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}

func TestResolveExecutableFromPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "myagent")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), fs.FileMode(0o755)))
	t.Setenv("PATH", dir)

	path, err := ResolveExecutable("myagent", "")
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}

func TestResolveExecutableNotFoundListsLocations(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := ResolveExecutable("definitely-not-installed", "")
	require.Error(t, err)

	var notFound *ExecutableNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "definitely-not-installed", notFound.Name)
	assert.NotEmpty(t, notFound.Searched)
	assert.Contains(t, err.Error(), "searched")
}
