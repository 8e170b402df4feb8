// Package bridge owns the lifecycle of one external agent process per run:
// it launches the executable, exposes stdout as a pull-based stream of
// newline-delimited JSON lines, offers a flushed write channel into stdin,
// drains stderr concurrently, and force-kills the process tree on
// cancellation or disposal.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// MaxLineSize bounds a single stdout line. Agent messages can embed whole
// files, so this is generous.
const MaxLineSize = 10 * 1024 * 1024

// Options configures one agent process invocation.
type Options struct {
	// Path is the resolved executable path.
	Path string
	// Args are passed verbatim; the stage prompt arrives as the final two
	// elements ("-p", prompt).
	Args []string
	// Dir is the working directory for the process.
	Dir string
	// Env entries are merged over the inherited environment; explicit
	// entries win.
	Env map[string]string
	// KeepStdinOpen leaves the input stream open for tool-result replies.
	// When false the process is launched one-shot and stdin is closed
	// immediately after start.
	KeepStdinOpen bool

	Logger *slog.Logger
}

// Process is a handle to one running agent process.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	scanner *bufio.Scanner

	mu          sync.Mutex
	stdin       io.WriteCloser
	stdinBuf    *bufio.Writer
	stdinClosed bool
	disposed    bool

	stderrMu  sync.Mutex
	stderrBuf bytes.Buffer

	// stderrDone closes once the diagnostic stream is fully drained, which
	// happens at process exit. Wait joins on it before reporting status so
	// diagnostic text is never lost to a race with exit.
	stderrDone chan struct{}

	// stopKill tears down the cancellation callback registered at Start.
	// Dispose calls it before any termination logic so a cooperative
	// disposal never races the kill path.
	stopKill func() bool

	waitOnce sync.Once
	waitErr  error
}

// Start launches the agent process. The context's cancellation force-kills
// the process tree; pass the per-run context.
func Start(ctx context.Context, opts Options) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	// Own process group so Dispose can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	p := &Process{
		cmd:        cmd,
		logger:     logger,
		scanner:    scanner,
		stdin:      stdin,
		stdinBuf:   bufio.NewWriter(stdin),
		stderrDone: make(chan struct{}),
	}

	logger.Info("agent process started",
		"path", opts.Path,
		"pid", cmd.Process.Pid,
		"dir", opts.Dir,
		"stdin_open", opts.KeepStdinOpen)

	go p.drainStderr(stderr)

	p.stopKill = context.AfterFunc(ctx, func() {
		logger.Warn("run cancelled, killing agent process", "pid", cmd.Process.Pid)
		p.kill()
	})

	if !opts.KeepStdinOpen {
		p.CloseStdin()
	}

	return p, nil
}

// ReadMessage returns the next non-blank stdout line. It blocks until a line
// arrives, the stream closes (io.EOF), or the context fires. The returned
// slice is a copy and stays valid across calls.
func (p *Process) ReadMessage(ctx context.Context) (json.RawMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.scanner.Scan() {
			// Cancellation kills the process, which closes stdout and
			// unblocks Scan; prefer reporting the cancellation.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := p.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read agent output: %w", err)
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(p.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make(json.RawMessage, len(line))
		copy(out, line)
		return out, nil
	}
}

// WriteLine marshals v, writes it as a single line, and flushes immediately.
func (p *Process) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stdin message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return ErrStdinClosed
	}
	if _, err := p.stdinBuf.Write(data); err != nil {
		return fmt.Errorf("write stdin message: %w", err)
	}
	if err := p.stdinBuf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write stdin newline: %w", err)
	}
	if err := p.stdinBuf.Flush(); err != nil {
		return fmt.Errorf("flush stdin: %w", err)
	}
	return nil
}

// CloseStdin closes the input stream, signalling that no more tool responses
// will be sent. Idempotent.
func (p *Process) CloseStdin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return
	}
	p.stdinClosed = true
	p.stdinBuf.Flush()
	if err := p.stdin.Close(); err != nil {
		p.logger.Debug("close stdin", "error", err)
	}
}

// Wait blocks until the process exits and the diagnostic stream is fully
// drained. A non-zero exit is reported as *ProcessFailedError carrying the
// captured stderr text. Callers must consume stdout to EOF first. Safe to
// call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		err := p.cmd.Wait()
		if err == nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.waitErr = &ProcessFailedError{
				Code:   exitErr.ExitCode(),
				Stderr: p.stderrText(),
			}
			return
		}
		p.waitErr = fmt.Errorf("wait for agent process: %w", err)
	})
	return p.waitErr
}

// Stderr returns the diagnostic text captured so far.
func (p *Process) Stderr() string {
	return p.stderrText()
}

// Dispose force-terminates the process tree if it has not exited and awaits
// exit. The cancellation registration is torn down first so a cooperative
// disposal never triggers the kill callback. Safe to call more than once.
func (p *Process) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.mu.Unlock()

	if p.stopKill != nil {
		p.stopKill()
	}
	if p.cmd.ProcessState == nil {
		p.kill()
	}
	p.Wait()
}

func (p *Process) kill() {
	proc := p.cmd.Process
	if proc == nil {
		return
	}
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err != nil {
		proc.Kill()
	}
}

func (p *Process) drainStderr(r io.Reader) {
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("agent stderr", "line", line)
		p.stderrMu.Lock()
		p.stderrBuf.WriteString(line)
		p.stderrBuf.WriteByte('\n')
		p.stderrMu.Unlock()
	}
}

func (p *Process) stderrText() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return p.stderrBuf.String()
}

// mergeEnv overlays explicit entries onto the base environment. Explicit
// entries win; output order is stable for test friendliness.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if _, overridden := overrides[key]; ok && overridden {
			continue
		}
		merged = append(merged, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+overrides[k])
	}
	return merged
}
