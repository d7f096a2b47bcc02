// Package transport runs the engine as a child process and exchanges
// newline-delimited JSON with it over stdin and stdout.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"enginelink/internal/protocol"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

const (
	// DefaultGracePeriod is how long Stop waits after SIGTERM before killing.
	DefaultGracePeriod = 3 * time.Second

	// killWait bounds the wait for the process after Kill.
	killWait = 2 * time.Second
	// pipeDrainDelay bounds how long stdout and stderr are drained after
	// the process has exited.
	pipeDrainDelay = time.Second
)

// Config describes the engine process.
type Config struct {
	Command     string
	Args        []string
	Env         []string // appended to the current environment
	Dir         string
	GracePeriod time.Duration
	// Stderr receives the engine's diagnostics. Nil means the transport
	// logger at info level. Stderr is never parsed.
	Stderr io.Writer
}

// Handler receives every decoded message, in arrival order, on the reader
// goroutine.
type Handler func(protocol.Message)

// Exit describes the end of an engine process.
type Exit struct {
	Err      error // result of waiting on the process
	Expected bool  // true when Stop caused the exit
}

// ExitHandler observes process exits.
type ExitHandler func(Exit)

// StdioTransport owns one engine process at a time.
type StdioTransport struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	running   bool
	stopping  bool
	done      chan struct{}
	onMessage Handler
	onExit    ExitHandler

	// writeMu serializes writes so lines never interleave.
	writeMu sync.Mutex

	decodeErrors atomic.Uint64
}

// New creates a transport. Nothing is spawned until Start.
func New(cfg Config, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	closed := make(chan struct{})
	close(closed)
	return &StdioTransport{cfg: cfg, logger: logger, done: closed}
}

// OnMessage registers the message handler, replacing any previous one.
func (t *StdioTransport) OnMessage(h Handler) {
	t.mu.Lock()
	t.onMessage = h
	t.mu.Unlock()
}

// OnExit registers the exit observer, replacing any previous one.
func (t *StdioTransport) OnExit(h ExitHandler) {
	t.mu.Lock()
	t.onExit = h
	t.mu.Unlock()
}

// Start spawns the engine process. Starting a running transport is a no-op.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}
	if t.cfg.Command == "" {
		return &SpawnError{Err: errors.New("no engine command configured")}
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), t.cfg.Env...)
	}
	cmd.WaitDelay = pipeDrainDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Command: t.cfg.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	// Wait must not depend on stdout EOF: a descendant of the engine may
	// keep the write end open after the engine itself has exited.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return &SpawnError{Command: t.cfg.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	cmd.Stdout = stdoutW

	var stderrSink io.Closer
	if t.cfg.Stderr != nil {
		cmd.Stderr = t.cfg.Stderr
	} else {
		w := &zapio.Writer{Log: t.logger.Named("stderr"), Level: zapcore.InfoLevel}
		cmd.Stderr = w
		stderrSink = w
	}

	err = cmd.Start()
	// The child has its own copy of the write end.
	_ = stdoutW.Close()
	if err != nil {
		_ = stdout.Close()
		return &SpawnError{Command: t.cfg.Command, Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.running = true
	t.stopping = false
	t.done = make(chan struct{})
	t.decodeErrors.Store(0)

	readerDone := make(chan struct{})
	go t.readLoop(stdout, readerDone)
	go t.waitLoop(cmd, stdout, readerDone, t.done, stderrSink)

	t.logger.Info("Engine process started",
		zap.String("command", t.cfg.Command),
		zap.Strings("args", t.cfg.Args),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Send writes one command line. It fails with *NotRunningError, without
// writing, when no process is alive.
func (t *StdioTransport) Send(cmd protocol.Command) error {
	t.mu.Lock()
	alive := t.running && !t.stopping
	stdin := t.stdin
	t.mu.Unlock()

	if !alive {
		return &NotRunningError{Command: cmd.Type}
	}

	line, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(line); err != nil {
		return fmt.Errorf("failed to write %s command: %w", cmd.Type, err)
	}
	t.logger.Debug("Sent command", zap.String("type", string(cmd.Type)), zap.String("request_id", cmd.RequestID))
	return nil
}

// Stop shuts the engine down: close stdin, SIGTERM, then kill after the
// grace period. It is safe to call more than once. Handler registrations are
// released once the process is gone.
func (t *StdioTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.onMessage = nil
		t.onExit = nil
		t.mu.Unlock()
		return nil
	}
	alreadyStopping := t.stopping
	t.stopping = true
	cmd, stdin, done := t.cmd, t.stdin, t.done
	t.mu.Unlock()

	if !alreadyStopping {
		// Closing unblocks a writer stuck on a full pipe.
		_ = stdin.Close()
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Debug("SIGTERM failed", zap.Error(err))
		}
	}

	select {
	case <-done:
	case <-time.After(t.cfg.GracePeriod):
		t.logger.Warn("Engine ignored SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(killWait):
			t.logger.Error("Timeout waiting for engine process to exit", zap.Int("pid", cmd.Process.Pid))
			return fmt.Errorf("engine process %d did not exit", cmd.Process.Pid)
		}
	}

	t.mu.Lock()
	t.onMessage = nil
	t.onExit = nil
	t.mu.Unlock()

	t.logger.Info("Engine process stopped")
	return nil
}

// Running reports whether an engine process is alive.
func (t *StdioTransport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// PID returns the engine's process id, or 0 when none is running.
func (t *StdioTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Done is closed once the current process has exited and the exit observer
// has returned.
func (t *StdioTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// DecodeErrors returns how many lines from the current process failed to
// decode.
func (t *StdioTransport) DecodeErrors() uint64 {
	return t.decodeErrors.Load()
}

// readLoop splits stdout into lines. Partial chunks are buffered until their
// newline arrives; a fragment left at EOF is never decoded.
func (t *StdioTransport) readLoop(stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if !protocol.IsBlank(line) {
				t.logger.Warn("Dropping unterminated engine output", zap.Int("bytes", len(line)))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Debug("Engine stdout closed", zap.Error(err))
			}
			return
		}
		t.handleLine(line)
	}
}

func (t *StdioTransport) handleLine(line []byte) {
	if protocol.IsBlank(line) {
		return
	}

	msg, err := protocol.Decode(line)
	if err != nil {
		t.decodeErrors.Add(1)
		t.logger.Warn("Skipping undecodable engine line", zap.Error(err))
		return
	}

	t.mu.Lock()
	h := t.onMessage
	t.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// waitLoop reaps the process and reports the exit. Output already written
// before the exit is read first, for at most pipeDrainDelay; after that the
// read end is closed so a descendant holding stdout cannot delay the exit.
func (t *StdioTransport) waitLoop(cmd *exec.Cmd, stdout *os.File, readerDone <-chan struct{}, done chan struct{}, stderrSink io.Closer) {
	err := cmd.Wait()

	drain := time.NewTimer(pipeDrainDelay)
	select {
	case <-readerDone:
	case <-drain.C:
		t.logger.Warn("Engine stdout still open after exit, closing it", zap.Int("pid", cmd.Process.Pid))
	}
	drain.Stop()
	_ = stdout.Close()
	<-readerDone

	if stderrSink != nil {
		_ = stderrSink.Close()
	}

	t.mu.Lock()
	expected := t.stopping
	t.running = false
	t.stopping = false
	onExit := t.onExit
	t.mu.Unlock()

	fields := []zap.Field{zap.Int("pid", cmd.Process.Pid), zap.Bool("expected", expected)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if expected {
		t.logger.Debug("Engine process exited", fields...)
	} else {
		t.logger.Warn("Engine process exited", fields...)
	}

	if onExit != nil {
		onExit(Exit{Err: err, Expected: expected})
	}
	close(done)
}
