// Package session runs one external process and turns its output into
// ordered notifications.
//
// A Session owns the process handle for a single command:
//   - Start() spawns the executable with stdout/stderr piped (never a terminal)
//     in its own process group.
//   - Two reader goroutines append each chunk to the in-memory buffers and
//     notify the handler while a third waits for the process to exit. Once it
//     exits the readers get a short drain window; pipes still held open by
//     background children are closed after that.
//   - Progress is inferred from an ordered list of text markers.
//   - Cancel() sends SIGTERM to the process group and escalates to SIGKILL once
//     the grace period expires.
//
// Notifications for one session are never delivered concurrently and the
// complete notification is always the last one.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/common/constants"
	"github.com/kandev/cmdq/internal/common/logger"
)

const readChunkSize = 4096

// outputDrainTimeout bounds how long output is still read after the process
// exits. Background children that inherited the pipes can keep them open.
const outputDrainTimeout = 250 * time.Millisecond

// NotificationKind identifies what a Notification carries.
type NotificationKind string

const (
	NotifyOutput      NotificationKind = "output"
	NotifyErrorOutput NotificationKind = "error_output"
	NotifyProgress    NotificationKind = "progress"
	NotifyStatus      NotificationKind = "status"
	NotifyComplete    NotificationKind = "complete"
)

// Notification is one event produced by a session.
type Notification struct {
	Kind    NotificationKind
	Text    string         // output chunk or status message
	Percent int            // NotifyProgress only
	Result  *models.Result // NotifyComplete only
}

// Handler receives notifications. It is called from the session's reader
// goroutines and must not call back into the same session's Start.
type Handler func(n Notification)

// Config describes the process to run.
type Config struct {
	CommandID   string
	Executable  string
	Args        []string
	WorkingDir  string
	Env         map[string]string // merged over the parent environment
	Markers     []string          // ordered progress markers
	GracePeriod time.Duration     // SIGTERM -> SIGKILL delay, defaults to constants.CancelGracePeriod
}

// Session wraps one external process invocation.
type Session struct {
	cfg     Config
	handler Handler
	logger  *logger.Logger

	mu              sync.Mutex
	cmd             *exec.Cmd
	stdout          strings.Builder
	stderr          strings.Builder
	startedAt       time.Time
	started         bool
	running         bool
	cancelRequested bool

	// emitMu serializes handler calls and guards progress.
	emitMu   sync.Mutex
	progress *progressTracker

	done chan struct{}
}

// New creates a session. Nothing is spawned until Start is called.
func New(cfg Config, handler Handler, log *logger.Logger) *Session {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = constants.CancelGracePeriod
	}
	if handler == nil {
		handler = func(Notification) {}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		cfg:      cfg,
		handler:  handler,
		logger:   log.WithCommandID(cfg.CommandID).WithFields(zap.String("component", "process-session")),
		progress: newProgressTracker(cfg.Markers),
		done:     make(chan struct{}),
	}
}

// Start spawns the process and returns once it is running. Output streaming
// and exit monitoring continue in the background.
//
// When the process cannot be spawned (missing executable, bad working
// directory, cancelled ctx) Start returns the error and the handler still
// receives a single complete notification with ExitCode 1.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.cfg.CommandID)
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return s.failSpawn(err)
	}

	cmd := exec.Command(s.cfg.Executable, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = mergeEnv(s.cfg.Env)
	cmd.Stdin = nil
	setProcGroup(cmd)

	// Own the pipes so Wait never closes them and output can be drained
	// independently of when the process is reaped.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return s.failSpawn(fmt.Errorf("failed to attach stdout: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdoutR, stdoutW)
		return s.failSpawn(fmt.Errorf("failed to attach stderr: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	s.logger.Debug("process start requested",
		zap.String("executable", s.cfg.Executable),
		zap.Strings("args", s.cfg.Args),
		zap.String("working_dir", s.cfg.WorkingDir),
	)

	err = cmd.Start()
	// The child has its own copies of the write ends; EOF needs ours closed.
	closeFiles(stdoutW, stderrW)
	if err != nil {
		closeFiles(stdoutR, stderrR)
		return s.failSpawn(fmt.Errorf("failed to start process: %w", err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.running = true
	s.mu.Unlock()

	s.logger.Debug("process started", zap.Int("pid", cmd.Process.Pid))

	go s.run(stdoutR, stderrR, cmd.Wait)
	return nil
}

// Cancel asks the process to terminate. SIGTERM goes to the whole process
// group first; if the process is still alive after the grace period it is
// killed. Calling Cancel on a session that is not running is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.running || s.cancelRequested {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = true
	proc := s.cmd.Process
	s.mu.Unlock()

	s.logger.Debug("cancelling process", zap.Int("pid", proc.Pid), zap.Duration("grace_period", s.cfg.GracePeriod))

	if err := terminateProcessGroup(proc.Pid); err != nil {
		_ = terminateProcess(proc)
	}

	go func() {
		timer := time.NewTimer(s.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("process ignored SIGTERM, killing", zap.Int("pid", proc.Pid))
			if err := killProcessGroup(proc.Pid); err != nil {
				_ = proc.Kill()
			}
		}
	}()
}

// Done is closed after the complete notification has been delivered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsRunning reports whether the process has been spawned and not yet exited.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// CancelRequested reports whether Cancel has been called on a running process.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// CurrentOutput returns the stdout text captured so far.
func (s *Session) CurrentOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.String()
}

// CurrentError returns the stderr text captured so far.
func (s *Session) CurrentError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.String()
}

// ClearOutput resets the in-memory buffers. Notifications already delivered
// are unaffected.
func (s *Session) ClearOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdout.Reset()
	s.stderr.Reset()
}

// StartedAt returns when Start was called.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) failSpawn(err error) error {
	s.logger.Debug("process spawn failed", zap.Error(err))
	result := &models.Result{
		Success:     false,
		ExitCode:    1,
		Error:       err.Error(),
		DurationMs:  s.elapsedMs(),
		SpawnFailed: true,
	}
	s.emit(Notification{Kind: NotifyComplete, Result: result})
	close(s.done)
	return err
}

// run reads both streams while wait reaps the process, then emits complete.
func (s *Session) run(stdout, stderr io.ReadCloser, wait func() error) {
	var g errgroup.Group
	g.Go(func() error {
		s.readStream(stdout, NotifyOutput)
		return nil
	})
	g.Go(func() error {
		s.readStream(stderr, NotifyErrorOutput)
		return nil
	})
	drained := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(drained)
	}()

	waitErr := wait()

	timer := time.NewTimer(outputDrainTimeout)
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Debug("output still open after process exit, closing pipes")
		unblockRead(stdout)
		unblockRead(stderr)
		<-drained
	}
	timer.Stop()

	exitCode, runtimeErr := exitStatus(waitErr)

	s.mu.Lock()
	s.running = false
	cancelled := s.cancelRequested
	result := &models.Result{
		Success:    exitCode == 0 && runtimeErr == nil,
		ExitCode:   exitCode,
		Output:     s.stdout.String(),
		Error:      s.stderr.String(),
		DurationMs: time.Since(s.startedAt).Milliseconds(),
		Cancelled:  cancelled,
	}
	s.mu.Unlock()

	if runtimeErr != nil {
		result.SpawnFailed = true
		if result.Error != "" && !strings.HasSuffix(result.Error, "\n") {
			result.Error += "\n"
		}
		result.Error += runtimeErr.Error()
	}

	s.logger.Debug("process exited",
		zap.Int("exit_code", exitCode),
		zap.Bool("cancelled", cancelled),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Error(waitErr),
	)

	s.emit(Notification{Kind: NotifyComplete, Result: result})
	close(s.done)
}

func (s *Session) readStream(reader io.ReadCloser, kind NotificationKind) {
	defer func() { _ = reader.Close() }()
	buf := bufio.NewReaderSize(reader, readChunkSize)
	data := make([]byte, readChunkSize)
	for {
		n, err := buf.Read(data)
		if n > 0 {
			s.handleChunk(kind, string(data[:n]))
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrDeadlineExceeded) {
				// Broken pipes and similar are not fatal; exit status still arrives via Wait.
				s.logger.Debug("process output read error", zap.String("stream", string(kind)), zap.Error(err))
			}
			return
		}
	}
}

// unblockRead ends a pending Read on a pipe. Pollable pipes get an expired
// deadline; anything else is closed.
func unblockRead(r io.ReadCloser) {
	if f, ok := r.(interface{ SetReadDeadline(time.Time) error }); ok {
		if f.SetReadDeadline(time.Now()) == nil {
			return
		}
	}
	_ = r.Close()
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Session) handleChunk(kind NotificationKind, text string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if kind == NotifyErrorOutput {
		s.stderr.WriteString(text)
	} else {
		s.stdout.WriteString(text)
	}
	s.mu.Unlock()

	s.handler(Notification{Kind: kind, Text: text})

	for _, step := range s.progress.observe(kind, text) {
		s.handler(Notification{Kind: NotifyProgress, Percent: step.percent})
		s.handler(Notification{Kind: NotifyStatus, Text: step.message})
	}
}

func (s *Session) emit(n Notification) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.handler(n)
}

func (s *Session) elapsedMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startedAt).Milliseconds()
}

// mergeEnv merges custom environment variables over the parent process environment.
func mergeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	base := make(map[string]string, len(os.Environ())+len(env))
	order := make([]string, 0, len(base))
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key := entry[:eq]
			if _, seen := base[key]; !seen {
				order = append(order, key)
			}
			base[key] = entry[eq+1:]
		}
	}
	for k, v := range env {
		if _, seen := base[k]; !seen {
			order = append(order, k)
		}
		base[k] = v
	}
	merged := make([]string, 0, len(order))
	for _, k := range order {
		merged = append(merged, k+"="+base[k])
	}
	return merged
}
