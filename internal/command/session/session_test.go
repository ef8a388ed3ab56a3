package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/cmdq/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// recorder collects notifications in delivery order.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) handle(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) snapshot() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

func (r *recorder) ofKind(kind NotificationKind) []Notification {
	var out []Notification
	for _, n := range r.snapshot() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func waitDone(t *testing.T, s *Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatal("session did not complete in time")
	}
}

func TestSessionCapturesOutputAndExitCode(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	s := New(Config{
		CommandID:  "cmd-1",
		Executable: "sh",
		Args:       []string{"-c", "printf 'hello'; printf 'oops' >&2; exit 0"},
	}, rec.handle, newTestLogger(t))

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)

	notes := rec.snapshot()
	require.NotEmpty(t, notes)
	last := notes[len(notes)-1]
	require.Equal(t, NotifyComplete, last.Kind)
	assert.True(t, last.Result.Success)
	assert.Equal(t, 0, last.Result.ExitCode)
	assert.Equal(t, "hello", last.Result.Output)
	assert.Equal(t, "oops", last.Result.Error)
	assert.Len(t, rec.ofKind(NotifyComplete), 1)
	assert.False(t, s.IsRunning())
}

func TestSessionMarkersReportProgress(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	s := New(Config{
		CommandID:  "cmd-markers",
		Executable: "sh",
		Args:       []string{"-c", "echo Starting; sleep 0.05; echo Running; sleep 0.05; echo Done"},
		Markers:    []string{"Starting", "Running", "Done"},
	}, rec.handle, newTestLogger(t))

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)

	var percents []int
	for _, n := range rec.ofKind(NotifyProgress) {
		percents = append(percents, n.Percent)
	}
	assert.Equal(t, []int{33, 67, 100}, percents)

	var messages []string
	for _, n := range rec.ofKind(NotifyStatus) {
		messages = append(messages, n.Text)
	}
	assert.Equal(t, []string{"Step 1/3: Starting", "Step 2/3: Running", "Step 3/3: Done"}, messages)
}

func TestSessionMarkersMatchInOrderOnly(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	s := New(Config{
		CommandID:  "cmd-order",
		Executable: "sh",
		Args:       []string{"-c", "echo Done; echo Starting"},
		Markers:    []string{"Starting", "Done"},
	}, rec.handle, newTestLogger(t))

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)

	progress := rec.ofKind(NotifyProgress)
	require.Len(t, progress, 1)
	assert.Equal(t, 50, progress[0].Percent)
}

func TestSessionNonZeroExitWithoutStderr(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	s := New(Config{CommandID: "cmd-fail", Executable: "sh", Args: []string{"-c", "exit 1"}}, rec.handle, newTestLogger(t))

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)

	complete := rec.ofKind(NotifyComplete)
	require.Len(t, complete, 1)
	res := complete[0].Result
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Empty(t, res.Error)
	assert.False(t, res.SpawnFailed)
}

func TestSessionMissingExecutable(t *testing.T) {
	rec := &recorder{}
	s := New(Config{CommandID: "cmd-missing", Executable: "cmdq-definitely-not-installed"}, rec.handle, newTestLogger(t))

	err := s.Start(context.Background())
	require.Error(t, err)
	waitDone(t, s, time.Second)

	notes := rec.snapshot()
	require.Len(t, notes, 1)
	require.Equal(t, NotifyComplete, notes[0].Kind)
	assert.False(t, notes[0].Result.Success)
	assert.Equal(t, 1, notes[0].Result.ExitCode)
	assert.True(t, notes[0].Result.SpawnFailed)
	assert.NotEmpty(t, notes[0].Result.Error)
}

func TestSessionBadWorkingDirectory(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	s := New(Config{
		CommandID:  "cmd-baddir",
		Executable: "sh",
		Args:       []string{"-c", "true"},
		WorkingDir: filepath.Join(t.TempDir(), "does-not-exist"),
	}, rec.handle, newTestLogger(t))

	require.Error(t, s.Start(context.Background()))
	complete := rec.ofKind(NotifyComplete)
	require.Len(t, complete, 1)
	assert.True(t, complete[0].Result.SpawnFailed)
}

func TestSessionCancelTerminatesProcess(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	s := New(Config{
		CommandID:   "cmd-cancel",
		Executable:  "sh",
		Args:        []string{"-c", "sleep 30"},
		GracePeriod: 2 * time.Second,
	}, rec.handle, newTestLogger(t))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	s.Cancel()
	s.Cancel() // idempotent
	waitDone(t, s, 5*time.Second)

	complete := rec.ofKind(NotifyComplete)
	require.Len(t, complete, 1)
	assert.True(t, complete[0].Result.Cancelled)
	assert.False(t, complete[0].Result.Success)
	assert.True(t, s.CancelRequested())
}

func TestSessionCancelEscalatesToKill(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	s := New(Config{
		CommandID:   "cmd-stubborn",
		Executable:  "sh",
		Args:        []string{"-c", "trap '' TERM; echo ready; while true; do sleep 0.1; done"},
		GracePeriod: 200 * time.Millisecond,
	}, rec.handle, newTestLogger(t))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.CurrentOutput() != "" }, 2*time.Second, 10*time.Millisecond)

	s.Cancel()
	waitDone(t, s, 5*time.Second)
	assert.False(t, s.IsRunning())
}

func TestSessionCancelBeforeStartIsNoop(t *testing.T) {
	s := New(Config{CommandID: "cmd-idle", Executable: "sh"}, nil, newTestLogger(t))
	s.Cancel()
	assert.False(t, s.IsRunning())
	assert.False(t, s.CancelRequested())
}

func TestSessionClearOutput(t *testing.T) {
	skipOnWindows(t)
	s := New(Config{CommandID: "cmd-clear", Executable: "sh", Args: []string{"-c", "echo data; echo err >&2"}}, nil, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)

	assert.NotEmpty(t, s.CurrentOutput())
	assert.NotEmpty(t, s.CurrentError())
	s.ClearOutput()
	assert.Empty(t, s.CurrentOutput())
	assert.Empty(t, s.CurrentError())
}

func TestSessionStartTwice(t *testing.T) {
	skipOnWindows(t)
	s := New(Config{CommandID: "cmd-twice", Executable: "sh", Args: []string{"-c", "true"}}, nil, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)
}

func TestSessionEnvIsMerged(t *testing.T) {
	skipOnWindows(t)
	s := New(Config{
		CommandID:  "cmd-env",
		Executable: "sh",
		Args:       []string{"-c", "printf '%s' \"$CMDQ_TEST_VALUE\""},
		Env:        map[string]string{"CMDQ_TEST_VALUE": "42"},
	}, nil, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)
	assert.Equal(t, "42", s.CurrentOutput())
}

func TestMergeEnvOverridesParent(t *testing.T) {
	t.Setenv("CMDQ_MERGE_KEY", "parent")
	merged := mergeEnv(map[string]string{"CMDQ_MERGE_KEY": "child"})
	count := 0
	for _, kv := range merged {
		if kv == "CMDQ_MERGE_KEY=child" {
			count++
		}
		assert.NotEqual(t, "CMDQ_MERGE_KEY=parent", kv)
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, os.Environ(), mergeEnv(nil))
}

func TestProgressTrackerSplitMarker(t *testing.T) {
	tr := newProgressTracker([]string{"Compiling", "Linking"})
	assert.Empty(t, tr.observe(NotifyOutput, "...Compi"))
	steps := tr.observe(NotifyOutput, "ling ok\nLinking")
	require.Len(t, steps, 2)
	assert.Equal(t, 50, steps[0].percent)
	assert.Equal(t, "Step 2/2: Linking", steps[1].message)
	assert.Equal(t, 100, steps[1].percent)
	assert.Empty(t, tr.observe(NotifyOutput, "Linking again"))
}

func TestProgressTrackerIgnoresEmptyMarkers(t *testing.T) {
	tr := newProgressTracker([]string{"", "go"})
	steps := tr.observe(NotifyErrorOutput, "go")
	require.Len(t, steps, 1)
	assert.Equal(t, "Step 1/1: go", steps[0].message)
	assert.Nil(t, newProgressTracker(nil).observe(NotifyOutput, "anything"))
}

func TestSessionCompletesWhenBackgroundChildHoldsOutput(t *testing.T) {
	skipOnWindows(t)
	rec := &recorder{}
	s := New(Config{
		CommandID:  "cmd-daemon",
		Executable: "sh",
		Args:       []string{"-c", "echo hi; sleep 30 &"},
	}, rec.handle, newTestLogger(t))

	require.NoError(t, s.Start(context.Background()))
	pid := s.cmd.Process.Pid
	t.Cleanup(func() { _ = killProcessGroup(pid) })

	waitDone(t, s, time.Second)
	assert.False(t, s.IsRunning())

	complete := rec.ofKind(NotifyComplete)
	require.Len(t, complete, 1)
	assert.True(t, complete[0].Result.Success)
	assert.Equal(t, "hi\n", complete[0].Result.Output)
}

// brokenReader yields its chunks and then fails with err.
type brokenReader struct {
	chunks []string
	err    error
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func (r *brokenReader) Close() error { return nil }

func TestSessionReadErrorStillCompletes(t *testing.T) {
	rec := &recorder{}
	s := New(Config{CommandID: "cmd-broken"}, rec.handle, newTestLogger(t))
	s.startedAt = time.Now()
	s.running = true

	stdout := io.NopCloser(strings.NewReader("ok\n"))
	stderr := &brokenReader{chunks: []string{"partial"}, err: errors.New("read |0: input/output error")}
	s.run(stdout, stderr, func() error { return nil })

	waitDone(t, s, time.Second)
	notes := rec.snapshot()
	require.NotEmpty(t, notes)
	assert.Equal(t, NotifyComplete, notes[len(notes)-1].Kind)
	require.Len(t, rec.ofKind(NotifyComplete), 1)

	errOut := rec.ofKind(NotifyErrorOutput)
	require.Len(t, errOut, 1)
	assert.Equal(t, "partial", errOut[0].Text)

	result := rec.ofKind(NotifyComplete)[0].Result
	assert.True(t, result.Success)
	assert.Equal(t, "ok\n", result.Output)
	assert.Equal(t, "partial", result.Error)
	assert.False(t, s.IsRunning())
}
