package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/cmdq/internal/command/catalog"
	"github.com/kandev/cmdq/internal/command/ledger"
	"github.com/kandev/cmdq/internal/command/ledger/store"
	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/common/logger"
	"github.com/kandev/cmdq/internal/events"
	"github.com/kandev/cmdq/internal/events/bus"
)

const kindShell models.Kind = "shell"

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

func newTestCoordinator(t *testing.T, maxConcurrency int, opts ...Option) (*Coordinator, *ledger.Ledger) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	log := newTestLogger(t)
	l, err := ledger.New(context.Background(), nil, log)
	require.NoError(t, err)
	cat := catalog.New(map[models.Kind]catalog.KindDefinition{
		kindShell: {Executable: "sh", Args: []string{"-c"}},
	})
	c, err := New(Config{MaxConcurrency: maxConcurrency, CancelGracePeriod: 500 * time.Millisecond}, l, cat, log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, l
}

func submit(t *testing.T, c *Coordinator, script string, opts Options) *Execution {
	t.Helper()
	exec, err := c.Submit(context.Background(), kindShell, []string{script}, opts)
	require.NoError(t, err)
	return exec
}

func wait(t *testing.T, exec *Execution) *models.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := exec.Wait(ctx)
	require.NoError(t, err, "command %s did not finish", exec.ID())
	return res
}

func state(t *testing.T, c *Coordinator, id string) models.State {
	t.Helper()
	rec, err := c.GetCommandStatus(id)
	require.NoError(t, err)
	return rec.State
}

// eventLog records every delivered event.
type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (e *eventLog) add(ev models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) forCommand(id string, typ models.EventType) []models.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Event
	for _, ev := range e.events {
		if ev.CommandID == id && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestExecuteCommandSuccess(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	res, err := c.ExecuteCommand(context.Background(), kindShell, []string{"printf 'all good'"}, Options{SubjectLabel: "proj"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "all good", res.Output)

	records := c.ListCommands()
	require.Len(t, records, 1)
	assert.Equal(t, models.StateCompleted, records[0].State)
	assert.Equal(t, 100, records[0].ProgressPercent)
	assert.Equal(t, "proj", records[0].SubjectLabel)
	assert.Equal(t, "all good", records[0].CapturedOutput)
}

func TestExitOneWithoutStderrIsFailed(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	exec := submit(t, c, "exit 1", Options{})
	res := wait(t, exec)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Empty(t, res.Error)
	assert.Equal(t, models.StateFailed, state(t, c, exec.ID()))
}

func TestMissingExecutableIsErrorResult(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	res, err := c.ExecuteCommand(context.Background(), kindShell, nil, Options{Executable: "cmdq-definitely-not-installed"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.SpawnFailed)
	assert.NotEmpty(t, res.Error)

	records := c.ListCommands()
	require.Len(t, records, 1)
	assert.Equal(t, models.StateError, records[0].State)

	// The slot was released.
	assert.Equal(t, 0, c.GetExecutionStatus().Active)
	res, err = c.ExecuteCommand(context.Background(), kindShell, []string{"true"}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestAdmissionErrorsCreateNoRecord(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)

	_, err := c.Submit(context.Background(), "no_such_kind", nil, Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = c.Submit(context.Background(), kindShell, []string{"true"}, Options{WorkingDirectory: "relative/dir"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Submit(context.Background(), kindShell, []string{"true"}, Options{Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, c.ListCommands())
}

func TestNewRejectsInvalidConcurrency(t *testing.T) {
	log := newTestLogger(t)
	l, err := ledger.New(context.Background(), nil, log)
	require.NoError(t, err)
	cat := catalog.New(nil)

	for _, n := range []int{-1, 11} {
		_, err := New(Config{MaxConcurrency: n}, l, cat, log)
		assert.ErrorIs(t, err, ErrInvalidConcurrency, "max=%d", n)
	}
	c, err := New(Config{}, l, cat, log)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxConcurrency, c.GetExecutionStatus().MaxConcurrent)
	require.NoError(t, c.Close(context.Background()))
}

func TestMaxConcurrencyNeverExceeded(t *testing.T) {
	c, l := newTestCoordinator(t, 2)

	var peak atomic.Int64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int64(c.GetExecutionStatus().Active); n > peak.Load() {
				peak.Store(n)
			}
			if n := int64(len(l.GetRunningCommands())); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	var execs []*Execution
	for i := 0; i < 6; i++ {
		execs = append(execs, submit(t, c, "sleep 0.1", Options{}))
	}
	status := c.GetExecutionStatus()
	assert.Equal(t, 2, status.Active)
	assert.Equal(t, 4, status.Queued)

	for _, exec := range execs {
		assert.True(t, wait(t, exec).Success)
	}
	close(stop)
	<-sampled

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, ExecutionStatus{Active: 0, Queued: 0, MaxConcurrent: 2}, c.GetExecutionStatus())
}

func TestExactlyOneCompletionPerCommand(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	log := &eventLog{}
	c.Subscribe(log.add)

	running := submit(t, c, "sleep 30", Options{})
	quick := submit(t, c, "sleep 0.1; echo hi", Options{})
	queued := submit(t, c, "sleep 30", Options{})
	require.Equal(t, 1, c.GetExecutionStatus().Queued)

	_, err := c.CancelCommand(queued.ID())
	require.NoError(t, err)
	_, err = c.CancelCommand(running.ID())
	require.NoError(t, err)
	assert.True(t, wait(t, quick).Success)

	for _, exec := range []*Execution{running, queued, quick} {
		id := exec.ID()
		require.Eventually(t, func() bool {
			return len(log.forCommand(id, models.EventComplete)) >= 1
		}, 5*time.Second, 10*time.Millisecond)
	}
	// Give the killed process time to report its exit, which must not
	// produce a second completion.
	time.Sleep(300 * time.Millisecond)
	for _, exec := range []*Execution{running, queued, quick} {
		assert.Len(t, log.forCommand(exec.ID(), models.EventComplete), 1, exec.ID())
	}
}

func TestCancelQueuedNeverStarts(t *testing.T) {
	c, l := newTestCoordinator(t, 1)
	blocker := submit(t, c, "sleep 30", Options{})
	queued := submit(t, c, "echo should-not-run", Options{})

	ok, err := c.CancelCommand(queued.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	res := wait(t, queued)
	assert.True(t, res.Cancelled)
	assert.Equal(t, models.CancelledExitCode, res.ExitCode)

	rec, err := l.GetStatus(queued.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, rec.State)
	assert.Nil(t, rec.StartedAt)
	assert.Empty(t, rec.CapturedOutput)
	assert.Equal(t, 0, c.GetExecutionStatus().Queued)

	_, err = c.CancelCommand(blocker.ID())
	require.NoError(t, err)
	wait(t, blocker)
}

func TestCancelRunningIsCancelledEvenIfProcessExitsZero(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	exec := submit(t, c, "trap 'exit 0' TERM; echo ready; while true; do sleep 0.05; done", Options{})
	require.Eventually(t, func() bool {
		out, _ := c.GetCommandOutput(exec.ID())
		return out != ""
	}, 5*time.Second, 10*time.Millisecond)

	ok, err := c.CancelCommand(exec.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	// Bookkeeping is immediate.
	assert.Equal(t, models.StateCancelled, state(t, c, exec.ID()))
	assert.Equal(t, 0, c.GetExecutionStatus().Active)

	res := wait(t, exec)
	assert.True(t, res.Cancelled)
	assert.False(t, res.Success)
	assert.Equal(t, models.CancelledExitCode, res.ExitCode)
	assert.Contains(t, res.Output, "ready")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, models.StateCancelled, state(t, c, exec.ID()))

	ok, err = c.CancelCommand(exec.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelUnknownCommand(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	_, err := c.CancelCommand("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelFreesSlotForQueued(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	blocker := submit(t, c, "sleep 30", Options{})
	next := submit(t, c, "echo next", Options{})
	require.Equal(t, 1, c.GetExecutionStatus().Queued)

	_, err := c.CancelCommand(blocker.ID())
	require.NoError(t, err)

	res := wait(t, next)
	assert.True(t, res.Success)
	assert.Equal(t, "next\n", res.Output)
}

func TestHighPriorityPreemptsOldestNormal(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	oldest := submit(t, c, "sleep 30", Options{})
	time.Sleep(20 * time.Millisecond)
	younger := submit(t, c, "sleep 30", Options{})

	urgent := submit(t, c, "echo urgent", Options{Priority: models.PriorityHigh})

	res := wait(t, oldest)
	assert.True(t, res.Cancelled)
	assert.Equal(t, models.StateCancelled, state(t, c, oldest.ID()))

	res = wait(t, urgent)
	assert.True(t, res.Success)
	assert.Equal(t, "urgent\n", res.Output)

	assert.Equal(t, models.StateRunning, state(t, c, younger.ID()))
	assert.Nil(t, younger.Result())
	assert.Equal(t, int64(1), c.GetExecutionMetrics().TotalPreempted)
}

func TestHighPriorityPreemptsNormalBeforeHigh(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	high := submit(t, c, "sleep 30", Options{Priority: models.PriorityHigh})
	time.Sleep(20 * time.Millisecond)
	normal := submit(t, c, "sleep 30", Options{})

	urgent := submit(t, c, "sleep 30", Options{Priority: models.PriorityHigh})

	assert.True(t, wait(t, normal).Cancelled)
	assert.Nil(t, high.Result())
	assert.Equal(t, models.StateRunning, state(t, c, high.ID()))
	assert.Equal(t, models.StateRunning, state(t, c, urgent.ID()))
}

func TestHighPriorityPreemptsHighWhenAllHigh(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	first := submit(t, c, "sleep 30", Options{Priority: models.PriorityHigh})
	second := submit(t, c, "echo second", Options{Priority: models.PriorityHigh})

	assert.True(t, wait(t, first).Cancelled)
	assert.True(t, wait(t, second).Success)
}

func TestNormalPriorityQueuesFIFO(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)

	var order []string
	var mu sync.Mutex
	c.Subscribe(func(ev models.Event) {
		if ev.Type == models.EventComplete {
			mu.Lock()
			order = append(order, ev.CommandID)
			mu.Unlock()
		}
	})

	a := submit(t, c, "sleep 0.1", Options{})
	b := submit(t, c, "true", Options{})
	d := submit(t, c, "true", Options{})
	wait(t, a)
	wait(t, b)
	wait(t, d)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{a.ID(), b.ID(), d.ID()}, order)
	mu.Unlock()
}

func TestMarkersDriveProgress(t *testing.T) {
	c, l := newTestCoordinator(t, 1)
	log := &eventLog{}
	c.Subscribe(log.add)

	exec := submit(t, c, "echo Starting; sleep 0.05; echo Running; sleep 0.05; echo Done", Options{
		Markers: []string{"Starting", "Running", "Done"},
	})
	res := wait(t, exec)
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		return len(log.forCommand(exec.ID(), models.EventComplete)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var percents []int
	for _, ev := range log.forCommand(exec.ID(), models.EventProgress) {
		percents = append(percents, ev.Payload.(models.ProgressPayload).Percent)
	}
	assert.Equal(t, []int{33, 67, 100}, percents)

	statuses := log.forCommand(exec.ID(), models.EventStatus)
	require.Len(t, statuses, 3)
	assert.Equal(t, "Step 3/3: Done", statuses[2].Payload.(models.StatusPayload).Message)

	rec, err := l.GetStatus(exec.ID())
	require.NoError(t, err)
	assert.Equal(t, 100, rec.ProgressPercent)
}

func TestEventsAreOrderedPerCommand(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	log := &eventLog{}
	c.Subscribe(log.add)

	exec := submit(t, c, "echo out; echo err >&2", Options{})
	wait(t, exec)
	require.Eventually(t, func() bool {
		return len(log.forCommand(exec.ID(), models.EventComplete)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	log.mu.Lock()
	defer log.mu.Unlock()
	var types []models.EventType
	for _, ev := range log.events {
		if ev.CommandID == exec.ID() {
			types = append(types, ev.Type)
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, models.EventComplete, types[len(types)-1])
	assert.Contains(t, types, models.EventOutput)
	assert.Contains(t, types, models.EventError)
}

func TestQueueUpdateEvents(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	var mu sync.Mutex
	var updates []models.QueuePayload
	c.Subscribe(func(ev models.Event) {
		if ev.Type == models.EventQueueUpdate {
			mu.Lock()
			updates = append(updates, ev.Payload.(models.QueuePayload))
			mu.Unlock()
		}
	})

	first := submit(t, c, "sleep 0.1", Options{})
	second := submit(t, c, "true", Options{})
	wait(t, first)
	wait(t, second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) >= 4 && updates[len(updates)-1] == models.QueuePayload{}
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, updates, models.QueuePayload{Active: 1, Queued: 1})
	mu.Unlock()
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	c.Subscribe(func(models.Event) { panic("boom") })
	var got atomic.Int64
	unsubscribe := c.Subscribe(func(ev models.Event) {
		if ev.Type == models.EventComplete {
			got.Add(1)
		}
	})

	wait(t, submit(t, c, "true", Options{}))
	require.Eventually(t, func() bool { return got.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	unsubscribe()
	wait(t, submit(t, c, "true", Options{}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), got.Load())
}

func TestEventsArePublishedOnBus(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	received := make(chan *bus.Event, 64)
	_, err := eventBus.Subscribe(events.BuildCommandWildcardSubject(), func(_ context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	c, _ := newTestCoordinator(t, 1, WithEventBus(eventBus))
	exec := submit(t, c, "true", Options{})
	wait(t, exec)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-received:
			if ev.Type == string(models.EventComplete) {
				assert.Equal(t, exec.ID(), ev.CommandID)
				assert.Equal(t, events.Source, ev.Source)
				return
			}
		case <-timeout:
			t.Fatal("complete event not published")
		}
	}
}

type recordingSink struct {
	mu     sync.Mutex
	chunks map[string]string
}

func (s *recordingSink) WriteOutput(commandID string, _ models.EventType, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[commandID] += text
}

func TestOutputSinkReceivesMergedText(t *testing.T) {
	sink := &recordingSink{chunks: make(map[string]string)}
	c, _ := newTestCoordinator(t, 1, WithOutputSink(sink))
	exec := submit(t, c, "printf out; printf err >&2", Options{})
	wait(t, exec)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.chunks[exec.ID()], "out")
	assert.Contains(t, sink.chunks[exec.ID()], "err")
}

func TestClearCommandOutput(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	exec := submit(t, c, "echo first; sleep 30", Options{})
	require.Eventually(t, func() bool {
		out, _ := c.GetCommandOutput(exec.ID())
		return out == "first\n"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.ClearCommandOutput(exec.ID()))
	out, err := c.GetCommandOutput(exec.ID())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, models.StateRunning, state(t, c, exec.ID()))

	_, err = c.GetCommandOutput("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetMaxConcurrencyDrainsQueue(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	var execs []*Execution
	for i := 0; i < 3; i++ {
		execs = append(execs, submit(t, c, "sleep 30", Options{}))
	}
	require.Equal(t, ExecutionStatus{Active: 1, Queued: 2, MaxConcurrent: 1}, c.GetExecutionStatus())

	assert.Equal(t, 3, c.SetMaxConcurrency(3))
	assert.Equal(t, ExecutionStatus{Active: 3, Queued: 0, MaxConcurrent: 3}, c.GetExecutionStatus())
	for _, exec := range execs {
		assert.Equal(t, models.StateRunning, state(t, c, exec.ID()))
	}

	// Lowering never stops running commands.
	assert.Equal(t, 1, c.SetMaxConcurrency(1))
	assert.Equal(t, 3, c.GetExecutionStatus().Active)

	assert.Equal(t, 1, c.SetMaxConcurrency(0))
	assert.Equal(t, 10, c.SetMaxConcurrency(42))
}

func TestCancelAllCommands(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	var execs []*Execution
	for i := 0; i < 4; i++ {
		execs = append(execs, submit(t, c, "sleep 30", Options{}))
	}
	assert.Equal(t, 4, c.CancelAllCommands())
	assert.Equal(t, ExecutionStatus{Active: 0, Queued: 0, MaxConcurrent: 2}, c.GetExecutionStatus())
	for _, exec := range execs {
		assert.True(t, wait(t, exec).Cancelled)
		assert.Equal(t, models.StateCancelled, state(t, c, exec.ID()))
	}
	assert.Equal(t, 0, c.CancelAllCommands())
}

func TestWaitContextDoesNotCancelCommand(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	exec := submit(t, c, "sleep 0.3; echo finished", Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := exec.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res := wait(t, exec)
	assert.True(t, res.Success)
	assert.Equal(t, "finished\n", res.Output)
}

func TestQueueLimit(t *testing.T) {
	log := newTestLogger(t)
	l, err := ledger.New(context.Background(), nil, log)
	require.NoError(t, err)
	cat := catalog.New(map[models.Kind]catalog.KindDefinition{kindShell: {Executable: "sh", Args: []string{"-c"}}})
	c, err := New(Config{MaxConcurrency: 1, QueueLimit: 1, CancelGracePeriod: 200 * time.Millisecond}, l, cat, log)
	require.NoError(t, err)
	defer func() { _ = c.Close(context.Background()) }()

	submit(t, c, "sleep 30", Options{})
	submit(t, c, "sleep 30", Options{})
	_, err = c.Submit(context.Background(), kindShell, []string{"true"}, Options{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, c.ListCommands(), 2)
}

func TestCloseCancelsAndRejects(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	running := submit(t, c, "sleep 30", Options{})
	queued := submit(t, c, "sleep 30", Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	assert.True(t, wait(t, running).Cancelled)
	assert.True(t, wait(t, queued).Cancelled)

	_, err := c.Submit(context.Background(), kindShell, []string{"true"}, Options{})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close(ctx))
}

func TestMetricsAndHealth(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	report := c.CreateHealthReport()
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Empty(t, report.Issues)

	for i := 0; i < 5; i++ {
		wait(t, submit(t, c, "exit 3", Options{}))
	}
	wait(t, submit(t, c, "true", Options{}))

	m := c.GetExecutionMetrics()
	assert.Equal(t, int64(6), m.TotalStarted)
	assert.Equal(t, 6, m.Stats.Total)
	assert.Equal(t, 5, m.Stats.Failed)
	assert.InDelta(t, 1.0/6.0, m.SuccessRate, 0.001)
	assert.Empty(t, m.ActiveCommands)

	report = c.CreateHealthReport()
	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.NotEmpty(t, report.Issues)

	running := submit(t, c, "sleep 30", Options{})
	m = c.GetExecutionMetrics()
	require.Len(t, m.ActiveCommands, 1)
	assert.Equal(t, running.ID(), m.ActiveCommands[0].ID)
	assert.Equal(t, kindShell, m.ActiveCommands[0].Kind)
}

func TestHealthDegradedByQueueBacklog(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	for i := 0; i < 4; i++ {
		submit(t, c, "sleep 30", Options{})
	}
	report := c.CreateHealthReport()
	assert.Equal(t, HealthDegraded, report.Status)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "3 commands queued")
}

func TestTwoSlotsThreeCommands(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	release := filepath.Join(t.TempDir(), "release-a")

	a := submit(t, c, "while [ ! -f '"+release+"' ]; do sleep 0.02; done", Options{})
	b := submit(t, c, "sleep 30", Options{})
	cmdC := submit(t, c, "sleep 30", Options{})

	assert.Equal(t, ExecutionStatus{Active: 2, Queued: 1, MaxConcurrent: 2}, c.GetExecutionStatus())
	assert.Equal(t, models.StateQueued, state(t, c, cmdC.ID()))

	require.NoError(t, os.WriteFile(release, nil, 0o644))
	assert.True(t, wait(t, a).Success)

	assert.Equal(t, ExecutionStatus{Active: 2, Queued: 0, MaxConcurrent: 2}, c.GetExecutionStatus())
	assert.Equal(t, models.StateRunning, state(t, c, b.ID()))
	assert.Equal(t, models.StateRunning, state(t, c, cmdC.ID()))
	rec, err := c.GetCommandStatus(cmdC.ID())
	require.NoError(t, err)
	assert.NotNil(t, rec.StartedAt)
}

// blockingSink holds the first chunk it receives until release is closed.
type blockingSink struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) WriteOutput(string, models.EventType, string) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
}

func TestNoOutputEventAfterCancelledComplete(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestCoordinator(t, 1, WithOutputSink(sink))
	log := &eventLog{}
	c.Subscribe(log.add)

	exec := submit(t, c, "printf x; sleep 30", Options{})
	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("output never reached the sink")
	}

	cancelled := make(chan bool, 1)
	go func() {
		ok, _ := c.CancelCommand(exec.ID())
		cancelled <- ok
	}()
	// Let the cancel race the in-flight output chunk.
	time.Sleep(100 * time.Millisecond)
	close(sink.release)
	assert.True(t, <-cancelled)
	assert.True(t, wait(t, exec).Cancelled)

	require.Eventually(t, func() bool {
		return len(log.forCommand(exec.ID(), models.EventComplete)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	log.mu.Lock()
	defer log.mu.Unlock()
	completeAt := -1
	for i, ev := range log.events {
		if ev.CommandID != exec.ID() {
			continue
		}
		if ev.Type == models.EventComplete {
			completeAt = i
			continue
		}
		assert.Equal(t, -1, completeAt, "%s event delivered after complete", ev.Type)
	}
}

// stalledRepository blocks writes until gate is closed.
type stalledRepository struct {
	*store.MemoryRepository
	gate chan struct{}
}

func (r *stalledRepository) SaveCommand(ctx context.Context, rec *models.StatusRecord) error {
	<-r.gate
	return r.MemoryRepository.SaveCommand(ctx, rec)
}

func TestStalledStoreDoesNotBlockCoordinator(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	log := newTestLogger(t)
	repo := &stalledRepository{MemoryRepository: store.NewMemoryRepository(), gate: make(chan struct{})}
	l, err := ledger.New(context.Background(), repo, log)
	require.NoError(t, err)
	cat := catalog.New(map[models.Kind]catalog.KindDefinition{
		kindShell: {Executable: "sh", Args: []string{"-c"}},
	})
	c, err := New(Config{MaxConcurrency: 1, CancelGracePeriod: 500 * time.Millisecond}, l, cat, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	var releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(repo.gate) }) })

	type outcome struct {
		status    ExecutionStatus
		cancelled bool
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		exec, err := c.Submit(context.Background(), kindShell, []string{"sleep 30"}, Options{})
		if err != nil {
			done <- outcome{err: err}
			return
		}
		_, _ = c.Submit(context.Background(), kindShell, []string{"sleep 30"}, Options{})
		status := c.GetExecutionStatus()
		ok, err := c.CancelCommand(exec.ID())
		done <- outcome{status: status, cancelled: ok, err: err}
	}()

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, ExecutionStatus{Active: 1, Queued: 1, MaxConcurrent: 1}, got.status)
		assert.True(t, got.cancelled)
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator blocked on a stalled store")
	}

	releaseOnce.Do(func() { close(repo.gate) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Flush(ctx))
}
