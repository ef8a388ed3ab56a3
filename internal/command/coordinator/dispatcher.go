package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/common/constants"
	"github.com/kandev/cmdq/internal/common/logger"
	"github.com/kandev/cmdq/internal/events"
	"github.com/kandev/cmdq/internal/events/bus"
)

// Subscriber receives coordinator events. It runs on the dispatcher
// goroutine and should return quickly.
type Subscriber func(ev models.Event)

// dispatcher delivers events to subscribers and the event bus from a single
// goroutine, in the order they were emitted. emit never blocks on delivery.
type dispatcher struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []models.Event
	closed  bool
	done    chan struct{}

	subsMu sync.RWMutex
	subs   map[int]Subscriber
	nextID int
}

func newDispatcher(eventBus bus.EventBus, log *logger.Logger) *dispatcher {
	d := &dispatcher{
		bus:    eventBus,
		logger: log,
		done:   make(chan struct{}),
		subs:   make(map[int]Subscriber),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn Subscriber) func() {
	d.subsMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subsMu.Lock()
			delete(d.subs, id)
			d.subsMu.Unlock()
		})
	}
}

func (d *dispatcher) emit(ev models.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = append(d.pending, ev)
	d.cond.Signal()
}

// close delivers what is already queued, then stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.pending) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, ev := range batch {
			d.deliver(ev)
		}
	}
}

func (d *dispatcher) deliver(ev models.Event) {
	d.subsMu.RLock()
	subs := make([]Subscriber, 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.subsMu.RUnlock()

	for _, fn := range subs {
		d.call(fn, ev)
	}

	if d.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.BusPublishTimeout)
	defer cancel()
	if err := d.bus.Publish(ctx, events.BuildCommandSubject(ev.Type), events.FromCommandEvent(ev)); err != nil {
		d.logger.Debug("failed to publish command event",
			zap.String("event_type", string(ev.Type)),
			zap.String("command_id", ev.CommandID),
			zap.Error(err))
	}
}

func (d *dispatcher) call(fn Subscriber, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked",
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}
