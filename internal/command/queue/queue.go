// Package queue holds commands waiting for a free execution slot.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/kandev/cmdq/internal/command/models"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrCommandExists is returned when a command is already queued
	ErrCommandExists = errors.New("command already exists in queue")
)

// QueuedCommand is one pending command. Seq is the submission sequence and
// orders commands inside a priority tier.
type QueuedCommand struct {
	CommandID string
	Priority  models.Priority
	Seq       uint64
	QueuedAt  time.Time
	Request   *models.Request
	index     int // heap position, maintained by container/heap
}

// commandHeap orders high priority before normal, then by submission sequence.
type commandHeap []*QueuedCommand

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	hi, hj := h[i].Priority == models.PriorityHigh, h[j].Priority == models.PriorityHigh
	if hi != hj {
		return hi
	}
	return h[i].Seq < h[j].Seq
}

func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *commandHeap) Push(x interface{}) {
	item := x.(*QueuedCommand)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *commandHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// CommandQueue is a two-tier FIFO: every high-priority command is dequeued
// before any normal one, and commands within a tier leave in submission order.
type CommandQueue struct {
	mu         sync.RWMutex
	heap       commandHeap
	commandMap map[string]*QueuedCommand
	maxSize    int
}

// NewCommandQueue creates a queue. maxSize <= 0 means unbounded.
func NewCommandQueue(maxSize int) *CommandQueue {
	q := &CommandQueue{
		heap:       make(commandHeap, 0),
		commandMap: make(map[string]*QueuedCommand),
		maxSize:    maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a command.
func (q *CommandQueue) Enqueue(id string, seq uint64, req *models.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.commandMap[id]; exists {
		return ErrCommandExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qc := &QueuedCommand{
		CommandID: id,
		Priority:  req.Priority,
		Seq:       seq,
		QueuedAt:  time.Now(),
		Request:   req,
	}
	heap.Push(&q.heap, qc)
	q.commandMap[id] = qc
	return nil
}

// Dequeue removes and returns the next command, or nil when empty.
func (q *CommandQueue) Dequeue() *QueuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qc := heap.Pop(&q.heap).(*QueuedCommand)
	delete(q.commandMap, qc.CommandID)
	return qc
}

// Remove drops a specific command. It reports whether the command was queued.
func (q *CommandQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qc, exists := q.commandMap[id]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qc.index)
	delete(q.commandMap, id)
	return true
}

// Contains reports whether id is queued.
func (q *CommandQueue) Contains(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.commandMap[id]
	return ok
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// IsFull returns true if the queue is at max capacity.
func (q *CommandQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns the queued commands in dequeue order.
func (q *CommandQueue) List() []*QueuedCommand {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ordered := make(commandHeap, len(q.heap))
	for i, qc := range q.heap {
		c := *qc
		ordered[i] = &c
	}
	heap.Init(&ordered)
	result := make([]*QueuedCommand, 0, len(ordered))
	for ordered.Len() > 0 {
		result = append(result, heap.Pop(&ordered).(*QueuedCommand))
	}
	return result
}
