package assistant

import (
	"log/slog"
	"sync"
)

// Queue serializes conversational work per conversation id. Tasks enqueued
// for the same conversation run strictly in FIFO order, one at a time;
// different conversations run concurrently. A failing task never blocks the
// tasks queued behind it.
type Queue struct {
	mu     sync.Mutex
	chains map[string]*chain
	logger *slog.Logger
	wg     sync.WaitGroup
}

// chain is the tail of pending work for one conversation. An entry in
// Queue.chains means a drainer goroutine is running for that conversation.
type chain struct {
	pending []func()
}

// NewQueue creates a serialization queue.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		chains: make(map[string]*chain),
		logger: logger.With("component", "queue"),
	}
}

// Enqueue schedules task to run after every previously enqueued task for the
// same conversation has completed. It returns immediately.
func (q *Queue) Enqueue(conversationID string, task func()) {
	q.mu.Lock()
	if c, ok := q.chains[conversationID]; ok {
		c.pending = append(c.pending, task)
		q.mu.Unlock()
		return
	}

	c := &chain{pending: []func(){task}}
	q.chains[conversationID] = c
	q.mu.Unlock()

	q.wg.Add(1)
	go q.drain(conversationID, c)
}

// Active returns the number of conversations with in-flight or pending work.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chains)
}

// Wait blocks until every chain started so far has drained.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// drain runs the chain's tasks in order. The map entry is removed under the
// same lock that observes the pending list empty, so an Enqueue racing the
// removal either lands on this chain or starts a fresh one, never both.
func (q *Queue) drain(conversationID string, c *chain) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(c.pending) == 0 {
			delete(q.chains, conversationID)
			q.mu.Unlock()
			return
		}
		task := c.pending[0]
		c.pending = c.pending[1:]
		q.mu.Unlock()

		q.runTask(conversationID, task)
	}
}

// runTask executes one task, containing panics so the chain survives.
func (q *Queue) runTask(conversationID string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("conversation task panicked",
				"conversation", conversationID,
				"panic", r,
			)
		}
	}()
	task()
}
