// internal/queue/queue.go

// Package queue implements the bounded, priority-bucketed outbound buffer
// sitting between application code and the transport send loop. It is the
// one structure in the engine mutated from two goroutines directly, so every
// operation takes the lock.
package queue

import (
	"errors"
	"sync"
	"time"
)

// Priority orders outbound messages. Lower value drains first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return "unknown"
}

// ErrQueueFull is returned by Enqueue when the queue is at capacity and no
// evictable (Normal/Low) entry remains.
var ErrQueueFull = errors.New("queue: full and no evictable entry")

// Message is a queued outbound payload.
type Message struct {
	Payload    []byte
	Priority   Priority
	EnqueuedAt time.Time
	Retries    int

	notBefore time.Time // earliest next send attempt
}

// Config tunes queue behaviour. Zero values fall back to defaults.
type Config struct {
	Capacity       int           // total entries across all buckets
	MaxRetries     int           // attempts before a message is dropped as failed
	BaseRetryDelay time.Duration // first retry delay, doubled per attempt
	MaxRetryDelay  time.Duration // retry delay cap
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 10 * time.Second
	}
	return c
}

// Queue is the bounded priority buffer. OnFailed, if set, is invoked (outside
// the lock) for every message that exhausts its retries or is evicted.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	buckets [numPriorities][]*Message
	size    int

	// OnFailed receives permanently failed messages with a reason string
	// ("evicted" or "retries_exhausted"). Set before first use.
	OnFailed func(msg *Message, reason string)
}

// New builds a queue with the given config.
func New(cfg Config) *Queue {
	return &Queue{cfg: cfg.withDefaults()}
}

// Enqueue buffers payload at the given priority. When the queue is full it
// evicts the oldest Low entry, then the oldest Normal entry; Critical and
// High entries are never evicted. If nothing is evictable the enqueue fails
// with ErrQueueFull.
func (q *Queue) Enqueue(payload []byte, prio Priority) error {
	q.mu.Lock()

	var evicted *Message
	if q.size >= q.cfg.Capacity {
		evicted = q.evictLocked()
		if evicted == nil {
			q.mu.Unlock()
			return ErrQueueFull
		}
	}

	msg := &Message{
		Payload:    payload,
		Priority:   prio,
		EnqueuedAt: time.Now(),
	}
	q.buckets[prio] = append(q.buckets[prio], msg)
	q.size++
	onFailed := q.OnFailed
	q.mu.Unlock()

	if evicted != nil && onFailed != nil {
		onFailed(evicted, "evicted")
	}
	return nil
}

// evictLocked removes and returns the oldest evictable entry, or nil.
// Buckets are append-only so index 0 is always the oldest.
func (q *Queue) evictLocked() *Message {
	for _, prio := range []Priority{Low, Normal} {
		if len(q.buckets[prio]) > 0 {
			victim := q.buckets[prio][0]
			q.buckets[prio] = q.buckets[prio][1:]
			q.size--
			return victim
		}
	}
	return nil
}

// Dequeue pops the next sendable message, highest priority first. Messages
// still inside their retry backoff window are skipped. Returns nil when
// nothing is ready.
func (q *Queue) Dequeue() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for prio := Critical; prio <= Low; prio++ {
		bucket := q.buckets[prio]
		for i, msg := range bucket {
			if msg.notBefore.After(now) {
				continue
			}
			q.buckets[prio] = append(bucket[:i:i], bucket[i+1:]...)
			q.size--
			return msg
		}
	}
	return nil
}

// Requeue puts a message back after a failed send attempt, applying the
// exponential retry backoff. When the retry limit is exhausted the message is
// dropped and reported via OnFailed instead.
func (q *Queue) Requeue(msg *Message) {
	q.mu.Lock()
	msg.Retries++
	if msg.Retries > q.cfg.MaxRetries {
		onFailed := q.OnFailed
		q.mu.Unlock()
		if onFailed != nil {
			onFailed(msg, "retries_exhausted")
		}
		return
	}

	delay := q.cfg.BaseRetryDelay << (msg.Retries - 1)
	if delay > q.cfg.MaxRetryDelay {
		delay = q.cfg.MaxRetryDelay
	}
	msg.notBefore = time.Now().Add(delay)
	q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
	q.size++
	q.mu.Unlock()
}

// Len reports the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// NextReady reports how long until a buffered message becomes sendable.
// Returns 0 if one is ready now, and ok=false when the queue is empty.
func (q *Queue) NextReady() (wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return 0, false
	}
	now := time.Now()
	var soonest time.Duration = -1
	for prio := Critical; prio <= Low; prio++ {
		for _, msg := range q.buckets[prio] {
			d := msg.notBefore.Sub(now)
			if d <= 0 {
				return 0, true
			}
			if soonest < 0 || d < soonest {
				soonest = d
			}
		}
	}
	return soonest, true
}

// Drain empties the queue, reporting every dropped message via OnFailed with
// the given reason. Used on terminal connection failure.
func (q *Queue) Drain(reason string) {
	q.mu.Lock()
	var dropped []*Message
	for prio := Critical; prio <= Low; prio++ {
		dropped = append(dropped, q.buckets[prio]...)
		q.buckets[prio] = nil
	}
	q.size = 0
	onFailed := q.OnFailed
	q.mu.Unlock()

	if onFailed != nil {
		for _, msg := range dropped {
			onFailed(msg, reason)
		}
	}
}
