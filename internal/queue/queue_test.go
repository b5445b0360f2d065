// internal/queue/queue_test.go
package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failureRecorder collects OnFailed callbacks.
type failureRecorder struct {
	mu      sync.Mutex
	reasons []string
	msgs    []*Message
}

func (fr *failureRecorder) record(msg *Message, reason string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.msgs = append(fr.msgs, msg)
	fr.reasons = append(fr.reasons, reason)
}

func (fr *failureRecorder) count() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.msgs)
}

func TestDequeuePriorityOrder(t *testing.T) {
	q := New(Config{})

	require.NoError(t, q.Enqueue([]byte("low"), Low))
	require.NoError(t, q.Enqueue([]byte("normal"), Normal))
	require.NoError(t, q.Enqueue([]byte("critical"), Critical))
	require.NoError(t, q.Enqueue([]byte("high"), High))

	want := []string{"critical", "high", "normal", "low"}
	for _, expected := range want {
		msg := q.Dequeue()
		require.NotNil(t, msg)
		assert.Equal(t, expected, string(msg.Payload))
	}
	assert.Nil(t, q.Dequeue())
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueEvictsLowestFirst(t *testing.T) {
	fr := &failureRecorder{}
	q := New(Config{Capacity: 3})
	q.OnFailed = fr.record

	require.NoError(t, q.Enqueue([]byte("low-old"), Low))
	require.NoError(t, q.Enqueue([]byte("low-new"), Low))
	require.NoError(t, q.Enqueue([]byte("normal"), Normal))

	// Full: the next enqueue must evict the oldest Low entry.
	require.NoError(t, q.Enqueue([]byte("critical"), Critical))
	require.Equal(t, 1, fr.count())
	assert.Equal(t, "evicted", fr.reasons[0])
	assert.Equal(t, "low-old", string(fr.msgs[0].Payload))

	// Low bucket drained next, then Normal.
	require.NoError(t, q.Enqueue([]byte("high"), High))
	require.NoError(t, q.Enqueue([]byte("high2"), High))
	require.Equal(t, 3, fr.count())
	assert.Equal(t, "low-new", string(fr.msgs[1].Payload))
	assert.Equal(t, "normal", string(fr.msgs[2].Payload))
	assert.Equal(t, 3, q.Len())
}

func TestEnqueueFullWhenNothingEvictable(t *testing.T) {
	q := New(Config{Capacity: 2})

	require.NoError(t, q.Enqueue([]byte("c"), Critical))
	require.NoError(t, q.Enqueue([]byte("h"), High))

	err := q.Enqueue([]byte("more"), Critical)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	// The buffered Critical/High entries survived untouched.
	assert.Equal(t, "c", string(q.Dequeue().Payload))
	assert.Equal(t, "h", string(q.Dequeue().Payload))
}

func TestRequeueBacksOffThenDelivers(t *testing.T) {
	q := New(Config{BaseRetryDelay: 20 * time.Millisecond, MaxRetries: 3})

	require.NoError(t, q.Enqueue([]byte("retry-me"), Normal))
	msg := q.Dequeue()
	require.NotNil(t, msg)

	q.Requeue(msg)
	assert.Equal(t, 1, msg.Retries)

	// Inside the backoff window nothing is sendable yet.
	assert.Nil(t, q.Dequeue())
	wait, ok := q.NextReady()
	require.True(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	time.Sleep(30 * time.Millisecond)
	again := q.Dequeue()
	require.NotNil(t, again)
	assert.Equal(t, "retry-me", string(again.Payload))
}

func TestRequeueDropsAfterMaxRetries(t *testing.T) {
	fr := &failureRecorder{}
	q := New(Config{MaxRetries: 2, BaseRetryDelay: time.Millisecond})
	q.OnFailed = fr.record

	require.NoError(t, q.Enqueue([]byte("doomed"), Normal))
	msg := q.Dequeue()
	require.NotNil(t, msg)

	q.Requeue(msg) // retry 1
	time.Sleep(5 * time.Millisecond)
	q.Requeue(q.Dequeue()) // retry 2
	time.Sleep(10 * time.Millisecond)
	q.Requeue(q.Dequeue()) // exceeds limit

	require.Equal(t, 1, fr.count())
	assert.Equal(t, "retries_exhausted", fr.reasons[0])
	assert.Equal(t, 0, q.Len())
}

func TestDrainReportsEverything(t *testing.T) {
	fr := &failureRecorder{}
	q := New(Config{})
	q.OnFailed = fr.record

	require.NoError(t, q.Enqueue([]byte("a"), Critical))
	require.NoError(t, q.Enqueue([]byte("b"), Low))

	q.Drain("connection_lost")
	assert.Equal(t, 0, q.Len())
	require.Equal(t, 2, fr.count())
	assert.Equal(t, []string{"connection_lost", "connection_lost"}, fr.reasons)
}

func TestNextReadyEmptyQueue(t *testing.T) {
	q := New(Config{})
	_, ok := q.NextReady()
	assert.False(t, ok)
}
