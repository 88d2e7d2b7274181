package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCCQueueEnqueueDedupReplacesAndIncrementsRetry(t *testing.T) {
	q := newCCQueue()
	req1 := &CommRequest{RequestedFwdKbps: 100}
	entry1, err := q.Enqueue("sess-1", req1, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, entry1.RetryCount)

	req2 := &CommRequest{RequestedFwdKbps: 200}
	entry2, err := q.Enqueue("sess-1", req2, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, entry2.RetryCount)
	assert.Equal(t, uint32(200), entry2.Req.RequestedFwdKbps)
	assert.Equal(t, 60, entry2.Priority)
	assert.Equal(t, 1, q.Len(), "duplicate session-id must not consume another slot")
}

func TestCCQueueEnqueueRejectsOverCapacity(t *testing.T) {
	q := newCCQueue()
	for i := 0; i < ccQueueCapacity; i++ {
		sessionID := string(rune('a' + i%26)) + string(rune('A'+i/26))
		_, err := q.Enqueue(sessionID, &CommRequest{}, 0)
		require.NoError(t, err)
	}
	_, err := q.Enqueue("overflow", &CommRequest{}, 0)
	assert.Error(t, err)
}

func TestCCQueueOrderedByPriorityThenFIFO(t *testing.T) {
	q := newCCQueue()
	_, _ = q.Enqueue("low", &CommRequest{}, 10)
	_, _ = q.Enqueue("high-first", &CommRequest{}, 90)
	_, _ = q.Enqueue("high-second", &CommRequest{}, 90)

	ordered := q.Ordered()
	require.Len(t, ordered, 3)
	assert.Equal(t, "high-first", ordered[0].SessionID)
	assert.Equal(t, "high-second", ordered[1].SessionID)
	assert.Equal(t, "low", ordered[2].SessionID)
}

func TestCCQueueExpireOlderThan(t *testing.T) {
	q := newCCQueue()
	entry, err := q.Enqueue("sess-1", &CommRequest{}, 0)
	require.NoError(t, err)
	entry.EnqueuedAt = time.Now().Add(-ccQueueTimeout - time.Second)

	expired := q.ExpireOlderThan(time.Now(), ccQueueTimeout)
	require.Len(t, expired, 1)
	assert.Equal(t, "sess-1", expired[0].SessionID)
	assert.Equal(t, 0, q.Len())
}

func TestCCQueueRemove(t *testing.T) {
	q := newCCQueue()
	_, _ = q.Enqueue("sess-1", &CommRequest{}, 0)
	assert.True(t, q.Remove("sess-1"))
	assert.False(t, q.Remove("sess-1"))
	assert.Equal(t, 0, q.Len())
}

func TestPriorityForScalesByPriorityClass(t *testing.T) {
	assert.Equal(t, 100, priorityFor(0))
	assert.Equal(t, 90, priorityFor(1))
	assert.Equal(t, 10, priorityFor(9))
}
