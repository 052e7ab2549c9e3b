package screening

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ListAndRemoveOnEnd(t *testing.T) {
	h := newHarness(t)
	a, _ := h.open(t)
	b, _ := h.open(t)
	c, _ := h.open(t)

	startStream(t, a, Metadata{OwnerID: "owner-a", CallSID: "CA1"})
	startStream(t, b, Metadata{OwnerID: "owner-b", CallSID: "CA2"})
	startStream(t, c, Metadata{OwnerID: "owner-a", CallSID: "CA3"})

	assert.Equal(t, 3, h.registry.Len())
	got, ok := h.registry.Get(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)

	forA := h.registry.List("owner-a")
	require.Len(t, forA, 2)
	assert.Equal(t, a.ID(), forA[0].ID)
	assert.Equal(t, c.ID(), forA[1].ID)
	assert.Len(t, h.registry.List(""), 3)

	a.End("hangup")
	_, ok = h.registry.Get(a.ID())
	assert.False(t, ok)
	assert.Equal(t, 2, h.registry.Len())
}

func TestRegistry_ShutdownEndsEverySession(t *testing.T) {
	h := newHarness(t)
	var sessions []*Session
	for i := 0; i < 5; i++ {
		s, _ := h.open(t)
		sessions = append(sessions, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.registry.Shutdown(ctx))

	assert.Equal(t, 0, h.registry.Len())
	for _, s := range sessions {
		assert.Equal(t, StateEnded, s.State())
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateConnected))
	assert.True(t, canTransition(StateStreaming, StateAwaitingResponse))
	assert.True(t, canTransition(StateAwaitingResponse, StateStreaming))
	assert.False(t, canTransition(StateEnded, StateStreaming))
	assert.False(t, canTransition(StateEnded, StateEnded))
	assert.False(t, canTransition(StateConnected, StateAwaitingResponse))
}

func TestJobQueue_FIFOAndDrain(t *testing.T) {
	q := newJobQueue()
	q.push(job{kind: jobTurn, text: "1"})
	q.push(job{kind: jobTurn, text: "2"})

	j, ok := q.pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "1", j.text)

	rest := q.drain()
	require.Len(t, rest, 1)
	assert.Equal(t, "2", rest[0].text)

	q.push(job{kind: jobTurn, text: "late"})
	assert.Empty(t, q.drain())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = q.pop(ctx)
	assert.False(t, ok)
}
