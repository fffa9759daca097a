package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePriorityThenArrival(t *testing.T) {
	base := time.Now()
	var h requestHeap
	h.push(&request{id: "low", priority: PriorityLow, createdAt: base, seq: 1})
	h.push(&request{id: "critical", priority: PriorityCritical, createdAt: base.Add(time.Second), seq: 2})
	h.push(&request{id: "normal-late", priority: PriorityNormal, createdAt: base.Add(2 * time.Second), seq: 3})
	h.push(&request{id: "normal-early", priority: PriorityNormal, createdAt: base.Add(time.Millisecond), seq: 4})

	var order []string
	for h.Len() > 0 {
		order = append(order, h.popMin().id)
	}
	require.Equal(t, []string{"critical", "normal-early", "normal-late", "low"}, order)
}

func TestQueueRemove(t *testing.T) {
	base := time.Now()
	var h requestHeap
	a := &request{id: "a", priority: PriorityNormal, createdAt: base, seq: 1}
	b := &request{id: "b", priority: PriorityNormal, createdAt: base.Add(time.Second), seq: 2}
	c := &request{id: "c", priority: PriorityNormal, createdAt: base.Add(2 * time.Second), seq: 3}
	h.push(a)
	h.push(b)
	h.push(c)

	require.True(t, h.remove(b))
	require.False(t, h.remove(b), "removing twice is a no-op")

	require.Equal(t, "a", h.popMin().id)
	require.Equal(t, "c", h.popMin().id)
	require.Nil(t, h.popMin())
}

func TestQueueSeqBreaksCreatedAtTies(t *testing.T) {
	ts := time.Now()
	var h requestHeap
	h.push(&request{id: "second", priority: PriorityNormal, createdAt: ts, seq: 2})
	h.push(&request{id: "first", priority: PriorityNormal, createdAt: ts, seq: 1})

	require.Equal(t, "first", h.popMin().id)
	require.Equal(t, "second", h.popMin().id)
}
