package chatsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestReconcilerSync(t *testing.T) {
	t.Run("durable fills an empty cache", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		r := NewReconciler(s, nil)
		got := r.Sync("c", []Message{
			testMessage("c", "b", baseTime.Add(time.Second)),
			testMessage("c", "a", baseTime),
		})
		assert.Equal(t, []string{"a", "b"}, ids(got))
		assert.Equal(t, []string{"a", "b"}, ids(s.GetMessages("c")))
	})

	t.Run("idempotent", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		r := NewReconciler(s, nil)
		durable := []Message{testMessage("c", "a", baseTime), testMessage("c", "b", baseTime.Add(time.Second))}
		first := r.Sync("c", durable)
		second := r.Sync("c", durable)
		assert.Equal(t, ids(first), ids(second))
	})

	t.Run("cached copy wins", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		local := testMessage("c", "a", baseTime)
		local.Read = true
		local.Reactions = map[string]string{"bob": "heart"}
		s.SaveMessage("c", local)

		got := NewReconciler(s, nil).Sync("c", []Message{testMessage("c", "a", baseTime)})
		require.Len(t, got, 1)
		assert.True(t, got[0].Read)
		assert.Equal(t, "heart", got[0].Reactions["bob"])
	})

	t.Run("pending copy is promoted", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		pending := testMessage("c", "a", baseTime)
		pending.Delivery = DeliveryFailed
		s.SaveMessage("c", pending)

		got := NewReconciler(s, nil).Sync("c", []Message{testMessage("c", "a", baseTime)})
		assert.Equal(t, DeliveryConfirmed, got[0].Delivery)
	})

	t.Run("subset leaves cache order untouched", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		// Deliberately out of timestamp order.
		s.SaveMessage("c", testMessage("c", "late", baseTime.Add(time.Minute)))
		s.SaveMessage("c", testMessage("c", "early", baseTime))

		got := NewReconciler(s, nil).Sync("c", []Message{testMessage("c", "early", baseTime)})
		assert.Equal(t, []string{"late", "early"}, ids(got))
	})

	t.Run("cap keeps newest", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 3, nil)
		var durable []Message
		for i := 0; i < 6; i++ {
			durable = append(durable, testMessage("c", fmt.Sprintf("m%d", i), baseTime.Add(time.Duration(i)*time.Second)))
		}
		got := NewReconciler(s, nil).Sync("c", durable)
		assert.Equal(t, []string{"m3", "m4", "m5"}, ids(got))
	})

	t.Run("full cache overlapping page keeps newest", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 100, nil)
		at := func(i int) time.Time { return baseTime.Add(time.Duration(i) * time.Second) }
		for i := 0; i < 100; i++ {
			s.SaveMessage("c", testMessage("c", fmt.Sprintf("m%03d", i), at(i)))
		}
		require.Len(t, s.GetMessages("c"), 100)

		// 45 already cached, 5 new.
		var durable []Message
		for i := 55; i < 105; i++ {
			durable = append(durable, testMessage("c", fmt.Sprintf("m%03d", i), at(i)))
		}
		got := NewReconciler(s, nil).Sync("c", durable)

		require.Len(t, got, 100)
		assert.Equal(t, "m005", got[0].ID)
		assert.Equal(t, "m104", got[99].ID)
		seen := make(map[string]bool, len(got))
		for i, m := range got {
			assert.False(t, seen[m.ID], "duplicate %s", m.ID)
			seen[m.ID] = true
			if i > 0 {
				assert.True(t, got[i-1].CreatedAt.Before(m.CreatedAt))
			}
		}
		assert.Equal(t, ids(got), ids(s.GetMessages("c")))
	})

	t.Run("interleaves live and durable messages", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		s.SaveMessage("c", testMessage("c", "live", baseTime.Add(2*time.Second)))
		got := NewReconciler(s, nil).Sync("c", []Message{
			testMessage("c", "old", baseTime),
			testMessage("c", "newer", baseTime.Add(3*time.Second)),
		})
		assert.Equal(t, []string{"old", "live", "newer"}, ids(got))
	})

	t.Run("records merged count", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		NewReconciler(s, m).Sync("c", []Message{testMessage("c", "a", baseTime), testMessage("c", "b", baseTime)})
		assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileMerged))
	})
}

func TestSortMessages(t *testing.T) {
	a := testMessage("c", "z", baseTime)
	a.Seq = 1
	b := testMessage("c", "a", baseTime)
	b.Seq = 2
	d := testMessage("c", "first", baseTime.Add(-time.Second))

	msgs := []Message{b, a, d}
	SortMessages(msgs)
	assert.Equal(t, []string{"first", "z", "a"}, ids(msgs))

	noSeq := []Message{testMessage("c", "b", baseTime), testMessage("c", "a", baseTime)}
	SortMessages(noSeq)
	assert.Equal(t, []string{"a", "b"}, ids(noSeq))
}

func TestSortMessagesIsDeterministic(t *testing.T) {
	withSeq := func(id string, seq int64) Message {
		m := testMessage("c", id, baseTime)
		m.Seq = seq
		return m
	}
	// Seq-less messages are live copies that won over their durable twins.
	base := []Message{withSeq("c", 1), withSeq("a", 2), withSeq("b", 0), withSeq("d", 0)}

	var orders [][]string
	permute(base, 0, func(p []Message) {
		msgs := append([]Message(nil), p...)
		SortMessages(msgs)
		orders = append(orders, ids(msgs))
	})
	require.Len(t, orders, 24)
	for _, o := range orders {
		assert.Equal(t, []string{"c", "a", "b", "d"}, o)
	}
}

func permute(msgs []Message, k int, fn func([]Message)) {
	if k == len(msgs) {
		fn(msgs)
		return
	}
	for i := k; i < len(msgs); i++ {
		msgs[k], msgs[i] = msgs[i], msgs[k]
		permute(msgs, k+1, fn)
		msgs[k], msgs[i] = msgs[i], msgs[k]
	}
}
