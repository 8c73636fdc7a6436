package chatsync

import (
	"sort"
)

// Reconciler merges pages read from the durable store into the local cache.
type Reconciler struct {
	store   *LocalStore
	metrics *Metrics
}

// NewReconciler creates a reconciler writing to store. metrics may be nil.
func NewReconciler(store *LocalStore, metrics *Metrics) *Reconciler {
	return &Reconciler{store: store, metrics: metrics}
}

// Sync merges durable into the cached messages of a conversation. Cached
// copies win over durable ones with the same ID, except that a pending or
// failed local message found in durable is promoted to confirmed. The result
// is sorted by creation time, capped to the newest messages and persisted.
// When durable adds nothing the cache is returned unchanged.
func (r *Reconciler) Sync(conversationID string, durable []Message) []Message {
	added := 0
	merged := r.store.mutateMessages(conversationID, func(cached []Message) []Message {
		index := make(map[string]int, len(cached))
		for i, m := range cached {
			if _, dup := index[m.ID]; !dup {
				index[m.ID] = i
			}
		}
		changed := false
		for _, m := range durable {
			if i, ok := index[m.ID]; ok {
				if d := cached[i].Delivery; d == DeliveryPending || d == DeliveryFailed {
					cached[i].Delivery = DeliveryConfirmed
					changed = true
				}
				continue
			}
			index[m.ID] = len(cached)
			cached = append(cached, m.clone())
			added++
			changed = true
		}
		if !changed {
			return cached
		}
		SortMessages(cached)
		return cached
	})
	if added > 0 {
		r.metrics.reconciled(added)
	}
	return merged
}

// SortMessages orders messages by creation time. Equal timestamps put
// messages carrying a durable sequence first, in sequence order, followed by
// the rest. Remaining ties are ordered by ID.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if (a.Seq > 0) != (b.Seq > 0) {
			return a.Seq > 0
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}
