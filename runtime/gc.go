package runtime

import "time"

// ---------------------------------------------------------------------------
// Full mark-sweep collection
// ---------------------------------------------------------------------------

// GCStats holds statistics from a single collection.
type GCStats struct {
	Marked        int
	Swept         int
	WeakCleared   int
	WeakEnqueued  int
	WeakInactive  int
	SweepDuration time.Duration
	Timestamp     time.Time
}

// Collect runs a full stop-the-world collection. Strong roots are the pinned
// roots and the archived-root registry. The interned string table is weak.
func (h *Heap) Collect() GCStats {
	start := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	marked := make(map[*Object]struct{}, len(h.objects))
	var stack []*Object
	var discovered []*Object
	inactive := 0

	push := func(o *Object) {
		if o == nil {
			return
		}
		if _, seen := marked[o]; seen {
			return
		}
		marked[o] = struct{}{}
		stack = append(stack, o)
	}

	for o := range h.roots {
		push(o)
	}
	for _, o := range h.archivedRoots {
		push(o)
	}
	push(h.noQueue)

	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if o.Kind == ObjectWeakRef {
			if h.isActiveLocked(o) {
				discovered = append(discovered, o)
				push(o.Fields[WeakQueueField].Ref())
				continue
			}
			inactive++
		}
		o.ForEachRef(func(_ int, ref *Object) {
			push(ref)
		})
	}

	stats := GCStats{WeakInactive: inactive}

	// Clear discovered references whose referent did not survive marking.
	for _, ref := range discovered {
		referent := ref.Fields[WeakReferentField].Ref()
		if referent == nil {
			continue
		}
		if _, live := marked[referent]; live {
			continue
		}
		ref.Fields[WeakReferentField] = Nil
		stats.WeakCleared++

		q := ref.Fields[WeakQueueField].Ref()
		if q != nil && q.Kind == ObjectQueue {
			q.pending = append(q.pending, ref)
			stats.WeakEnqueued++
		}
	}

	for o := range h.objects {
		if _, live := marked[o]; !live {
			delete(h.objects, o)
			stats.Swept++
		}
	}
	for s, o := range h.interned {
		if _, live := marked[o]; !live {
			delete(h.interned, s)
		}
	}

	stats.Marked = len(marked)
	stats.SweepDuration = time.Since(start)
	stats.Timestamp = start
	h.lastGC = stats
	h.gcs++
	return stats
}

// LastGC returns the statistics of the most recent collection.
func (h *Heap) LastGC() GCStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastGC
}

// Collections returns how many collections have run.
func (h *Heap) Collections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gcs
}
