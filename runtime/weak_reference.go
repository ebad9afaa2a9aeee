package runtime

// ---------------------------------------------------------------------------
// Weak references and reference queues
// ---------------------------------------------------------------------------

// A weak reference is an ObjectWeakRef with two fields: the referent and the
// queue it is enqueued on once cleared. The heap's no-op queue singleton
// stands for "no queue"; a reference whose queue field holds any other
// null-queue object is not recognised as active and is traced strongly.

// NoQueue returns the heap's no-op queue singleton, creating it on first use.
func (h *Heap) NoQueue() *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.noQueue == nil {
		h.noQueue = h.allocLocked(ObjectNullQueue, h.known.NullQueue, 0)
	}
	return h.noQueue
}

// HasNoQueue reports whether the no-op queue singleton exists yet.
func (h *Heap) HasNoQueue() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.noQueue != nil
}

// IsNoQueue reports whether q is this heap's no-op queue.
func (h *Heap) IsNoQueue(q *Object) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return q != nil && q == h.noQueue
}

// AdoptNoQueue makes q the heap's no-op queue singleton. It fails when the
// heap already has a different singleton, since live references may point
// at it.
func (h *Heap) AdoptNoQueue(q *Object) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.noQueue != nil && h.noQueue != q {
		return ErrNoQueueConflict
	}
	h.noQueue = q
	return nil
}

// NewReferenceQueue allocates a queue that cleared references are appended to.
func (h *Heap) NewReferenceQueue() *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(ObjectQueue, h.known.Queue, 0)
}

// NewWeakReference allocates a weak reference to referent. A nil queue means
// the no-op queue.
func (h *Heap) NewWeakReference(referent, queue *Object) *Object {
	if queue == nil {
		queue = h.NoQueue()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	o := h.allocLocked(ObjectWeakRef, h.known.WeakRef, 2)
	o.Fields[WeakReferentField] = RefValue(referent)
	o.Fields[WeakQueueField] = RefValue(queue)
	return o
}

// WeakGet returns the referent of a weak reference, or nil once cleared.
func WeakGet(ref *Object) *Object {
	if ref == nil || ref.Kind != ObjectWeakRef {
		return nil
	}
	return ref.Fields[WeakReferentField].Ref()
}

// isActiveLocked reports whether the collector treats ref as a weak
// reference. Only the current no-op queue, a real queue, or no queue at all
// qualify.
func (h *Heap) isActiveLocked(ref *Object) bool {
	q := ref.Fields[WeakQueueField].Ref()
	switch {
	case q == nil:
		return true
	case q == h.noQueue:
		return true
	case q.Kind == ObjectQueue:
		return true
	default:
		return false
	}
}
