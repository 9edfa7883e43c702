package triage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Typed admission and transition failures. Callers branch on these to map
// outcomes onto the HTTP surface.
var (
	// ErrDuplicate rejects an alert already queued or processing.
	ErrDuplicate = errors.New("alert already queued")

	// ErrQueueFull rejects an alert when every slot is processing.
	ErrQueueFull = errors.New("queue full")

	// ErrNotFound reports an unknown item id.
	ErrNotFound = errors.New("queue item not found")

	// ErrInvalidTransition reports an operation against an item in the
	// wrong status. The item is left untouched.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Queue is the bounded in-memory intake for analysis work. It holds both
// active ({queued, processing}) and terminal items; only active items count
// against MaxDepth. All mutation happens under one lock so the capacity and
// alert-id uniqueness invariants hold under concurrent callers.
type Queue struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string // insertion order, for stable listing

	now func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		items: make(map[string]*Item),
		now:   time.Now,
	}
}

// Enqueue admits an alert snapshot, applying the admission policy
// atomically. On eviction the displaced item is returned alongside the new
// one so callers can archive or report it.
func (q *Queue) Enqueue(it Item) (admitted *Item, evicted *Item, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := Admit(q.itemsLocked(), it.AlertID)
	switch d.Kind {
	case RejectDuplicate:
		return nil, nil, ErrDuplicate
	case RejectFull:
		return nil, nil, ErrQueueFull
	case InsertWithEviction:
		ev := q.items[d.EvictID]
		ev.Status = StatusDismissed
		ev.CompletedAt = q.now()
		cp := *ev
		evicted = &cp
	}

	it.ID = ulid.Make().String()
	it.Status = StatusQueued
	it.QueuedAt = q.now()
	q.items[it.ID] = &it
	q.order = append(q.order, it.ID)

	cp := it
	return &cp, evicted, nil
}

// Get returns a copy of the item with the given id.
func (q *Queue) Get(id string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, false
	}
	cp := *it
	return &cp, true
}

// List returns copies of all items ordered for presentation: severity level
// descending, insertion time ascending as tie-break, so the most severe
// alert is selected first irrespective of arrival order.
func (q *Queue) List() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Item, 0, len(q.order))
	for _, id := range q.order {
		cp := *q.items[id]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RuleLevel != out[j].RuleLevel {
			return out[i].RuleLevel > out[j].RuleLevel
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// ActiveCount returns the number of items in {queued, processing}.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.Status.Terminal() {
			n++
		}
	}
	return n
}

// MarkProcessing transitions queued → processing and returns a snapshot of
// the item for the pipeline. Any other starting status is rejected without
// mutation.
func (q *Queue) MarkProcessing(id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != StatusQueued {
		return nil, ErrInvalidTransition
	}
	it.Status = StatusProcessing
	it.ProcessedAt = q.now()
	cp := *it
	return &cp, nil
}

// MarkCompleted transitions processing → completed and stores the result.
func (q *Queue) MarkCompleted(id string, result *Analysis) (*Item, error) {
	return q.finish(id, StatusCompleted, result, "")
}

// MarkFailed transitions processing → failed and stores the error detail.
func (q *Queue) MarkFailed(id string, detail string) (*Item, error) {
	return q.finish(id, StatusFailed, nil, detail)
}

func (q *Queue) finish(id string, to Status, result *Analysis, detail string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != StatusProcessing {
		return nil, ErrInvalidTransition
	}
	it.Status = to
	it.Result = result
	it.Error = detail
	it.CompletedAt = q.now()
	cp := *it
	return &cp, nil
}

// Dismiss transitions queued → dismissed. Processing items cannot be
// dismissed.
func (q *Queue) Dismiss(id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != StatusQueued {
		return nil, ErrInvalidTransition
	}
	it.Status = StatusDismissed
	it.CompletedAt = q.now()
	cp := *it
	return &cp, nil
}

// ClearHistory removes every terminal item and returns copies of what was
// removed. Active items are untouched.
func (q *Queue) ClearHistory() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*Item
	kept := q.order[:0]
	for _, id := range q.order {
		it := q.items[id]
		if it.Status.Terminal() {
			cp := *it
			removed = append(removed, &cp)
			delete(q.items, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return removed
}

// itemsLocked returns the live item slice for the admission check. Callers
// must hold q.mu.
func (q *Queue) itemsLocked() []*Item {
	out := make([]*Item, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.items[id])
	}
	return out
}
