package triage

// MaxDepth bounds the number of items in {queued, processing} at any time.
const MaxDepth = 10

// DecisionKind classifies an admission outcome.
type DecisionKind int

const (
	// Insert admits the new alert into free capacity.
	Insert DecisionKind = iota

	// InsertWithEviction admits the new alert after dismissing the oldest
	// queued item.
	InsertWithEviction

	// RejectDuplicate refuses an alert already queued or processing.
	RejectDuplicate

	// RejectFull refuses the alert because every slot is processing.
	// In-flight analyses are never preempted.
	RejectFull
)

// Decision is the outcome of evaluating an alert against the current queue.
type Decision struct {
	Kind    DecisionKind
	EvictID string // set for InsertWithEviction
}

// Admit decides how a new alert lands in the queue. It is pure: callers
// apply the decision atomically under the queue lock.
//
// Policy: a non-terminal item with the same alert id rejects as duplicate;
// below capacity admits; at capacity the oldest item still in "queued"
// (by QueuedAt) is evicted to make room, and if none exists the alert is
// rejected outright.
func Admit(items []*Item, alertID string) Decision {
	active := 0
	var oldestQueued *Item
	for _, it := range items {
		if it.Status.Terminal() {
			continue
		}
		if it.AlertID == alertID {
			return Decision{Kind: RejectDuplicate}
		}
		active++
		if it.Status == StatusQueued {
			if oldestQueued == nil || it.QueuedAt.Before(oldestQueued.QueuedAt) {
				oldestQueued = it
			}
		}
	}

	if active < MaxDepth {
		return Decision{Kind: Insert}
	}
	if oldestQueued != nil {
		return Decision{Kind: InsertWithEviction, EvictID: oldestQueued.ID}
	}
	return Decision{Kind: RejectFull}
}
