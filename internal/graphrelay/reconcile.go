package graphrelay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultDebounceTTL = 2 * time.Minute

// crossSuppression lists, per incoming change type, the cached sibling types
// that make the incoming notification redundant. An update arriving moments
// after a creation or deletion is noise from the same user action; a creation
// or deletion racing behind its own update is already accounted for. This is
// a heuristic mutual-suppression table, not a causal order resolver: it
// accepts a small false-negative rate to eliminate duplicate noise.
var crossSuppression = map[ChangeType][]ChangeType{
	ChangeUpdated: {ChangeCreated, ChangeDeleted},
	ChangeCreated: {ChangeUpdated},
	ChangeDeleted: {ChangeUpdated},
}

type ReconcilerOptions struct {
	Cache       DedupCache
	DebounceTTL time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// Reconciler collapses the provider's at-least-once, out-of-order stream of
// change notifications into a deduplicated set of logical events, using the
// dedup cache as its only state.
type Reconciler struct {
	cache    DedupCache
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
	counters *ingressCounters
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryDedupCache()
	}
	ttl := opts.DebounceTTL
	if ttl == 0 {
		ttl = defaultDebounceTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		now:      now,
		counters: newIngressCounters(),
	}
}

func dedupKey(account string, changeType ChangeType, eventID string) string {
	return account + ":" + string(changeType) + ":" + eventID
}

// Reconcile runs one webhook batch through the dedup decision table and
// returns the accepted events grouped by subscription and account. Cache
// failures are fail-open: a read error counts as "not previously seen" and a
// write error is logged and ignored, so at worst duplicates pass through.
func (r *Reconciler) Reconcile(ctx context.Context, events []NotificationEvent) []EventGroup {
	accepted := make([]LogicalEvent, 0, len(events))
	for _, event := range events {
		if event.AccountName == "" || event.EventID == "" {
			r.counters.add(event.AccountName, ingressDelta{dropped: 1})
			continue
		}
		if r.suppressed(ctx, event) {
			continue
		}
		key := dedupKey(event.AccountName, event.ChangeType, event.EventID)
		if err := r.cache.Put(ctx, key, string(event.ChangeType), r.ttl); err != nil {
			r.logger.Warn("dedup cache write failed",
				zap.String("key", key),
				zap.Error(err))
		}
		accepted = append(accepted, LogicalEvent{
			AccountName:    event.AccountName,
			SubscriptionID: event.SubscriptionID,
			EventID:        event.EventID,
			ChangeType:     event.ChangeType,
			RawPayload:     event.RawPayload,
			ReceivedAt:     event.ReceivedAt,
		})
		r.counters.add(event.AccountName, ingressDelta{accepted: 1})
	}
	return groupEvents(accepted)
}

func (r *Reconciler) suppressed(ctx context.Context, event NotificationEvent) bool {
	selfKey := dedupKey(event.AccountName, event.ChangeType, event.EventID)
	if r.cacheHolds(ctx, selfKey) {
		r.counters.add(event.AccountName, ingressDelta{deduped: 1})
		return true
	}
	for _, sibling := range crossSuppression[event.ChangeType] {
		if r.cacheHolds(ctx, dedupKey(event.AccountName, sibling, event.EventID)) {
			r.counters.add(event.AccountName, ingressDelta{suppressed: 1})
			return true
		}
	}
	return false
}

func (r *Reconciler) cacheHolds(ctx context.Context, key string) bool {
	_, found, err := r.cache.Get(ctx, key)
	if err != nil {
		// fail open: an unreachable cache must never take the webhook
		// endpoint down, duplicates passing through is the lesser harm
		r.logger.Warn("dedup cache read failed, treating as unseen",
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	return found
}

// FilterLifecycle applies the lifecycle-specific filter: "missed" notices only
// signal that a full sync may be warranted and are discarded unconditionally.
// Everything else passes through untouched; lifecycle notices never enter the
// dedup table.
func (r *Reconciler) FilterLifecycle(notices []LifecycleNotice) []LifecycleNotice {
	kept := make([]LifecycleNotice, 0, len(notices))
	for _, notice := range notices {
		if notice.Event == LifecycleMissed {
			r.counters.add(notice.AccountName, ingressDelta{dropped: 1})
			continue
		}
		kept = append(kept, notice)
	}
	return kept
}

// Counters reports per-account ingress totals since startup.
func (r *Reconciler) Counters(account string) IngressCounts {
	return r.counters.snapshot(account)
}

func groupEvents(events []LogicalEvent) []EventGroup {
	if len(events) == 0 {
		return nil
	}
	groups := make([]EventGroup, 0, 1)
	index := map[string]int{}
	for _, event := range events {
		groupKey := event.AccountName + "|" + event.SubscriptionID
		position, ok := index[groupKey]
		if !ok {
			position = len(groups)
			index[groupKey] = position
			groups = append(groups, EventGroup{
				AccountName:    event.AccountName,
				SubscriptionID: event.SubscriptionID,
			})
		}
		groups[position].Events = append(groups[position].Events, event)
	}
	return groups
}
