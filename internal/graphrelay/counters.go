package graphrelay

import "sync"

// IngressCounts tracks how one account's notification stream was triaged.
type IngressCounts struct {
	AcceptedTotal   uint64 `json:"acceptedTotal"`
	DedupedTotal    uint64 `json:"dedupedTotal"`
	SuppressedTotal uint64 `json:"suppressedTotal"`
	DroppedTotal    uint64 `json:"droppedTotal"`
}

type ingressDelta struct {
	accepted   uint64
	deduped    uint64
	suppressed uint64
	dropped    uint64
}

type ingressCounters struct {
	mu        sync.Mutex
	byAccount map[string]IngressCounts
}

func newIngressCounters() *ingressCounters {
	return &ingressCounters{byAccount: map[string]IngressCounts{}}
}

func (c *ingressCounters) add(account string, delta ingressDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := c.byAccount[account]
	counts.AcceptedTotal += delta.accepted
	counts.DedupedTotal += delta.deduped
	counts.SuppressedTotal += delta.suppressed
	counts.DroppedTotal += delta.dropped
	c.byAccount[account] = counts
}

func (c *ingressCounters) snapshot(account string) IngressCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byAccount[account]
}
