package hmacsig

import (
	"sync"
	"time"
)

// replayTTL is how long a seen nonce stays rejected. Matched to the
// timestamp acceptance window so a nonce expires only after its timestamp
// would be rejected anyway.
const replayTTL = 300 * time.Second

// replayCache remembers recently seen (agent, nonce) pairs. Safe for
// concurrent use; expired entries are swept lazily on insert.
type replayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[string]time.Time)}
}

// remember records the nonce and reports whether it was fresh. A repeated
// nonce inside the TTL returns false.
func (c *replayCache) remember(agent, nonce string, now time.Time) bool {
	key := agent + ":" + nonce
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, k)
		}
	}

	if exp, ok := c.seen[key]; ok && now.Before(exp) {
		return false
	}
	c.seen[key] = now.Add(replayTTL)
	return true
}
