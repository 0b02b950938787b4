package explorer

import (
	"strings"
	"sync"

	"github.com/mbd888/sybilscan/internal/chain"
)

// Rotator hands out explorer API keys round-robin. Chains with a dedicated
// pool draw from it; every other chain shares the default pool.
type Rotator struct {
	mu       sync.Mutex
	defaults []string
	pools    map[chain.ID][]string
	next     map[chain.ID]int
	defNext  int
}

// NewRotator builds a rotator from a default pool and optional per-chain
// pools keyed by chain identifier. Blank keys are dropped.
func NewRotator(defaults []string, perChain map[string][]string) *Rotator {
	r := &Rotator{
		defaults: clean(defaults),
		pools:    make(map[chain.ID][]string),
		next:     make(map[chain.ID]int),
	}
	for id, keys := range perChain {
		if keys = clean(keys); len(keys) > 0 {
			r.pools[chain.ID(strings.ToLower(id))] = keys
		}
	}
	return r
}

func clean(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Next returns the next key for the chain, or "" when no key is configured.
func (r *Rotator) Next(id chain.ID) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[id]; ok {
		k := pool[r.next[id]%len(pool)]
		r.next[id]++
		return k
	}
	if len(r.defaults) == 0 {
		return ""
	}
	k := r.defaults[r.defNext%len(r.defaults)]
	r.defNext++
	return k
}

// PoolSize returns how many keys serve the chain.
func (r *Rotator) PoolSize(id chain.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.pools[id]; ok {
		return len(pool)
	}
	return len(r.defaults)
}
