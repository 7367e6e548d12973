package consensus

import (
	"sync"

	"github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
)

// StateResult is the memoized outcome of executing a tipset: the resulting
// state root and the root of the receipts produced along the way.
type StateResult struct {
	StateRoot    cid.Cid
	ReceiptsRoot cid.Cid
}

// entry is either a completed result or an in-flight computation that other
// callers for the same key can wait on.
type entry struct {
	done   chan struct{}
	result StateResult
	err    error
}

// TipsetStateCache memoizes tipset_state results with single-flight
// semantics: for any key, at most one producer function ever runs
// concurrently, and every caller observes the result of that single run.
// Completed results are retained in a bounded LRU; a repeat lookup of a
// tipset whose result is still in the LRU does not re-invoke the producer,
// while one whose result has been evicted runs the producer again.
type TipsetStateCache struct {
	mu      sync.Mutex
	pending map[string]*entry
	cache   *lru.Cache
}

// NewTipsetStateCache constructs a cache holding at most capacity completed
// results.
func NewTipsetStateCache(capacity int) *TipsetStateCache {
	c, err := lru.New(capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, a programmer error.
		panic(err)
	}
	return &TipsetStateCache{
		pending: make(map[string]*entry),
		cache:   c,
	}
}

// ComputeOrWait returns the cached result for key if present; otherwise it
// runs produce exactly once on behalf of every concurrent caller for key and
// caches the result. If produce fails, nothing is cached and the failure is
// returned to every waiter; a later call retries.
func (c *TipsetStateCache) ComputeOrWait(key string, produce func() (StateResult, error)) (StateResult, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(key); ok {
		c.mu.Unlock()
		return v.(StateResult), nil
	}
	if e, ok := c.pending[key]; ok {
		c.mu.Unlock()
		<-e.done
		return e.result, e.err
	}

	e := &entry{done: make(chan struct{})}
	c.pending[key] = e
	c.mu.Unlock()

	e.result, e.err = produce()
	close(e.done)

	c.mu.Lock()
	delete(c.pending, key)
	if e.err == nil {
		c.cache.Add(key, e.result)
	}
	c.mu.Unlock()

	return e.result, e.err
}

// Peek returns a cached result without triggering computation.
func (c *TipsetStateCache) Peek(key string) (StateResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(key)
	if !ok {
		return StateResult{}, false
	}
	return v.(StateResult), true
}
