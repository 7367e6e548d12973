package chain

import (
	"sync"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
)

// BadTipSetCache is the exported name callers outside this package use to
// hold a reference to a badTipSetCache (e.g. the syncer, which marks chains
// bad when a validation or execution failure implicates the whole range).
type BadTipSetCache = badTipSetCache

// NewBadTipSetCache constructs an empty BadTipSetCache.
func NewBadTipSetCache() *BadTipSetCache {
	return newBadTipSetCache()
}

// newBadTipSetCache constructs an empty badTipSetCache.
func newBadTipSetCache() *badTipSetCache {
	return &badTipSetCache{bad: make(map[string]struct{})}
}

// badTipSetCache keeps track of bad tipsets that the syncer should not try to
// download. Readers and writers grab a lock. The purpose of this cache is to
// prevent a node from having to repeatedly invalidate a block (and its children)
// in the event that the tipset does not conform to the rules of consensus. Note
// that the cache is only in-memory, so it is reset whenever the node is restarted.
// TODO: this needs to be limited.
type badTipSetCache struct {
	mu  sync.Mutex
	bad map[string]struct{}
}

// AddChain adds the chain of tipsets to the badTipSetCache.  It records the
// key string of every tipset in the chain; individual block cids are not
// recorded.
// TODO: might want to cache a random subset once cache size is limited.
func (cache *badTipSetCache) AddChain(chain []block.TipSet) {
	for _, ts := range chain {
		cache.Add(ts.String())
	}
}

// Add adds a single tipset key to the badTipSetCache.
func (cache *badTipSetCache) Add(tsKey string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.bad[tsKey] = struct{}{}
}

// Has checks for membership in the badTipSetCache.
func (cache *badTipSetCache) Has(tsKey string) bool {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	_, ok := cache.bad[tsKey]
	return ok
}
