// Package blockstore implements the logical content-addressed store the
// rest of the chain subsystem is built on: a read cache layered over a
// persistent column (historic blocks, never GC'd except by explicit
// compaction) and a collectable column (computed state trees, freely
// discardable and rebuilt by garbage collection).
//
// It follows the teacher's use of ipfs/go-ipfs-blockstore as the per-column
// adapter and ipfs/go-datastore (+ ipfs/go-ds-badger) as the on-disk store.
package blockstore

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	namespace "github.com/ipfs/go-datastore/namespace"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/chainerr"
)

var log = logging.Logger("blockstore")

// Column namespaces partition a single underlying datastore into the three
// column families the on-disk layout names: persistent, collectable and
// settings.
const (
	persistentNS  = "persistent"
	collectableNS = "collectable"
	settingsNS    = "settings"
)

// cacheCap bounds the in-memory read cache's resident block count.
const cacheCap = 4096

// LogicalDB composes a bounded read cache over a persistent column and a
// collectable column into a single get/put surface. Reads are routed
// cache -> persistent -> collectable -> absent; writes go to whichever
// column the caller names.
type LogicalDB struct {
	persistent  bstore.Blockstore
	collectable bstore.Blockstore
	settings    ds.Datastore

	mu    sync.RWMutex
	cache map[string]blocks.Block
	order []string // crude FIFO for cache eviction
}

// Column names the target of a Put, selecting which backing store absorbs
// the write.
type Column int

const (
	// Persistent stores historic block data: headers, messages, receipts.
	Persistent Column = iota
	// Collectable stores freshly computed state, freely discardable by GC.
	Collectable
)

// Open constructs a LogicalDB over base, partitioning it into persistent,
// collectable and settings namespaces.
func Open(base ds.Datastore) *LogicalDB {
	return &LogicalDB{
		persistent:  bstore.NewBlockstore(namespace.Wrap(base, ds.NewKey(persistentNS))),
		collectable: bstore.NewBlockstore(namespace.Wrap(base, ds.NewKey(collectableNS))),
		settings:    namespace.Wrap(base, ds.NewKey(settingsNS)),
		cache:       make(map[string]blocks.Block),
	}
}

// Put writes blk to the named column and populates the read cache.
func (db *LogicalDB) Put(ctx context.Context, blk blocks.Block, col Column) error {
	target := db.columnStore(col)
	if err := target.Put(blk); err != nil {
		return chainerr.Wrap(chainerr.IO, err, "blockstore put")
	}
	db.cachePut(blk)
	return nil
}

// PutMany writes blks to the named column in one batch and populates the
// read cache; it is the bulk counterpart to Put, used by CAR import and
// message-collection storage.
func (db *LogicalDB) PutMany(ctx context.Context, blks []blocks.Block, col Column) error {
	target := db.columnStore(col)
	if err := target.PutMany(blks); err != nil {
		return chainerr.Wrap(chainerr.IO, err, "blockstore put many")
	}
	for _, b := range blks {
		db.cachePut(b)
	}
	return nil
}

// Get retrieves the block with the given fingerprint, routing
// cache -> persistent -> collectable -> chainerr.NotFound.
func (db *LogicalDB) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if blk, ok := db.cacheGet(c); ok {
		return blk, nil
	}
	if blk, err := db.persistent.Get(c); err == nil {
		db.cachePut(blk)
		return blk, nil
	} else if err != bstore.ErrNotFound {
		return nil, chainerr.Wrap(chainerr.IO, err, "blockstore get from persistent")
	}
	blk, err := db.collectable.Get(c)
	if err != nil {
		if err == bstore.ErrNotFound {
			return nil, chainerr.New(chainerr.NotFound, "block "+c.String()+" not found")
		}
		return nil, chainerr.Wrap(chainerr.IO, err, "blockstore get from collectable")
	}
	db.cachePut(blk)
	return blk, nil
}

// Has reports whether a block with the given fingerprint exists in any
// column.
func (db *LogicalDB) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if _, ok := db.cacheGet(c); ok {
		return true, nil
	}
	if ok, err := db.persistent.Has(c); err != nil {
		return false, chainerr.Wrap(chainerr.IO, err, "blockstore has persistent")
	} else if ok {
		return true, nil
	}
	ok, err := db.collectable.Has(c)
	if err != nil {
		return false, chainerr.Wrap(chainerr.IO, err, "blockstore has collectable")
	}
	return ok, nil
}

// DeleteCollectable removes c from the collectable column only, used by GC
// compaction; it never touches persistent or settings data.
func (db *LogicalDB) DeleteCollectable(ctx context.Context, c cid.Cid) error {
	if err := db.collectable.DeleteBlock(c); err != nil && err != bstore.ErrNotFound {
		return chainerr.Wrap(chainerr.IO, err, "blockstore delete collectable")
	}
	db.cacheDelete(c)
	return nil
}

// PurgeCollectable discards the entire collectable column, replacing it with
// an empty one backed by the same namespace; used by GC after a snapshot of
// the reachable set has been exported to the persistent column.
func (db *LogicalDB) PurgeCollectable(ctx context.Context, base ds.Datastore) error {
	q, err := db.collectable.AllKeysChan(ctx)
	if err != nil {
		return chainerr.Wrap(chainerr.IO, err, "listing collectable keys")
	}
	for c := range q {
		if err := db.collectable.DeleteBlock(c); err != nil && err != bstore.ErrNotFound {
			return chainerr.Wrap(chainerr.IO, err, "purging collectable")
		}
	}
	db.mu.Lock()
	db.cache = make(map[string]blocks.Block)
	db.order = nil
	db.mu.Unlock()
	log.Info("collectable column purged")
	return nil
}

// Persistent exposes the persistent column's blockstore directly, for
// components (CAR export/import) that need the go-ipfs-blockstore surface.
func (db *LogicalDB) Persistent() bstore.Blockstore {
	return db.persistent
}

// Settings exposes the settings column's datastore directly.
func (db *LogicalDB) Settings() ds.Datastore {
	return db.settings
}

func (db *LogicalDB) columnStore(col Column) bstore.Blockstore {
	if col == Persistent {
		return db.persistent
	}
	return db.collectable
}

func (db *LogicalDB) cacheGet(c cid.Cid) (blocks.Block, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	blk, ok := db.cache[c.KeyString()]
	return blk, ok
}

func (db *LogicalDB) cachePut(blk blocks.Block) {
	key := blk.Cid().KeyString()
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.cache[key]; exists {
		return
	}
	if len(db.order) >= cacheCap {
		oldest := db.order[0]
		db.order = db.order[1:]
		delete(db.cache, oldest)
	}
	db.cache[key] = blk
	db.order = append(db.order, key)
}

func (db *LogicalDB) cacheDelete(c cid.Cid) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.cache, c.KeyString())
}

// ErrNotFound is returned by callers that want a plain sentinel rather than
// a chainerr.Error; most callers should prefer chainerr.Is(err, chainerr.NotFound).
var ErrNotFound = errors.New("blockstore: not found")
