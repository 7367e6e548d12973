package gc

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	bstore "github.com/ipfs/go-ipfs-blockstore"

	"github.com/filecoin-project/forest-go/internal/pkg/blockstore"
)

// storeAdapter presents a *blockstore.LogicalDB as a plain bstore.Blockstore,
// the pre-context interface the go-ipfs DAG tooling (blockservice,
// merkledag, go-car) expects. Reads route through LogicalDB's normal
// cache -> persistent -> collectable lookup; writes always land in the
// persistent column, since everything this adapter writes (CAR imports,
// during bootstrap) is exactly the kind of historic data that column holds.
type storeAdapter struct {
	db *blockstore.LogicalDB
}

var _ bstore.Blockstore = (*storeAdapter)(nil)

func newStoreAdapter(db *blockstore.LogicalDB) *storeAdapter {
	return &storeAdapter{db: db}
}

func (a *storeAdapter) Get(c cid.Cid) (blocks.Block, error) {
	return a.db.Get(context.Background(), c)
}

func (a *storeAdapter) Has(c cid.Cid) (bool, error) {
	return a.db.Has(context.Background(), c)
}

func (a *storeAdapter) Put(blk blocks.Block) error {
	return a.db.Put(context.Background(), blk, blockstore.Persistent)
}

func (a *storeAdapter) PutMany(blks []blocks.Block) error {
	return a.db.PutMany(context.Background(), blks, blockstore.Persistent)
}

func (a *storeAdapter) DeleteBlock(c cid.Cid) error {
	return a.db.DeleteCollectable(context.Background(), c)
}

func (a *storeAdapter) GetSize(c cid.Cid) (int, error) {
	blk, err := a.Get(c)
	if err != nil {
		return -1, err
	}
	return len(blk.RawData()), nil
}

// AllKeysChan is not needed by anything this adapter is used for (CAR
// export walks from explicit roots; CAR import only Puts); it returns a
// closed channel rather than pretending to enumerate both columns.
func (a *storeAdapter) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	ch := make(chan cid.Cid)
	close(ch)
	return ch, nil
}

// HashOnRead is a verification toggle this adapter does not support; it is
// a no-op rather than an error since no caller in this module enables it.
func (a *storeAdapter) HashOnRead(enabled bool) {}
