package main

import (
	"context"
	"os"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-car"
	"github.com/ipfs/go-cid"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/blockstore"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
)

// bsAdapter presents a *blockstore.LogicalDB as a plain bstore.Blockstore
// for go-car, mirroring internal/pkg/gc's unexported storeAdapter (which
// this package cannot reach since it is private to gc). Every write here
// lands in the persistent column: genesis and any imported snapshot are
// exactly the kind of data that column is for.
type bsAdapter struct {
	db *blockstore.LogicalDB
}

var _ bstore.Blockstore = (*bsAdapter)(nil)

func (a *bsAdapter) Get(c cid.Cid) (blocks.Block, error) { return a.db.Get(context.Background(), c) }
func (a *bsAdapter) Has(c cid.Cid) (bool, error)         { return a.db.Has(context.Background(), c) }
func (a *bsAdapter) Put(blk blocks.Block) error {
	return a.db.Put(context.Background(), blk, blockstore.Persistent)
}
func (a *bsAdapter) PutMany(blks []blocks.Block) error {
	return a.db.PutMany(context.Background(), blks, blockstore.Persistent)
}
func (a *bsAdapter) DeleteBlock(c cid.Cid) error { return a.db.DeleteCollectable(context.Background(), c) }
func (a *bsAdapter) GetSize(c cid.Cid) (int, error) {
	blk, err := a.Get(c)
	if err != nil {
		return -1, err
	}
	return len(blk.RawData()), nil
}
func (a *bsAdapter) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	ch := make(chan cid.Cid)
	close(ch)
	return ch, nil
}
func (a *bsAdapter) HashOnRead(enabled bool) {}

// loadGenesis imports the genesis CAR at path into db's persistent column
// and returns the genesis block it declares as its sole root. A node's
// very first run has no other way to learn its genesis: this module does
// not implement the transport that would let it fetch one from a peer
// (spec's chain-following scope takes genesis and peer transport as given
// inputs), so the CAR file is handed to the binary directly, the same way
// the teacher's own genesis fixtures are loaded from disk in tests.
func loadGenesis(path string, db *blockstore.LogicalDB) (*block.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening genesis car")
	}
	defer f.Close() // nolint: errcheck

	adapter := &bsAdapter{db: db}
	header, err := car.LoadCar(adapter, f)
	if err != nil {
		return nil, errors.Wrap(err, "loading genesis car")
	}
	if len(header.Roots) != 1 {
		return nil, errors.Errorf("genesis car must declare exactly one root, got %d", len(header.Roots))
	}

	blk, err := adapter.Get(header.Roots[0])
	if err != nil {
		return nil, errors.Wrap(err, "reading genesis block")
	}
	genesisBlock, err := block.DecodeBlock(blk.RawData())
	if err != nil {
		return nil, errors.Wrap(err, "decoding genesis block")
	}
	return genesisBlock, nil
}

// seedGenesis records the genesis tipset as the store's head if the store
// has not already loaded one from a prior run.
func seedGenesis(ctx context.Context, store *chain.Store, genesisBlock *block.Block) error {
	if !store.GetHead().Empty() {
		return nil
	}
	genesisTs, err := block.NewTipSet(genesisBlock)
	if err != nil {
		return errors.Wrap(err, "building genesis tipset")
	}
	if err := store.PutTipSetAndState(ctx, &chain.TipSetAndState{
		TipSet:          genesisTs,
		TipSetStateRoot: genesisBlock.StateRoot,
	}); err != nil {
		return errors.Wrap(err, "indexing genesis tipset")
	}
	return store.SetHead(ctx, genesisTs)
}
