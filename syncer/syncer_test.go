package syncer_test

import (
	"context"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	syncds "github.com/ipfs/go-datastore/sync"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	"github.com/filecoin-project/forest-go/internal/pkg/clock"
	"github.com/filecoin-project/forest-go/internal/pkg/consensus"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
	"github.com/filecoin-project/forest-go/internal/pkg/version"
	"github.com/filecoin-project/forest-go/syncer"
)

// fakeEvaluator computes state the same way the builder that produced the
// fetched blocks did, so a tipset's computed state root always matches what
// the builder recorded for it.
type fakeEvaluator struct {
	builder *chain.Builder
}

func (e *fakeEvaluator) TipsetState(ctx context.Context, ts block.TipSet) (cid.Cid, cid.Cid, error) {
	return e.builder.ComputeState(ts), types.EmptyReceiptsCID, nil
}

// newTestStore builds an empty, genesis-seeded chain.Store independent of
// the builder's own blockstore, mirroring how a real node's store and its
// peer-fetch path are backed by different stacks.
func newTestStore(t *testing.T, builder *chain.Builder, genesis block.TipSet) *chain.Store {
	bs := bstore.NewBlockstore(syncds.MutexWrap(ds.NewMapDatastore()))
	genesisCid, err := genesis.At(0).Cid()
	require.NoError(t, err)
	store := chain.NewStore(syncds.MutexWrap(ds.NewMapDatastore()), bs, genesisCid)

	genRoot, err := builder.GetTipSetStateRoot(genesis.Key())
	require.NoError(t, err)
	require.NoError(t, store.PutTipSetAndState(context.Background(), &chain.TipSetAndState{
		TipSet:          genesis,
		TipSetStateRoot: genRoot,
	}))
	require.NoError(t, store.SetHead(context.Background(), genesis))
	return store
}

func newTestValidator(t *testing.T) consensus.BlockValidator {
	pvt, err := version.NewProtocolVersionTableBuilder(version.TEST).
		Add(version.TEST, version.Protocol0, types.NewBlockHeight(0)).
		Build()
	require.NoError(t, err)
	fc := clock.NewFake(time.Unix(1577836800, 0))
	return consensus.NewDefaultBlockValidator(0, fc, pvt)
}

func newTestSyncer(t *testing.T, builder *chain.Builder, store *chain.Store) *syncer.Syncer {
	return syncer.NewSyncer(&fakeEvaluator{builder: builder}, newTestValidator(t), store, builder, builder)
}

func chainInfo(head block.TipSetKey, height types.Uint64) *block.ChainInfo {
	return &block.ChainInfo{Head: head, Height: height}
}

func heightOf(t *testing.T, ts block.TipSet) types.Uint64 {
	h, err := ts.Height()
	require.NoError(t, err)
	return h
}

func TestSyncerUpdatesHeadOnLinearAdvance(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	store := newTestStore(t, builder, genesis)
	sn := newTestSyncer(t, builder, store)

	link1 := builder.AppendOn(genesis, 1)
	link2 := builder.AppendOn(link1, 1)
	link3 := builder.AppendOn(link2, 1)

	require.NoError(t, sn.HandleNewTipSet(ctx, chainInfo(link3.Key(), heightOf(t, link3)), true))

	assert.Equal(t, link3.Key(), store.GetHead())
	assert.True(t, store.HasTipSetAndState(link1.Key()))
	assert.True(t, store.HasTipSetAndState(link2.Key()))
	assert.True(t, store.HasTipSetAndState(link3.Key()))
	assert.Equal(t, syncer.Idle{}, sn.CurrentState())
}

func TestSyncerAdoptsHeavierFork(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	store := newTestStore(t, builder, genesis)
	sn := newTestSyncer(t, builder, store)

	// left and right diverge after base, at different lengths, so their
	// respective heads land at different heights with different parents
	// (unlike a same-height sibling pair, which the syncer's widen step
	// would merge into a single combined tipset instead of leaving them
	// to compete on weight).
	base := builder.AppendManyOn(3, genesis)
	left := builder.AppendManyOn(4, base)
	right := builder.AppendManyOn(3, base)

	require.NoError(t, sn.HandleNewTipSet(ctx, chainInfo(left.Key(), heightOf(t, left)), true))
	assert.Equal(t, left.Key(), store.GetHead())

	require.NoError(t, sn.HandleNewTipSet(ctx, chainInfo(right.Key(), heightOf(t, right)), true))
	assert.Equal(t, left.Key(), store.GetHead(), "shorter fork must not displace the heavier head")

	// Re-processing the already-adopted head must not regress the store.
	require.NoError(t, sn.HandleNewTipSet(ctx, chainInfo(left.Key(), heightOf(t, left)), true))
	assert.Equal(t, left.Key(), store.GetHead())
}

func TestSyncerRejectsTooLongUntrustedChain(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	store := newTestStore(t, builder, genesis)
	sn := newTestSyncer(t, builder, store)

	farFuture := builder.AppendManyOn(int(syncer.UntrustedChainHeightLimit)+10, genesis)

	err := sn.HandleNewTipSet(ctx, chainInfo(farFuture.Key(), heightOf(t, farFuture)), false)
	assert.Equal(t, syncer.ErrNewChainTooLong, err)
	assert.Equal(t, genesis.Key(), store.GetHead())
}

func TestSyncerIgnoresAlreadySyncedHead(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	store := newTestStore(t, builder, genesis)
	sn := newTestSyncer(t, builder, store)

	link1 := builder.AppendOn(genesis, 1)
	require.NoError(t, sn.HandleNewTipSet(ctx, chainInfo(link1.Key(), heightOf(t, link1)), true))
	require.NoError(t, sn.HandleNewTipSet(ctx, chainInfo(link1.Key(), heightOf(t, link1)), true))
	assert.Equal(t, link1.Key(), store.GetHead())
}
