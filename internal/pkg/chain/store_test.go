package chain_test

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	syncds "github.com/ipfs/go-datastore/sync"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
)

func newTestStoreForTipSet(t *testing.T, genesis block.TipSet) *chain.Store {
	bs := bstore.NewBlockstore(syncds.MutexWrap(ds.NewMapDatastore()))
	genesisCid, err := genesis.At(0).Cid()
	require.NoError(t, err)
	store := chain.NewStore(syncds.MutexWrap(ds.NewMapDatastore()), bs, genesisCid)
	return store
}

func putTipSet(t *testing.T, store *chain.Store, builder *chain.Builder, ts block.TipSet) {
	root, err := builder.GetTipSetStateRoot(ts.Key())
	require.NoError(t, err)
	require.NoError(t, store.PutTipSetAndState(context.Background(), &chain.TipSetAndState{
		TipSet:          ts,
		TipSetStateRoot: root,
	}))
}

// TestSetHeadLinearAdvanceEmitsApplyThenCurrent covers S1: advancing the
// head one tipset at a time along a single chain emits an Apply followed
// by a Current for each step, and never a Revert.
func TestSetHeadLinearAdvanceEmitsApplyThenCurrent(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	store := newTestStoreForTipSet(t, genesis)
	putTipSet(t, store, builder, genesis)
	require.NoError(t, store.SetHead(ctx, genesis))

	ch := store.HeadEvents().Sub(chain.NewHeadTopic)
	defer store.HeadEvents().Unsub(ch, chain.NewHeadTopic)

	link1 := builder.AppendOn(genesis, 1)
	link2 := builder.AppendOn(link1, 1)
	putTipSet(t, store, builder, link1)
	putTipSet(t, store, builder, link2)

	require.NoError(t, store.SetHead(ctx, link1))
	require.NoError(t, store.SetHead(ctx, link2))

	var got []chain.HeadChange
	for i := 0; i < 4; i++ {
		got = append(got, (<-ch).(chain.HeadChange))
	}

	require.Len(t, got, 4)
	assert.Equal(t, chain.HCApply, got[0].Kind)
	assert.True(t, got[0].TipSet.Equals(link1))
	assert.Equal(t, chain.HCCurrent, got[1].Kind)
	assert.True(t, got[1].TipSet.Equals(link1))
	assert.Equal(t, chain.HCApply, got[2].Kind)
	assert.True(t, got[2].TipSet.Equals(link2))
	assert.Equal(t, chain.HCCurrent, got[3].Kind)
	assert.True(t, got[3].TipSet.Equals(link2))
}

// TestSetHeadForkEmitsRevertThenApply covers S2: adopting a competing
// tipset at the same height as the current head emits a Revert of the old
// head followed by an Apply and Current of the new one.
func TestSetHeadForkEmitsRevertThenApply(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	store := newTestStoreForTipSet(t, genesis)
	putTipSet(t, store, builder, genesis)
	require.NoError(t, store.SetHead(ctx, genesis))

	base := builder.AppendManyOn(2, genesis)
	a3 := builder.AppendOn(base, 1)
	b3 := builder.AppendOn(base, 1)
	putTipSet(t, store, builder, base)
	putTipSet(t, store, builder, a3)
	putTipSet(t, store, builder, b3)
	require.NoError(t, store.SetHead(ctx, a3))

	ch := store.HeadEvents().Sub(chain.NewHeadTopic)
	defer store.HeadEvents().Unsub(ch, chain.NewHeadTopic)

	require.NoError(t, store.SetHead(ctx, b3))

	var got []chain.HeadChange
	for i := 0; i < 3; i++ {
		got = append(got, (<-ch).(chain.HeadChange))
	}

	require.Len(t, got, 3)
	assert.Equal(t, chain.HCRevert, got[0].Kind)
	assert.True(t, got[0].TipSet.Equals(a3))
	assert.Equal(t, chain.HCApply, got[1].Kind)
	assert.True(t, got[1].TipSet.Equals(b3))
	assert.Equal(t, chain.HCCurrent, got[2].Kind)
	assert.True(t, got[2].TipSet.Equals(b3))
}

func TestSetHeadFirstCallEmitsOnlyCurrent(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	store := newTestStoreForTipSet(t, genesis)
	putTipSet(t, store, builder, genesis)

	ch := store.HeadEvents().Sub(chain.NewHeadTopic)
	defer store.HeadEvents().Unsub(ch, chain.NewHeadTopic)

	require.NoError(t, store.SetHead(ctx, genesis))

	change := (<-ch).(chain.HeadChange)
	assert.Equal(t, chain.HCCurrent, change.Kind)
	assert.True(t, change.TipSet.Equals(genesis))
}
