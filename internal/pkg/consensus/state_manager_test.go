package consensus_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	"github.com/filecoin-project/forest-go/internal/pkg/consensus"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

// searchMessageChainReader adds the GenesisCid consensus.ChainReader needs
// on top of a *chain.Builder, which otherwise already satisfies it.
type searchMessageChainReader struct {
	*chain.Builder
	genesisCid cid.Cid
}

func (r *searchMessageChainReader) GenesisCid() cid.Cid { return r.genesisCid }

func newSearchMessageFixture(t *testing.T) (*consensus.StateManager, *chain.Builder, block.TipSet) {
	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	genesisCid, err := genesis.At(0).Cid()
	require.NoError(t, err)

	reader := &searchMessageChainReader{Builder: builder, genesisCid: genesisCid}
	// SearchMessage only touches sm.chainReader and sm.messages; the VM
	// wiring (treeLoader/engines/interpreters) is exercised by
	// internal/pkg/vm's own tests, not needed to drive this method.
	sm := consensus.NewStateManager(reader, builder, nil, nil, nil)
	return sm, builder, genesis
}

func TestSearchMessageFindsReceiptInAncestor(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	sm, builder, genesis := newSearchMessageFixture(t)

	from := address.NewForTestGetter()()
	to := address.NewForTestGetter()()
	target := &types.SignedMessage{Message: *types.NewUnsignedMessage(from, to, 0, types.ZeroAttoFIL, "", nil)}
	receipt := &types.MessageReceipt{ExitCode: 0}

	withMsg := builder.BuildOneOn(genesis, func(bb *chain.BlockBuilder) {
		bb.AddMessages([]*types.SignedMessage{target}, nil, []*types.MessageReceipt{receipt})
	})
	tip := builder.AppendOn(withMsg, 1)

	msgCid, err := target.Cid()
	require.NoError(t, err)

	lookup, err := sm.SearchMessage(ctx, tip, block.TipSet{}, msgCid)
	require.NoError(t, err)
	require.NotNil(t, lookup)
	assert.True(t, lookup.TipSet.Equals(withMsg))
	assert.Equal(t, receipt.ExitCode, lookup.Receipt.ExitCode)
}

func TestSearchMessageReturnsNilWhenNotFoundBeforeBound(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	sm, builder, genesis := newSearchMessageFixture(t)

	from := address.NewForTestGetter()()
	to := address.NewForTestGetter()()
	absent := &types.SignedMessage{Message: *types.NewUnsignedMessage(from, to, 0, types.ZeroAttoFIL, "", nil)}
	absentCid, err := absent.Cid()
	require.NoError(t, err)

	tip := builder.AppendOn(genesis, 1)

	lookup, err := sm.SearchMessage(ctx, tip, genesis, absentCid)
	require.NoError(t, err)
	assert.Nil(t, lookup)
}
