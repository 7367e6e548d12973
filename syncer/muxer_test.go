package syncer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
	"github.com/filecoin-project/forest-go/syncer"
)

// fakePeerTracker is a directly-controllable stand-in for
// *syncer.AtomicPeerCounter: tests pin a peer count and an authoritative
// head set without driving real connect/disconnect callbacks.
type fakePeerTracker struct {
	count int
	heads []block.ChainInfo
}

func (f *fakePeerTracker) PeerCount() int                       { return f.count }
func (f *fakePeerTracker) AuthoritativePeers() []block.ChainInfo { return f.heads }

func newTestMuxer(cs *fakeChainReader, peers *fakePeerTracker, finality uint64, targetPeers int) (*syncer.ChainMuxer, *fakeCatchupSyncer) {
	cup := newFakeCatchupSyncer()
	disp := syncer.NewDispatcher(cup)
	f := syncer.NewFollower(disp, cs, finality)
	return syncer.NewChainMuxer(f, cs, peers, finality, targetPeers), cup
}

func TestChainMuxerStaysIdleBelowQuorum(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()

	cs := newFakeChainReader()
	cs.setHead(genesis)
	peers := &fakePeerTracker{count: 1}
	m, _ := newTestMuxer(cs, peers, 10, 5)

	require.NoError(t, m.Step(context.Background()))
	assert.Equal(t, syncer.ModeIdle, m.Mode())
}

func TestChainMuxerEntersBootstrapWhenLagExceedsFinality(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()

	cs := newFakeChainReader()
	cs.setHead(genesis)
	peers := &fakePeerTracker{
		count: 5,
		heads: []block.ChainInfo{{Height: 100}},
	}
	m, _ := newTestMuxer(cs, peers, 10, 5)

	require.NoError(t, m.Step(context.Background()))
	assert.Equal(t, syncer.ModeBootstrap, m.Mode())
}

func TestChainMuxerEntersFollowWhenWithinThreshold(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()

	cs := newFakeChainReader()
	cs.setHead(genesis)
	peers := &fakePeerTracker{
		count: 5,
		heads: []block.ChainInfo{{Height: 2}},
	}
	m, _ := newTestMuxer(cs, peers, 10, 5)

	require.NoError(t, m.Step(context.Background()))
	assert.Equal(t, syncer.ModeFollow, m.Mode())
}

func TestChainMuxerLeavesFollowOnSubQuorumPeerCount(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()

	cs := newFakeChainReader()
	cs.setHead(genesis)
	peers := &fakePeerTracker{
		count: 5,
		heads: []block.ChainInfo{{Height: 1}},
	}
	m, _ := newTestMuxer(cs, peers, 10, 5)
	require.NoError(t, m.Step(context.Background()))
	require.Equal(t, syncer.ModeFollow, m.Mode())

	peers.count = 1
	require.NoError(t, m.Step(context.Background()))
	assert.Equal(t, syncer.ModeIdle, m.Mode())
}

func TestChainMuxerBootstrapDispatchesHeaviestAuthoritativePeer(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	link1 := builder.AppendOn(genesis, 1)

	cs := newFakeChainReader()
	cs.setHead(genesis)
	peers := &fakePeerTracker{
		count: 5,
		heads: []block.ChainInfo{
			{Head: link1.Key(), Height: 50},
			{Head: genesis.Key(), Height: 30},
		},
	}
	m, cup := newTestMuxer(cs, peers, 10, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.NoError(t, m.Step(ctx))
	require.Equal(t, syncer.ModeBootstrap, m.Mode())

	require.NoError(t, m.Step(ctx))

	select {
	case got := <-cup.calls:
		assert.True(t, got.Head.Equals(link1.Key()), "expected the heavier authoritative peer to be dispatched")
	case <-time.After(2 * time.Second):
		t.Fatal("expected the heaviest authoritative peer to be dispatched")
	}
}
