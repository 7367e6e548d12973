package syncer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
	"github.com/filecoin-project/forest-go/syncer"
)

// fakeChainReader is a minimal, directly-controllable stand-in for
// *chain.Store: it lets a test pin the head and the set of known tipsets
// without wiring up a real store and builder, since these tests exercise
// Follower's own classification and retention bookkeeping, not Syncer's.
type fakeChainReader struct {
	head  block.TipSetKey
	ts    map[string]block.TipSet
	known map[string]bool
}

func newFakeChainReader() *fakeChainReader {
	return &fakeChainReader{ts: make(map[string]block.TipSet), known: make(map[string]bool)}
}

func (f *fakeChainReader) GetHead() block.TipSetKey { return f.head }

func (f *fakeChainReader) GetTipSet(key block.TipSetKey) (block.TipSet, error) {
	ts, ok := f.ts[key.String()]
	if !ok {
		return block.UndefTipSet, errors.New("fakeChainReader: tipset not found")
	}
	return ts, nil
}

func (f *fakeChainReader) HasTipSetAndState(key block.TipSetKey) bool {
	return f.known[key.String()]
}

func (f *fakeChainReader) setHead(ts block.TipSet) {
	f.head = ts.Key()
	f.ts[ts.Key().String()] = ts
	f.known[ts.Key().String()] = true
}

// fakeCatchupSyncer records every candidate handed to it by the Dispatcher,
// standing in for a real *syncer.Syncer.
type fakeCatchupSyncer struct {
	calls chan block.ChainInfo
}

func newFakeCatchupSyncer() *fakeCatchupSyncer {
	return &fakeCatchupSyncer{calls: make(chan block.ChainInfo, 16)}
}

func (f *fakeCatchupSyncer) HandleNewTipSet(ctx context.Context, ci *block.ChainInfo, trusted bool) error {
	f.calls <- *ci
	return nil
}

func newTestFollower(t *testing.T, cs *fakeChainReader, cup *fakeCatchupSyncer, finality uint64) (*syncer.Follower, *syncer.Dispatcher) {
	disp := syncer.NewDispatcher(cup)
	return syncer.NewFollower(disp, cs, finality), disp
}

func TestFollowerDropsAlreadyKnownCandidate(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	link1 := builder.AppendOn(genesis, 1)

	cs := newFakeChainReader()
	cs.setHead(link1)
	cup := newFakeCatchupSyncer()
	f, _ := newTestFollower(t, cs, cup, syncer.DefaultFinalityEpochs)

	require.NoError(t, f.ReceiveGossipBlock(&block.ChainInfo{Head: link1.Key(), Height: heightOf(t, link1)}))

	assert.Empty(t, f.Retained())
	select {
	case got := <-cup.calls:
		t.Fatalf("unexpected dispatch of already-known candidate: %v", got)
	default:
	}
}

func TestFollowerRetainsForkNotYetHeavierThanHead(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	head := builder.AppendManyOn(5, genesis)
	lightFork := builder.AppendOn(genesis, 1)

	cs := newFakeChainReader()
	cs.setHead(head)
	cup := newFakeCatchupSyncer()
	f, _ := newTestFollower(t, cs, cup, syncer.DefaultFinalityEpochs)

	ci := block.ChainInfo{Head: lightFork.Key(), Height: heightOf(t, lightFork)}
	require.NoError(t, f.ReceiveGossipBlock(&ci))

	retained := f.Retained()
	require.Len(t, retained, 1)
	assert.True(t, retained[0].Head.Equals(lightFork.Key()))

	select {
	case got := <-cup.calls:
		t.Fatalf("unexpected dispatch of a fork not yet heavier than head: %v", got)
	default:
	}
}

func TestFollowerReconsidersRetainedForkOnceHeadCatchesDownToIt(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	tallHead := builder.AppendManyOn(5, genesis)
	lightFork := builder.AppendOn(genesis, 1)
	other1 := builder.AppendOn(genesis, 1)

	cs := newFakeChainReader()
	cs.setHead(tallHead)
	cup := newFakeCatchupSyncer()
	f, disp := newTestFollower(t, cs, cup, syncer.DefaultFinalityEpochs)

	require.NoError(t, f.ReceiveGossipBlock(&block.ChainInfo{Head: lightFork.Key(), Height: heightOf(t, lightFork)}))
	require.Len(t, f.Retained(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp.Start(ctx)

	// Something elsewhere (e.g. a deep reorg the Syncer already applied)
	// drops the locally observed head back down to genesis. A fresh
	// candidate no taller than the retained fork now clears it for another
	// try, since it is no longer behind.
	cs.setHead(genesis)
	require.NoError(t, f.ReceiveGossipBlock(&block.ChainInfo{Head: other1.Key(), Height: heightOf(t, other1)}))

	var got []block.ChainInfo
	for i := 0; i < 2; i++ {
		select {
		case ci := <-cup.calls:
			got = append(got, ci)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 dispatches, got %d", len(got))
		}
	}
	assert.True(t, got[0].Head.Equals(lightFork.Key()), "retained fork reconsidered before the new candidate")
	assert.True(t, got[1].Head.Equals(other1.Key()))
	assert.Empty(t, f.Retained())
}

func TestFollowerAgesOutForkPastFinality(t *testing.T) {
	tf.UnitTest(t)

	const finality = uint64(10)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	head := builder.AppendManyOn(2, genesis)
	lightFork := builder.AppendOn(genesis, 1)

	cs := newFakeChainReader()
	cs.setHead(head)
	cup := newFakeCatchupSyncer()
	f, disp := newTestFollower(t, cs, cup, finality)

	require.NoError(t, f.ReceiveGossipBlock(&block.ChainInfo{Head: lightFork.Key(), Height: heightOf(t, lightFork)}))
	require.Len(t, f.Retained(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp.Start(ctx)

	forkHeight := heightOf(t, lightFork)
	farHeight := types.Uint64(uint64(forkHeight) + finality + 1)
	farKey := block.NewTipSetKey(types.CidFromString(t, "far-future-head"))

	require.NoError(t, f.ReceiveGossipBlock(&block.ChainInfo{Head: farKey, Height: farHeight}))

	assert.Empty(t, f.Retained(), "fork older than finality should be forgotten, not dispatched")
	select {
	case got := <-cup.calls:
		assert.True(t, got.Head.Equals(farKey), "only the new, far-future head should have been dispatched")
	case <-time.After(2 * time.Second):
		t.Fatal("expected the new head itself to be dispatched")
	}
	select {
	case got := <-cup.calls:
		t.Fatalf("aged-out fork must not be dispatched: %v", got)
	default:
	}
}

func TestFollowerDispatchesLinearExtensionImmediately(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	head := builder.AppendOn(genesis, 1)
	next := builder.AppendOn(head, 1)

	cs := newFakeChainReader()
	cs.setHead(head)
	cup := newFakeCatchupSyncer()
	f, disp := newTestFollower(t, cs, cup, syncer.DefaultFinalityEpochs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp.Start(ctx)

	require.NoError(t, f.ReceiveOwnBlock(&block.ChainInfo{Head: next.Key(), Height: heightOf(t, next)}))

	select {
	case got := <-cup.calls:
		assert.True(t, got.Head.Equals(next.Key()))
	case <-time.After(2 * time.Second):
		t.Fatal("expected linear extension to be dispatched")
	}
	assert.Empty(t, f.Retained())
}
