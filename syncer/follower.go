package syncer

import (
	"context"
	"sync"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
)

// DefaultFinalityEpochs bounds how long a fork that has not overtaken the
// head in weight is retained before being forgotten, absent an explicit
// value from configuration.
const DefaultFinalityEpochs = uint64(900)

// followerChainReader is the subset of *chain.Store the Follower consults
// to classify an incoming candidate against the current head.
type followerChainReader interface {
	chain.TipSetProvider
	GetHead() block.TipSetKey
	HasTipSetAndState(key block.TipSetKey) bool
}

// classification is the Follower's verdict on an incoming candidate,
// following the four cases of spec.md §4.8.
type classification int

const (
	// candidateKnown is already indexed; nothing to do.
	candidateKnown classification = iota
	// candidateDispatch is a linear extension of head or a fork that looks
	// at least as heavy as head by the height heuristic; hand it to the
	// Syncer, which makes the final, weight-exact call once it has
	// fetched the actual blocks.
	candidateDispatch
	// candidateRetain is a fork that does not yet look heavier than head;
	// keep it around in case the chain it extends eventually wins.
	candidateRetain
)

// Follower is the ChainFollower of spec.md §4.8. It sits in front of a
// Dispatcher/Syncer pair: every tipset reported by gossip, a hello
// handshake, or this node's own mining is classified against the current
// head before being handed off. Candidates already indexed are dropped;
// candidates that look like they could extend or beat the head are
// dispatched immediately (the Syncer performs the exact weight comparison
// once it has fetched the blocks); candidates that do not yet look heavier
// are retained and re-tried whenever the head moves, until they either
// overtake it or age past finality.
//
// Fork selection itself — heaviest wins, ties broken by smallest tipset key,
// no chain containing a bad block considered — is the Syncer's isHeavier
// and badTipSets, not duplicated here; Follower only decides what to feed
// the Syncer and when to give up on a candidate that never caught up.
type Follower struct {
	dispatcher *Dispatcher
	chainStore followerChainReader

	finalityEpochs uint64

	mu       sync.Mutex
	retained map[string]block.ChainInfo
}

// NewFollower constructs a Follower driving requests through disp,
// classifying candidates against cs. finalityEpochs bounds how long a
// not-yet-heavier fork is retained; pass DefaultFinalityEpochs absent an
// explicit configured value.
func NewFollower(disp *Dispatcher, cs followerChainReader, finalityEpochs uint64) *Follower {
	return &Follower{
		dispatcher:     disp,
		chainStore:     cs,
		finalityEpochs: finalityEpochs,
		retained:       make(map[string]block.ChainInfo),
	}
}

// Start launches the underlying dispatcher's worker loop. Because the
// dispatcher serializes every sync job onto a single goroutine (see
// dispatcher.go), at most one fetch/validate run is ever in flight; a
// fork queued behind a taller one waits until the current run finishes
// and is then synced in turn. Switching to another fork does not cancel
// the run in flight. The syncingCtx passed here is threaded into every
// HandleNewTipSet call, so an operator-level shutdown still cooperatively
// stops whatever is currently running.
func (f *Follower) Start(syncingCtx context.Context) {
	f.dispatcher.Start(syncingCtx)
}

// Pause halts dispatch of new sync targets, satisfying gc.Pauser so the
// snapshot garbage collector can stop chain following for the window it
// purges the collectable column. See Dispatcher.Pause.
func (f *Follower) Pause() {
	f.dispatcher.Pause()
}

// Resume releases a prior Pause.
func (f *Follower) Resume() {
	f.dispatcher.Resume()
}

// ReceiveGossipBlock handles a tipset newly announced over pubsub.
func (f *Follower) ReceiveGossipBlock(ci *block.ChainInfo) error { return f.receive(ci) }

// ReceiveHello handles a peer's declared head from the hello handshake.
func (f *Follower) ReceiveHello(ci *block.ChainInfo) error { return f.receive(ci) }

// ReceiveOwnBlock handles a tipset produced locally by this node's own
// mining, if any.
func (f *Follower) ReceiveOwnBlock(ci *block.ChainInfo) error { return f.receive(ci) }

func (f *Follower) receive(ci *block.ChainInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.classify(ci) {
	case candidateKnown:
		return nil
	case candidateRetain:
		f.retained[ci.Head.String()] = *ci
		return nil
	default:
		delete(f.retained, ci.Head.String())
		f.reconcileLocked(ci)
		return f.dispatcher.receive(ci)
	}
}

// classify implements the four cases of spec.md §4.8. It never fetches the
// candidate's blocks — only the Syncer does that — so for forks it can only
// approximate "heavier" using the peer-declared height, which tracks actual
// weight closely under this module's additive weight rule (weight grows by
// exactly the tipset's block count per epoch). The Syncer's own isHeavier
// check, run once the blocks are in hand, is authoritative; classify only
// decides whether a candidate is worth dispatching at all.
func (f *Follower) classify(ci *block.ChainInfo) classification {
	if f.chainStore.HasTipSetAndState(ci.Head) {
		return candidateKnown
	}

	headKey := f.chainStore.GetHead()
	if headKey.Empty() {
		return candidateDispatch
	}
	headTs, err := f.chainStore.GetTipSet(headKey)
	if err != nil {
		// Can't resolve our own head; let the Syncer surface the error.
		return candidateDispatch
	}
	headHeight, err := headTs.Height()
	if err != nil {
		return candidateDispatch
	}

	if uint64(ci.Height) >= uint64(headHeight) {
		return candidateDispatch
	}
	return candidateRetain
}

// reconcileLocked re-evaluates every retained candidate against the head
// implied by adopting ci, dispatching any that now look competitive and
// dropping any that have aged past finality without ever catching up.
// Precondition: caller holds f.mu.
func (f *Follower) reconcileLocked(newHead *block.ChainInfo) {
	for key, candidate := range f.retained {
		if uint64(candidate.Height) >= uint64(newHead.Height) {
			delete(f.retained, key)
			_ = f.dispatcher.receive(&candidate)
			continue
		}
		if uint64(newHead.Height)-uint64(candidate.Height) > f.finalityEpochs {
			delete(f.retained, key)
		}
	}
}

// Retained reports the chain heads currently held back as not-yet-heavier
// forks, for diagnostics.
func (f *Follower) Retained() []block.ChainInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]block.ChainInfo, 0, len(f.retained))
	for _, ci := range f.retained {
		out = append(out, ci)
	}
	return out
}
