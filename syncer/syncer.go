package syncer

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	"github.com/filecoin-project/forest-go/internal/pkg/consensus"
)

var logSyncer = logging.Logger("chain.syncer")

// UntrustedChainHeightLimit is the maximum number of epochs ahead of the
// current head to accept from a peer whose chain has not been otherwise
// verified.
var UntrustedChainHeightLimit = uint64(600)

var (
	// ErrNewChainTooLong is returned when processing a fork that split off
	// from the best chain too many epochs ago to accept without trust.
	ErrNewChainTooLong = errors.New("input chain forked from best chain too far in the past")
)

// State is the TipsetProcessor's current activity: Idle, locating a common
// ancestor with a candidate (FindRange), or validating and executing a
// contiguous run of tipsets (SyncRange).
type State interface {
	state()
}

// Idle is the processor's resting state.
type Idle struct{}

func (Idle) state() {}

// FindRange is entered on a new candidate target while the processor
// fetches headers back to a tipset it already has state for.
type FindRange struct {
	Target block.TipSet
}

func (FindRange) state() {}

// SyncRange is entered once a contiguous gap has been identified; From is
// the last tipset with known state, To is the candidate being synced to.
type SyncRange struct {
	From, To block.TipSet
}

func (SyncRange) state() {}

// chainReaderWriter is the subset of *chain.Store the Syncer drives: it
// reads existing tipsets and state roots and writes newly validated ones.
type chainReaderWriter interface {
	chain.TipSetProvider
	GetHead() block.TipSetKey
	GetTipSetStateRoot(key block.TipSetKey) (cid.Cid, error)
	HasTipSetAndState(key block.TipSetKey) bool
	PutTipSetAndState(ctx context.Context, tsas *chain.TipSetAndState) error
	SetHead(ctx context.Context, ts block.TipSet) error
	GetTipSetAndStatesByParentsAndHeight(parents block.TipSetKey, h uint64) ([]*chain.TipSetAndState, error)
}

// stateEvaluator computes the state and receipts roots a tipset's
// execution produces, consulting and populating a cache keyed by tipset
// identity; satisfied by *consensus.StateManager.
type stateEvaluator interface {
	TipsetState(ctx context.Context, ts block.TipSet) (cid.Cid, cid.Cid, error)
}

// Syncer drives the tipset-processor state machine: given a candidate
// chain head, it locates the gap between the store's known state and the
// candidate (FindRange), then validates and executes every tipset across
// that gap in epoch order (SyncRange), adopting the candidate as head if
// it ends up heavier than the current one.
//
// Syncer holds a lock across an entire HandleNewTipSet call. This is
// intentional: syncOne reads the current head to compare weights and
// conditionally replace it, and widen reads candidate siblings from the
// store, both of which assume no concurrent sync is rearranging either.
type Syncer struct {
	mu sync.Mutex

	fetcher    chain.Fetcher
	badTipSets *chain.BadTipSetCache

	stateEvaluator stateEvaluator
	validator      consensus.BlockValidator
	chainStore     chainReaderWriter
	messages       chain.MessageProvider

	state State
}

// NewSyncer constructs a Syncer in the Idle state.
func NewSyncer(e stateEvaluator, v consensus.BlockValidator, cs chainReaderWriter, f chain.Fetcher, m chain.MessageProvider) *Syncer {
	return &Syncer{
		fetcher:        f,
		badTipSets:     chain.NewBadTipSetCache(),
		stateEvaluator: e,
		validator:      v,
		chainStore:     cs,
		messages:       m,
		state:          Idle{},
	}
}

// CurrentState reports the processor's current state.
func (syncer *Syncer) CurrentState() State {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	return syncer.state
}

func (syncer *Syncer) setState(s State) {
	syncer.state = s
}

// HandleNewTipSet is called by the Dispatcher with a candidate chain head.
// It fetches back to a known tipset, widens the earliest fetched tipset
// against any sibling already in the store, then validates and executes
// every tipset in the gap in increasing epoch order, adopting the new
// chain as head if it is heavier than the current one.
func (syncer *Syncer) HandleNewTipSet(ctx context.Context, ci *block.ChainInfo, trusted bool) error {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	defer syncer.setState(Idle{})

	if syncer.chainStore.HasTipSetAndState(ci.Head) {
		return nil
	}
	if syncer.badTipSets.Has(ci.Head.String()) {
		return errors.New("input tipset is in the bad tipset cache")
	}

	curHead, err := syncer.chainStore.GetTipSet(syncer.chainStore.GetHead())
	if err != nil {
		return err
	}
	curHeight, err := curHead.Height()
	if err != nil {
		return err
	}

	if !trusted && exceedsUntrustedChainLength(uint64(curHeight), uint64(ci.Height)) {
		return ErrNewChainTooLong
	}

	var source string
	if ci.Source != nil {
		source = ci.Source.String()
	}

	syncer.setState(FindRange{})
	fetched, err := syncer.fetcher.FetchTipSets(ctx, ci.Head, source, func(t block.TipSet) (bool, error) {
		parents, err := t.Parents()
		if err != nil {
			return true, err
		}
		return syncer.chainStore.HasTipSetAndState(parents), nil
	})
	if err != nil {
		return err
	}
	if len(fetched) == 0 {
		return nil
	}

	reverse(fetched)

	target := fetched[len(fetched)-1]
	syncer.setState(FindRange{Target: target})

	parent, err := syncer.ancestorFromStore(fetched[0])
	if err != nil {
		return err
	}
	syncer.setState(SyncRange{From: parent, To: target})

	for i, ts := range fetched {
		var widened block.TipSet
		if i == 0 {
			widened, err = syncer.widen(ctx, ts)
			if err != nil {
				return err
			}
			if widened.Defined() {
				logSyncer.Debug("attempting sync after widen")
				if err := syncer.syncOne(ctx, parent, widened); err != nil {
					return err
				}
			}
		}

		if !widened.Defined() || len(fetched) > 1 {
			if err := syncer.syncOne(ctx, parent, ts); err != nil {
				syncer.badTipSets.AddChain(fetched[i:])
				return err
			}
		}
		parent = ts
	}
	return nil
}

// syncOne validates and executes a single tipset, persists its resulting
// state, and adopts it as head if it is heavier than the current head.
// Precondition: caller holds syncer.mu.
func (syncer *Syncer) syncOne(ctx context.Context, parent, next block.TipSet) error {
	priorHeadKey := syncer.chainStore.GetHead()
	if priorHeadKey.Equals(next.Key()) {
		return nil
	}

	parentWeight, err := parent.ParentWeight()
	if err != nil {
		return err
	}
	parentWeight += uint64(parent.Len())

	var parentBlock *block.Block
	if parent.Defined() {
		parentBlock = parent.At(0)
	}

	for i := 0; i < next.Len(); i++ {
		blk := next.At(i)
		if err := syncer.validator.ValidateSyntax(ctx, blk); err != nil {
			return errors.Wrapf(err, "syncing tipset %s failed syntax validation", next.Key())
		}
		if err := syncer.validator.ValidateSemantic(ctx, blk, &parent, parentWeight); err != nil {
			return errors.Wrapf(err, "syncing tipset %s failed semantic validation", next.Key())
		}

		if bv, ok := syncer.validator.(consensus.BeaconEntryValidator); ok {
			if err := bv.ValidateBeaconEntries(ctx, blk, parentBlock); err != nil {
				return errors.Wrapf(err, "syncing tipset %s failed beacon entry validation", next.Key())
			}
		}

		if mv, ok := syncer.validator.(consensus.MessageRootValidator); ok && syncer.messages != nil {
			secpMsgs, blsMsgs, err := syncer.messages.LoadMessages(ctx, blk.Messages)
			if err != nil {
				return errors.Wrapf(err, "syncing tipset %s failed loading messages", next.Key())
			}
			if err := mv.ValidateMessages(ctx, blk, secpMsgs, blsMsgs); err != nil {
				return errors.Wrapf(err, "syncing tipset %s failed message validation", next.Key())
			}
		}
	}

	stateRoot, _, err := syncer.stateEvaluator.TipsetState(ctx, next)
	if err != nil {
		return errors.Wrapf(err, "syncing tipset %s failed state evaluation", next.Key())
	}

	if err := syncer.chainStore.PutTipSetAndState(ctx, &chain.TipSetAndState{
		TipSet:          next,
		TipSetStateRoot: stateRoot,
	}); err != nil {
		return err
	}
	logSyncer.Debugf("added %s to store", next.String())

	headTipSet, err := syncer.chainStore.GetTipSet(priorHeadKey)
	if err != nil {
		return err
	}

	heavier, err := syncer.isHeavier(next, headTipSet)
	if err != nil {
		return err
	}
	if heavier {
		if err := syncer.chainStore.SetHead(ctx, next); err != nil {
			return err
		}
		syncer.logReorg(ctx, headTipSet, next)
	}
	return nil
}

// isHeavier applies the fork-choice rule: the heavier tipset wins; ties
// are broken by the smaller tipset key under lexical string ordering.
func (syncer *Syncer) isHeavier(a, b block.TipSet) (bool, error) {
	aw, err := weigh(a)
	if err != nil {
		return false, err
	}
	bw, err := weigh(b)
	if err != nil {
		return false, err
	}
	if aw != bw {
		return aw > bw, nil
	}
	return a.Key().String() < b.Key().String(), nil
}

// weigh computes a tipset's weight as its parent's recorded weight plus its
// own block count, mirroring the additive rule the rest of this package's
// test fakes use to compute weight deltas per tipset (see
// chain.FakeStateBuilder.Weigh).
func weigh(ts block.TipSet) (uint64, error) {
	w, err := ts.ParentWeight()
	if err != nil {
		return 0, err
	}
	return w + uint64(ts.Len()), nil
}

// ancestorFromStore returns the parent of ts, which the store is expected
// to already hold state for.
func (syncer *Syncer) ancestorFromStore(ts block.TipSet) (block.TipSet, error) {
	parentKey, err := ts.Parents()
	if err != nil {
		return block.UndefTipSet, err
	}
	return syncer.chainStore.GetTipSet(parentKey)
}

// widen looks for a heavier tipset sharing ts's parents and height already
// in the store (e.g. observed via a different peer) and, if found, returns
// the union of the two, de-duplicated by block cid. This folds sibling
// blocks the network produced at the same epoch into a single candidate
// before running it through syncOne, rather than evaluating them as
// separate competing tipsets.
func (syncer *Syncer) widen(ctx context.Context, ts block.TipSet) (block.TipSet, error) {
	parents, err := ts.Parents()
	if err != nil {
		return block.UndefTipSet, err
	}
	height, err := ts.Height()
	if err != nil {
		return block.UndefTipSet, err
	}
	candidates, err := syncer.chainStore.GetTipSetAndStatesByParentsAndHeight(parents, uint64(height))
	if err != nil {
		return block.UndefTipSet, err
	}
	if len(candidates) == 0 {
		return block.UndefTipSet, nil
	}

	widest := candidates[0].TipSet
	for _, c := range candidates {
		if c.TipSet.Len() > widest.Len() {
			widest = c.TipSet
		}
	}

	seen := make(map[cid.Cid]struct{}, ts.Len()+widest.Len())
	blocks := make([]*block.Block, 0, ts.Len()+widest.Len())
	for i := 0; i < ts.Len(); i++ {
		b := ts.At(i)
		c, err := b.Cid()
		if err != nil {
			return block.UndefTipSet, err
		}
		seen[c] = struct{}{}
		blocks = append(blocks, b)
	}
	for i := 0; i < widest.Len(); i++ {
		b := widest.At(i)
		c, err := b.Cid()
		if err != nil {
			return block.UndefTipSet, err
		}
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			blocks = append(blocks, b)
		}
	}

	widened, err := block.NewTipSet(blocks...)
	if err != nil {
		return block.UndefTipSet, err
	}
	if widened.String() == ts.String() || widened.String() == widest.String() {
		return block.UndefTipSet, nil
	}
	return widened, nil
}

func (syncer *Syncer) logReorg(ctx context.Context, curHead, newHead block.TipSet) {
	_, dropped, _, err := chain.FindCommonAncestor(ctx, syncer.chainStore, curHead, newHead)
	if err != nil {
		logSyncer.Warningf("could not determine reorg depth: %s", err)
		return
	}
	if len(dropped) > 0 {
		logSyncer.Infof("reorg: dropping %d tipsets from %s to %s", len(dropped), curHead.String(), newHead.String())
	}
}

func exceedsUntrustedChainLength(curHeight, newHeight uint64) bool {
	return newHeight > curHeight+UntrustedChainHeightLimit
}

func reverse(ts []block.TipSet) {
	for i, j := 0, len(ts)-1; i < j; i, j = i+1, j-1 {
		ts[i], ts[j] = ts[j], ts[i]
	}
}
