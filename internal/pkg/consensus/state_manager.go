package consensus

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	"github.com/filecoin-project/forest-go/internal/pkg/chainerr"
	"github.com/filecoin-project/forest-go/internal/pkg/state"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
	"github.com/filecoin-project/forest-go/internal/pkg/version"
	"github.com/filecoin-project/forest-go/internal/pkg/vm"
)

var logStateManager = logging.Logger("consensus.statemanager")

// AncestorRoundsNeeded bounds how far back search_message and chain
// randomness sampling are willing to walk looking for a message receipt or
// ancestor tipset before giving up: 2880 epochs, one day at a 30-second
// block delay and longer than the 900-epoch mainnet finality window.
const AncestorRoundsNeeded = 2880

// Migration is a pure function taking the state tree rooted at pre to the
// state tree rooted at the returned cid, run exactly once when a tipset
// crosses the migration's registered boundary epoch.
type Migration func(ctx context.Context, pre cid.Cid) (cid.Cid, error)

// migrationEntry pairs a migration with the height at which it runs.
type migrationEntry struct {
	height uint64
	fn     Migration
}

// MessageLookup is the result of search_message: the tipset the message was
// included in and the receipt its execution produced.
type MessageLookup struct {
	TipSet  block.TipSet
	Receipt *types.MessageReceipt
}

// ChainReader is the subset of chain.Store the StateManager needs to walk
// ancestors and resolve tipsets by key.
type ChainReader interface {
	chain.TipSetProvider
	GetTipSetStateRoot(key block.TipSetKey) (cid.Cid, error)
	GenesisCid() cid.Cid
}

// StateManager drives VM execution to compute and cache the state
// transition of each tipset, and answers point queries (actor lookups,
// message search, speculative calls) against any tipset's resulting state.
// It owns no bytes itself: all persistent data lives in the blockstore
// behind the capability handles passed to its constructor.
type StateManager struct {
	chainReader  ChainReader
	messages     chain.MessageProvider
	treeLoader   vm.TreeLoader
	engines      *version.ProtocolVersionTable
	cache        *TipsetStateCache
	interpreters map[version.ProtocolVersion]vm.Interpreter

	mu         sync.Mutex
	migrations []migrationEntry
}

// NewStateManager constructs a StateManager. interpreters maps each
// protocol version this node supports to the VM engine variant that
// executes it; engines selects which version is active at a given epoch.
func NewStateManager(chainReader ChainReader, messages chain.MessageProvider, treeLoader vm.TreeLoader, engines *version.ProtocolVersionTable, interpreters map[version.ProtocolVersion]vm.Interpreter) *StateManager {
	return &StateManager{
		chainReader:  chainReader,
		messages:     messages,
		treeLoader:   treeLoader,
		engines:      engines,
		interpreters: interpreters,
		cache:        NewTipsetStateCache(256),
	}
}

// RegisterMigration registers a migration to run exactly once the first
// time a tipset's height crosses the given boundary.
func (sm *StateManager) RegisterMigration(boundaryHeight uint64, fn Migration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.migrations = append(sm.migrations, migrationEntry{height: boundaryHeight, fn: fn})
}

// TipsetState returns the (state_root, receipts_root) for ts, computing it
// via the TipsetStateCache if not already known. Concurrent callers for the
// same tipset share a single underlying computation.
func (sm *StateManager) TipsetState(ctx context.Context, ts block.TipSet) (cid.Cid, cid.Cid, error) {
	key := ts.String()
	res, err := sm.cache.ComputeOrWait(key, func() (StateResult, error) {
		return sm.computeTipsetState(ctx, ts)
	})
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	return res.StateRoot, res.ReceiptsRoot, nil
}

func (sm *StateManager) computeTipsetState(ctx context.Context, ts block.TipSet) (StateResult, error) {
	result, err := sm.applyTipSet(ctx, ts)
	if err != nil {
		return StateResult{}, err
	}
	logStateManager.Debugf("computed state for %s: root=%s receipts=%s", ts, result.StateRoot, result.ReceiptsRoot)
	return StateResult{StateRoot: result.StateRoot, ReceiptsRoot: result.ReceiptsRoot}, nil
}

// ApplyTipSet runs the full execution protocol for ts and returns the
// per-message results and receipts root, without going through the
// TipsetStateCache. It is used by callers (such as the message waiter) that
// need the individual message receipts rather than just the aggregate
// roots a cached tipset_state call exposes.
func (sm *StateManager) ApplyTipSet(ctx context.Context, ts block.TipSet) (*vm.ApplyResult, error) {
	return sm.applyTipSet(ctx, ts)
}

func (sm *StateManager) applyTipSet(ctx context.Context, ts block.TipSet) (*vm.ApplyResult, error) {
	h, err := ts.Height()
	if err != nil {
		return nil, err
	}

	var parentRoot cid.Cid
	parentsKey, err := ts.Parents()
	if err != nil {
		return nil, err
	}
	if parentsKey.Empty() {
		parentRoot = cid.Undef
	} else {
		parentRoot, err = sm.chainReader.GetTipSetStateRoot(parentsKey)
		if err != nil {
			return nil, chainerr.Wrap(chainerr.Consistency, err, "loading parent state root")
		}
	}

	parentRoot, err = sm.runMigrations(ctx, uint64(h), parentRoot)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.Migration, err, "running migrations")
	}

	pv, err := sm.engines.VersionAt(types.NewBlockHeight(uint64(h)))
	if err != nil {
		return nil, chainerr.Wrap(chainerr.VMSetup, err, "selecting protocol version")
	}
	interp, ok := sm.interpreters[pv]
	if !ok {
		return nil, chainerr.New(chainerr.VMSetup, "no VM engine registered for protocol version")
	}

	ancestors, err := chain.GetRecentAncestors(ctx, ts, sm.chainReader, types.NewBlockHeight(subFloor(uint64(h), AncestorRoundsNeeded)))
	if err != nil {
		return nil, chainerr.Wrap(chainerr.IO, err, "gathering ancestors")
	}

	var secp [][]*types.SignedMessage
	var bls [][]*types.UnsignedMessage
	for i := 0; i < ts.Len(); i++ {
		blk := ts.At(i)
		s, b, err := sm.messages.LoadMessages(ctx, blk.Messages)
		if err != nil {
			return nil, chainerr.Wrap(chainerr.IO, err, "loading block messages")
		}
		secp = append(secp, s)
		bls = append(bls, b)
	}

	return interp.ApplyTipSetMessages(ctx, parentRoot, ts, secp, bls, ancestors)
}

// runMigrations applies, in ascending boundary order, every registered
// migration whose boundary height equals h, exactly once.
func (sm *StateManager) runMigrations(ctx context.Context, h uint64, root cid.Cid) (cid.Cid, error) {
	sm.mu.Lock()
	migrations := make([]migrationEntry, len(sm.migrations))
	copy(migrations, sm.migrations)
	sm.mu.Unlock()

	for _, m := range migrations {
		if m.height != h {
			continue
		}
		var err error
		root, err = m.fn(ctx, root)
		if err != nil {
			return cid.Undef, err
		}
	}
	return root, nil
}

// LookupActor resolves address a in the state tree ts resolves to.
func (sm *StateManager) LookupActor(ctx context.Context, ts block.TipSet, a address.Address) (*state.Actor, error) {
	root, _, err := sm.TipsetState(ctx, ts)
	if err != nil {
		return nil, err
	}
	tree, err := sm.treeLoader.Load(ctx, root)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.IO, err, "loading state tree")
	}
	actor, err := tree.GetActor(ctx, a)
	if err != nil {
		if state.IsActorNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	return actor, nil
}

// Call speculatively executes msg against ts's resulting state without
// persisting any change; used for read-only contract queries.
func (sm *StateManager) Call(ctx context.Context, ts block.TipSet, msg *types.UnsignedMessage) (*types.MessageReceipt, error) {
	root, _, err := sm.TipsetState(ctx, ts)
	if err != nil {
		return nil, err
	}
	h, err := ts.Height()
	if err != nil {
		return nil, err
	}
	pv, err := sm.engines.VersionAt(types.NewBlockHeight(uint64(h)))
	if err != nil {
		return nil, chainerr.Wrap(chainerr.VMSetup, err, "selecting protocol version")
	}
	interp, ok := sm.interpreters[pv]
	if !ok {
		return nil, chainerr.New(chainerr.VMSetup, "no VM engine registered for protocol version")
	}
	ancestors, err := chain.GetRecentAncestors(ctx, ts, sm.chainReader, types.NewBlockHeight(subFloor(uint64(h), AncestorRoundsNeeded)))
	if err != nil {
		return nil, chainerr.Wrap(chainerr.IO, err, "gathering ancestors")
	}
	result, err := interp.ApplyTipSetMessages(ctx, root, ts, [][]*types.SignedMessage{{{Message: *msg}}}, nil, ancestors)
	if err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, chainerr.New(chainerr.MessageExecution, "speculative call produced no receipt")
	}
	return result.Results[0].Receipt, nil
}

// SearchMessage walks backward from "from" looking for a tipset whose
// messages include a message with fingerprint fp, stopping at "to" or
// AncestorRoundsNeeded tipsets back, whichever comes first.
func (sm *StateManager) SearchMessage(ctx context.Context, from, to block.TipSet, fp cid.Cid) (*MessageLookup, error) {
	cur := from
	for i := 0; i < AncestorRoundsNeeded; i++ {
		if !cur.Defined() {
			return nil, nil
		}
		for j := 0; j < cur.Len(); j++ {
			blk := cur.At(j)
			secp, bls, err := sm.messages.LoadMessages(ctx, blk.Messages)
			if err != nil {
				return nil, chainerr.Wrap(chainerr.IO, err, "loading messages")
			}
			idx, found := indexOfMessage(secp, bls, fp)
			if found {
				receipts, err := sm.messages.LoadReceipts(ctx, blk.MessageReceipts)
				if err != nil {
					return nil, chainerr.Wrap(chainerr.IO, err, "loading receipts")
				}
				if idx >= len(receipts) {
					return nil, chainerr.New(chainerr.Consistency, "message index out of range of receipts")
				}
				return &MessageLookup{TipSet: cur, Receipt: receipts[idx]}, nil
			}
		}
		if to.Defined() && cur.Equals(to) {
			return nil, nil
		}
		parentKey, err := cur.Parents()
		if err != nil {
			return nil, err
		}
		if parentKey.Empty() {
			return nil, nil
		}
		cur, err = sm.chainReader.GetTipSet(parentKey)
		if err != nil {
			return nil, chainerr.Wrap(chainerr.IO, err, "loading ancestor tipset")
		}
	}
	return nil, nil
}

func indexOfMessage(secp []*types.SignedMessage, bls []*types.UnsignedMessage, fp cid.Cid) (int, bool) {
	idx := 0
	for _, m := range bls {
		c, err := m.Cid()
		if err == nil && c.Equals(fp) {
			return idx, true
		}
		idx++
	}
	for _, m := range secp {
		c, err := m.Cid()
		if err == nil && c.Equals(fp) {
			return idx, true
		}
		idx++
	}
	return 0, false
}

func subFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
