// Package vm defines the boundary between the chain-following subsystem and
// message execution. StateManager drives a vm.Interpreter to compute the
// state transition for a tipset; the interpreter is a pluggable capability
// so that a full actor/contract VM can be swapped in without touching any
// consensus or sync code.
package vm

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chainerr"
	"github.com/filecoin-project/forest-go/internal/pkg/encoding"
	"github.com/filecoin-project/forest-go/internal/pkg/state"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

// MessageResult is the outcome of applying one message.
type MessageResult struct {
	Receipt *types.MessageReceipt
}

// ApplyResult is the outcome of applying every message in a tipset.
type ApplyResult struct {
	StateRoot    cid.Cid
	ReceiptsRoot cid.Cid
	Results      []MessageResult
	// Failures holds the message cids that were dropped as invalid (a
	// nonce that does not match the sender's, or an unknown sender) rather
	// than producing a receipt; Waiter.receiptFromTipSet consults this to
	// skip them. Insufficient balance yields a receipt with a non-zero exit
	// code, not a failure.
	Failures map[cid.Cid]struct{}
}

// Interpreter executes the messages of a tipset against a parent state
// tree and returns the resulting state and receipts roots.
type Interpreter interface {
	ApplyTipSetMessages(ctx context.Context, parentState cid.Cid, ts block.TipSet, secpMessages [][]*types.SignedMessage, blsMessages [][]*types.UnsignedMessage, ancestors []block.TipSet) (*ApplyResult, error)
}

// Randomness resolves the chain-randomness a VM call needs, typically
// derived from a ticket at a given epoch looking back through ancestors.
type Randomness interface {
	SampleChainRandomness(ctx context.Context, ancestors []block.TipSet, epoch *types.BlockHeight) ([]byte, error)
}

// ValueTransferInterpreter is the reference Interpreter shipped with this
// module: it applies only the built-in value-transfer semantics (nonce
// check, balance debit/credit) and treats any message with a non-empty
// Method as a no-op success. It exists so StateManager has a working,
// deterministic default without depending on a full built-in actor set;
// production deployments wire a complete actor/contract VM behind the same
// Interpreter interface.
type ValueTransferInterpreter struct {
	cst TreeLoader
}

// TreeLoader loads and persists state.Tree values; satisfied by
// state.LoadTree/state.NewTree bound to a particular store.
type TreeLoader interface {
	Load(ctx context.Context, root cid.Cid) (state.Tree, error)
	Empty() state.Tree
}

// NewValueTransferInterpreter constructs the reference interpreter over cst.
func NewValueTransferInterpreter(cst TreeLoader) *ValueTransferInterpreter {
	return &ValueTransferInterpreter{cst: cst}
}

// ApplyTipSetMessages applies every block's messages in order, skipping
// messages whose nonce does not match the sender's expected nonce (treated
// as a duplicate/conflicting message within the tipset, consistent with how
// real tipsets resolve sender-nonce races between blocks).
func (vi *ValueTransferInterpreter) ApplyTipSetMessages(ctx context.Context, parentState cid.Cid, ts block.TipSet, secpMessages [][]*types.SignedMessage, blsMessages [][]*types.UnsignedMessage, ancestors []block.TipSet) (*ApplyResult, error) {
	tree, err := vi.loadOrEmpty(ctx, parentState)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.VMSetup, err, "loading parent state")
	}

	var results []MessageResult
	failures := make(map[cid.Cid]struct{})
	seenNonce := make(map[string]uint64)

	// BLS messages apply before secp messages within each block, per tipset
	// message ordering.
	for _, blockMsgs := range blsMessages {
		for _, um := range blockMsgs {
			c, err := um.Cid()
			if err != nil {
				return nil, err
			}
			receipt, ok, err := vi.applyOne(ctx, tree, um, seenNonce)
			if err != nil {
				return nil, chainerr.Wrap(chainerr.MessageExecution, err, "applying message "+c.String())
			}
			if !ok {
				failures[c] = struct{}{}
				continue
			}
			results = append(results, MessageResult{Receipt: receipt})
		}
	}

	for _, blockMsgs := range secpMessages {
		for _, sm := range blockMsgs {
			c, err := sm.Cid()
			if err != nil {
				return nil, err
			}
			receipt, ok, err := vi.applyOne(ctx, tree, &sm.Message, seenNonce)
			if err != nil {
				return nil, chainerr.Wrap(chainerr.MessageExecution, err, "applying message "+c.String())
			}
			if !ok {
				failures[c] = struct{}{}
				continue
			}
			results = append(results, MessageResult{Receipt: receipt})
		}
	}

	root, err := tree.Flush(ctx)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.IO, err, "flushing state tree")
	}

	receipts := make([]*types.MessageReceipt, len(results))
	for i, r := range results {
		receipts[i] = r.Receipt
	}
	receiptsRoot := types.EmptyReceiptsCID
	if len(receipts) > 0 {
		receiptsRoot, err = fingerprintReceipts(receipts)
		if err != nil {
			return nil, err
		}
	}

	return &ApplyResult{
		StateRoot:    root,
		ReceiptsRoot: receiptsRoot,
		Results:      results,
		Failures:     failures,
	}, nil
}

func (vi *ValueTransferInterpreter) loadOrEmpty(ctx context.Context, root cid.Cid) (state.Tree, error) {
	if !root.Defined() {
		return vi.cst.Empty(), nil
	}
	return vi.cst.Load(ctx, root)
}

func (vi *ValueTransferInterpreter) applyOne(ctx context.Context, tree state.Tree, msg *types.UnsignedMessage, seenNonce map[string]uint64) (*types.MessageReceipt, bool, error) {
	fromKey := msg.From.String()
	fromActor, err := tree.GetActor(ctx, msg.From)
	if err != nil {
		if state.IsActorNotFoundError(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	expected := fromActor.Nonce
	if last, ok := seenNonce[fromKey]; ok {
		expected = last + 1
	}
	if msg.Nonce != expected {
		return nil, false, nil
	}
	seenNonce[fromKey] = msg.Nonce

	if !fromActor.Balance.GreaterOrEqual(msg.Value) {
		return &types.MessageReceipt{ExitCode: 1}, true, nil
	}

	toActor, err := tree.GetActor(ctx, msg.To)
	if err != nil {
		if !state.IsActorNotFoundError(err) {
			return nil, false, err
		}
		toActor = &state.Actor{Balance: types.ZeroAttoFIL}
	}

	fromActor.Nonce = msg.Nonce + 1
	fromActor.Balance = fromActor.Balance.Sub(msg.Value)
	toActor.Balance = toActor.Balance.Add(msg.Value)

	if err := tree.SetActor(ctx, msg.From, fromActor); err != nil {
		return nil, false, err
	}
	if err := tree.SetActor(ctx, msg.To, toActor); err != nil {
		return nil, false, err
	}

	return &types.MessageReceipt{ExitCode: types.Ok}, true, nil
}

func fingerprintReceipts(receipts []*types.MessageReceipt) (cid.Cid, error) {
	return encoding.Fingerprint(receipts)
}
