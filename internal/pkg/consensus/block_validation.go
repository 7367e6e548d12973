package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/clock"
	"github.com/filecoin-project/forest-go/internal/pkg/crypto"
	"github.com/filecoin-project/forest-go/internal/pkg/encoding"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
	"github.com/filecoin-project/forest-go/internal/pkg/version"
)

// DefaultBlockTime is the expected interval between blocks at a single
// height, used to validate that a child is not mined implausibly soon after
// its parent.
const DefaultBlockTime = 30 * time.Second

// BlockValidator defines an interface used to validate a blocks syntax and
// semantics.
type BlockValidator interface {
	BlockSemanticValidator
	BlockSyntaxValidator
}

// SyntaxValidator defines and interface used to validate block's syntax and the
// syntax of constituent messages
type SyntaxValidator interface {
	BlockSyntaxValidator
	MessageSyntaxValidator
}

// BlockSemanticValidator defines an interface used to validate a blocks
// semantics.
type BlockSemanticValidator interface {
	ValidateSemantic(ctx context.Context, child *block.Block, parents *block.TipSet, parentWeight uint64) error
}

// BlockSyntaxValidator defines an interface used to validate a blocks
// syntax.
type BlockSyntaxValidator interface {
	ValidateSyntax(ctx context.Context, blk *block.Block) error
}

// MessageSyntaxValidator defines an interface used to validate collections
// of messages and receipts syntax
type MessageSyntaxValidator interface {
	ValidateMessagesSyntax(ctx context.Context, messages []*types.SignedMessage) error
	ValidateUnsignedMessagesSyntax(ctx context.Context, messages []*types.UnsignedMessage) error
	ValidateReceiptsSyntax(ctx context.Context, receipts []*types.MessageReceipt) error
}

// MessageRootValidator defines an interface used to check that a block's
// actually-fetched message collections match what its header commits to,
// and that the BLS-aggregate/secp-individual signatures covering them are
// internally consistent with the message counts.
type MessageRootValidator interface {
	ValidateMessages(ctx context.Context, blk *block.Block, secpMessages []*types.SignedMessage, blsMessages []*types.UnsignedMessage) error
}

// BeaconEntryValidator defines an interface used to check that a block's
// beacon entries chain validly from its parent's.
type BeaconEntryValidator interface {
	ValidateBeaconEntries(ctx context.Context, child *block.Block, parent *block.Block) error
}

// DefaultBlockValidator implements the BlockValidator interface.
type DefaultBlockValidator struct {
	clock.Clock
	blockTime time.Duration
	pvt       *version.ProtocolVersionTable
}

// NewDefaultBlockValidator returns a new DefaultBlockValidator. It uses `blkTime`
// to validate blocks and the clock `c` as its source of the current time.
func NewDefaultBlockValidator(blkTime time.Duration, c clock.Clock, pvt *version.ProtocolVersionTable) *DefaultBlockValidator {
	return &DefaultBlockValidator{
		Clock:     c,
		blockTime: blkTime,
		pvt:       pvt,
	}
}

// ValidateSemantic validates a block is correctly derived from its parent.
func (dv *DefaultBlockValidator) ValidateSemantic(ctx context.Context, child *block.Block, parents *block.TipSet, parentWeight uint64) error {
	pmin, err := parents.MinTimestamp()
	if err != nil {
		return err
	}

	ph, err := parents.Height()
	if err != nil {
		return err
	}

	parentVersion, err := dv.pvt.VersionAt(types.NewBlockHeight(uint64(ph)))
	if err != nil {
		return err
	}
	// Protocol version 1 upgrade introduces validation of the weight field
	// on the header.  During protocol version 0 validators do not validate
	// that the parent weight written to the header actually corresponds to
	// the weight measured by the validators.  Introducing this check
	// prevents a validator from writing arbitrary parent weight values
	// into a header and trivially generating the heaviest chain.
	if parentVersion >= version.Protocol1 {
		// Protocol Version 1 upgrade
		if uint64(child.ParentWeight) != parentWeight {
			return fmt.Errorf("block %s has invalid parent weight %d", child.String(), parentWeight)
		}
	}

	if uint64(child.Height) <= uint64(ph) {
		return fmt.Errorf("block %s has invalid height %d", child.String(), child.Height)
	}

	// check that child is appropriately delayed from its parents including
	// null blocks.
	// TODO replace check on height when #2222 lands
	limit := uint64(pmin) + uint64(dv.BlockTime().Seconds())*(uint64(child.Height)-uint64(ph))
	if uint64(child.Timestamp) < limit {
		return fmt.Errorf("block %s with timestamp %d generated too far past parent, expected timestamp >= %d", child.String(), child.Timestamp, limit)
	}
	return nil
}

// ValidateSyntax validates a single block is correctly formed.
// TODO this is an incomplete implementation #3277
func (dv *DefaultBlockValidator) ValidateSyntax(ctx context.Context, blk *block.Block) error {
	// TODO special handling for genesis block #3121
	if blk.Height == 0 {
		return nil
	}
	now := uint64(dv.Now().Unix())
	if uint64(blk.Timestamp) > now {
		return fmt.Errorf("block %s with timestamp %d generate in future at time %d", blk.String(), blk.Timestamp, now)
	}
	if !blk.StateRoot.Defined() {
		return fmt.Errorf("block %s has nil StateRoot", blk.String())
	}
	if blk.Miner.Empty() {
		return fmt.Errorf("block %s has nil miner address", blk.String())
	}
	if len(blk.Ticket.VRFProof) == 0 {
		return fmt.Errorf("block %s has nil ticket", blk.String())
	}
	if blk.ElectionProof == nil || blk.ElectionProof.WinCount <= 0 || len(blk.ElectionProof.VRFProof) == 0 {
		return fmt.Errorf("block %s has an invalid election proof", blk.String())
	}
	if len(blk.WinPoStProof) == 0 {
		return fmt.Errorf("block %s has no winning PoSt proof", blk.String())
	}
	for i, p := range blk.WinPoStProof {
		if len(p) == 0 {
			return fmt.Errorf("block %s has an empty winning PoSt proof at index %d", blk.String(), i)
		}
	}
	if len(blk.BlockSig) == 0 {
		return fmt.Errorf("block %s has no block signature", blk.String())
	}

	return nil
}

// BlockTime returns the block time the DefaultBlockValidator uses to validate
/// blocks against.
func (dv *DefaultBlockValidator) BlockTime() time.Duration {
	return dv.blockTime
}

// ValidateMessagesSyntax validates that each secp-signed message's
// signature was produced by its claimed sender.
func (dv *DefaultBlockValidator) ValidateMessagesSyntax(ctx context.Context, messages []*types.SignedMessage) error {
	for i, sm := range messages {
		raw, err := encoding.Encode(&sm.Message)
		if err != nil {
			return fmt.Errorf("message %d: %s", i, err)
		}
		ok, err := crypto.VerifySecp256k1(sm.Message.From, crypto.HashForSigning(raw), sm.Signature)
		if err != nil {
			return fmt.Errorf("message %d: %s", i, err)
		}
		if !ok {
			return fmt.Errorf("message %d has an invalid secp256k1 signature", i)
		}
	}
	return nil
}

// ValidateUnsignedMessagesSyntax validates the structural shape of the
// BLS-signed messages a block carries. The signatures themselves are
// verified in aggregate (BLSAggregateSig), not individually; verifying
// that aggregate needs a bls12-381 pairing library, which is not present
// anywhere in this module's dependency pack (see DESIGN.md).
func (dv *DefaultBlockValidator) ValidateUnsignedMessagesSyntax(ctx context.Context, messages []*types.UnsignedMessage) error {
	for i, um := range messages {
		if um.From.Empty() {
			return fmt.Errorf("bls message %d has an empty sender", i)
		}
		if um.To.Empty() {
			return fmt.Errorf("bls message %d has an empty recipient", i)
		}
	}
	return nil
}

// ValidateReceiptsSyntax validates a set of receipts are correctly formed.
func (dv *DefaultBlockValidator) ValidateReceiptsSyntax(ctx context.Context, receipts []*types.MessageReceipt) error {
	for i, r := range receipts {
		if r == nil {
			return fmt.Errorf("receipt %d is nil", i)
		}
	}
	return nil
}

// ValidateMessages checks that a block's actually-fetched secp- and
// BLS-message collections fingerprint to the roots its header (Messages)
// commits to, that every secp message's signature verifies, and that the
// presence of a BLS aggregate signature is consistent with whether the
// block carries any BLS messages at all.
func (dv *DefaultBlockValidator) ValidateMessages(ctx context.Context, blk *block.Block, secpMessages []*types.SignedMessage, blsMessages []*types.UnsignedMessage) error {
	if err := dv.ValidateMessagesSyntax(ctx, secpMessages); err != nil {
		return fmt.Errorf("block %s: %s", blk.String(), err)
	}
	if err := dv.ValidateUnsignedMessagesSyntax(ctx, blsMessages); err != nil {
		return fmt.Errorf("block %s: %s", blk.String(), err)
	}

	secpRoot, err := encoding.Fingerprint(secpMessages)
	if err != nil {
		return err
	}
	if !secpRoot.Equals(blk.Messages.SecpRoot) {
		return fmt.Errorf("block %s secp messages root %s does not match header root %s", blk.String(), secpRoot, blk.Messages.SecpRoot)
	}

	blsRoot, err := encoding.Fingerprint(blsMessages)
	if err != nil {
		return err
	}
	if !blsRoot.Equals(blk.Messages.BLSRoot) {
		return fmt.Errorf("block %s bls messages root %s does not match header root %s", blk.String(), blsRoot, blk.Messages.BLSRoot)
	}

	if len(blsMessages) > 0 && len(blk.BLSAggregateSig) == 0 {
		return fmt.Errorf("block %s carries bls messages but no aggregate signature", blk.String())
	}
	if len(blsMessages) == 0 && len(blk.BLSAggregateSig) != 0 {
		return fmt.Errorf("block %s carries an aggregate signature but no bls messages", blk.String())
	}

	return nil
}

// ValidateBeaconEntries checks that child's beacon entries form a valid
// chain continuing from parent's latest entry: rounds strictly increase
// and every entry carries randomness data. parent may be nil only for the
// genesis block's child.
func (dv *DefaultBlockValidator) ValidateBeaconEntries(ctx context.Context, child *block.Block, parent *block.Block) error {
	if child.Height == 0 {
		return nil
	}
	if len(child.BeaconEntries) == 0 {
		return fmt.Errorf("block %s has no beacon entries", child.String())
	}

	prevRound := uint64(0)
	if parent != nil && len(parent.BeaconEntries) > 0 {
		prevRound = parent.BeaconEntries[len(parent.BeaconEntries)-1].Round
	}
	for _, e := range child.BeaconEntries {
		if e.Round <= prevRound {
			return fmt.Errorf("block %s beacon entry round %d does not advance past %d", child.String(), e.Round, prevRound)
		}
		if len(e.Data) == 0 {
			return fmt.Errorf("block %s beacon entry at round %d has no randomness data", child.String(), e.Round)
		}
		prevRound = e.Round
	}
	return nil
}
