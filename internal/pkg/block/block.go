// Package block defines the block header and tipset types that make up the
// Forest-Go chain: the unit a miner produces (Block) and the unit the chain
// follower actually tracks (TipSet, a set of blocks sharing a height and
// parent set).
package block

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/encoding"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

// VRFPi is a VRF proof, the randomness beacon output a ticket commits to.
type VRFPi []byte

// Ticket is a winning ticket for block production, a VRF output over the
// parent tipset's randomness.
type Ticket struct {
	VRFProof VRFPi
}

// PoStProof is an opaque proof-of-spacetime blob, carried but not verified
// by the chain-following subsystem (proof verification is the storage
// subsystem's concern, out of scope here).
type PoStProof []byte

// ElectionProof is a miner's VRF-backed proof that it won the right to
// produce a block at this epoch. WinCount is how many of the epoch's
// leader-election tickets the miner won, scaling its block reward share.
type ElectionProof struct {
	WinCount int64
	VRFProof VRFPi
}

// BeaconEntry is one round of the drand randomness beacon referenced by a
// block header, used to derive verifiable per-epoch randomness independent
// of any single miner's ticket. Round is monotonically increasing; a
// header's BeaconEntries must chain from the previous block's latest round.
type BeaconEntry struct {
	Round uint64
	Data  []byte
}

// Block is a block header: the metadata a miner produces and gossips, without
// the message bodies themselves (those are fetched and verified separately
// via the TxMeta roots).
type Block struct {
	Miner   address.Address
	Ticket  Ticket
	Parents TipSetKey
	Height  types.Uint64

	ParentWeight types.Uint64

	Messages        types.TxMeta
	MessageReceipts cid.Cid

	// BLSAggregateSig aggregates the signatures of all BLS-signed messages
	// referenced by Messages.BLSRoot.
	BLSAggregateSig []byte

	// ElectionProof backs this block's claim to the epoch; nil only for the
	// genesis block.
	ElectionProof *ElectionProof
	// BeaconEntries carries every beacon round advanced since the parent
	// tipset, in increasing Round order.
	BeaconEntries []*BeaconEntry
	// WinPoStProof is the winning proof-of-spacetime over the sectors this
	// election was won with; plural because a miner's power may be spread
	// across more than one proof partition.
	WinPoStProof []PoStProof

	StateRoot cid.Cid
	Timestamp types.Uint64

	// BlockSig signs the header's fingerprint, computed with this field
	// cleared, using the miner's worker key; nil only for the genesis block.
	BlockSig []byte
}

// Cid computes the block's fingerprint.
func (b *Block) Cid() (cid.Cid, error) {
	return encoding.Fingerprint(b)
}

// ToNode is retained for compatibility with IPLD-consuming code; it returns
// the block's canonical CBOR encoding.
func (b *Block) ToNode() ([]byte, error) {
	return encoding.Encode(b)
}

// String renders the block's cid, or a placeholder if it cannot be computed.
func (b *Block) String() string {
	c, err := b.Cid()
	if err != nil {
		return "<invalid block>"
	}
	return c.String()
}

// DecodeBlock decodes bytes produced by encoding.Encode(*Block) into a Block.
func DecodeBlock(raw []byte) (*Block, error) {
	var b Block
	if err := encoding.Decode(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// TipSetKey is an unordered set of block cids forming a tipset identity.
// The canonical ordering is sorted-by-string, so two key values built from
// the same block set compare equal regardless of construction order.
type TipSetKey struct {
	cids []cid.Cid
}

// NewTipSetKey builds a key from the given cids, sorting them canonically.
func NewTipSetKey(cids ...cid.Cid) TipSetKey {
	sorted := append([]cid.Cid{}, cids...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].KeyString() < sorted[j].KeyString()
	})
	return TipSetKey{cids: sorted}
}

// Empty reports whether the key references no blocks (i.e. is the genesis
// parent key).
func (k TipSetKey) Empty() bool {
	return len(k.cids) == 0
}

// Cids returns the sorted member cids.
func (k TipSetKey) Cids() []cid.Cid {
	return append([]cid.Cid{}, k.cids...)
}

// Len reports the number of blocks referenced.
func (k TipSetKey) Len() int {
	return len(k.cids)
}

// String renders the key as a space-joined list of block cid strings.
func (k TipSetKey) String() string {
	parts := make([]string, len(k.cids))
	for i, c := range k.cids {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

// Equals reports whether two keys reference the same block set.
func (k TipSetKey) Equals(other TipSetKey) bool {
	return k.String() == other.String()
}

// Iterator walks the cids of a TipSetKey in canonical order.
type Iterator struct {
	cids []cid.Cid
	pos  int
}

// Iter returns an iterator over the key's member cids.
func (k TipSetKey) Iter() Iterator {
	return Iterator{cids: k.cids}
}

// Complete reports whether the iterator is exhausted.
func (it Iterator) Complete() bool {
	return it.pos >= len(it.cids)
}

// Next advances the iterator.
func (it *Iterator) Next() {
	it.pos++
}

// Value returns the cid at the iterator's current position.
func (it Iterator) Value() cid.Cid {
	return it.cids[it.pos]
}

// TipSet is a set of blocks at the same height with identical parents,
// ordered by ticket for deterministic iteration (the order consensus uses to
// break ties between blocks of a tipset).
type TipSet struct {
	blocks []*Block
	key    TipSetKey
}

// UndefTipSet is the zero-value, undefined tipset (the implicit parent of
// genesis).
var UndefTipSet = TipSet{}

// NewTipSet builds a tipset from blocks, which must be non-empty, share a
// height and parent set, and have distinct tickets.
func NewTipSet(blocks ...*Block) (TipSet, error) {
	if len(blocks) == 0 {
		return UndefTipSet, errors.New("tipset must have at least one block")
	}
	first := blocks[0]
	cids := make([]cid.Cid, len(blocks))
	for i, b := range blocks {
		if b.Height != first.Height {
			return UndefTipSet, errors.Errorf("inconsistent block heights %d and %d", first.Height, b.Height)
		}
		if !b.Parents.Equals(first.Parents) {
			return UndefTipSet, errors.New("inconsistent block parents")
		}
		c, err := b.Cid()
		if err != nil {
			return UndefTipSet, err
		}
		cids[i] = c
	}
	sorted := append([]*Block{}, blocks...)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i].Ticket.VRFProof) < string(sorted[j].Ticket.VRFProof)
	})
	return TipSet{blocks: sorted, key: NewTipSetKey(cids...)}, nil
}

// Defined reports whether the tipset has at least one block.
func (ts TipSet) Defined() bool {
	return len(ts.blocks) > 0
}

// Len returns the number of blocks in the tipset.
func (ts TipSet) Len() int {
	return len(ts.blocks)
}

// At returns the i'th block in ticket order.
func (ts TipSet) At(i int) *Block {
	return ts.blocks[i]
}

// ToSlice returns the tipset's blocks in ticket order.
func (ts TipSet) ToSlice() []*Block {
	return append([]*Block{}, ts.blocks...)
}

// Key returns the tipset's identity.
func (ts TipSet) Key() TipSetKey {
	return ts.key
}

// Height returns the tipset's epoch.
func (ts TipSet) Height() (types.Uint64, error) {
	if !ts.Defined() {
		return 0, errors.New("undefined tipset has no height")
	}
	return ts.blocks[0].Height, nil
}

// Parents returns the tipset's parent key.
func (ts TipSet) Parents() (TipSetKey, error) {
	if !ts.Defined() {
		return TipSetKey{}, errors.New("undefined tipset has no parents")
	}
	return ts.blocks[0].Parents, nil
}

// MinTimestamp returns the earliest timestamp among the tipset's blocks.
func (ts TipSet) MinTimestamp() (uint64, error) {
	if !ts.Defined() {
		return 0, errors.New("undefined tipset has no timestamp")
	}
	min := uint64(ts.blocks[0].Timestamp)
	for _, b := range ts.blocks[1:] {
		if uint64(b.Timestamp) < min {
			min = uint64(b.Timestamp)
		}
	}
	return min, nil
}

// ParentWeight returns the accumulated chain weight of the tipset's parents.
func (ts TipSet) ParentWeight() (uint64, error) {
	if !ts.Defined() {
		return 0, errors.New("undefined tipset has no parent weight")
	}
	return uint64(ts.blocks[0].ParentWeight), nil
}

// String renders the tipset as its key.
func (ts TipSet) String() string {
	return ts.key.String()
}

// Equals reports whether two tipsets contain the same blocks.
func (ts TipSet) Equals(other TipSet) bool {
	return ts.key.Equals(other.key)
}

// ChainInfo describes a candidate chain head learned from a peer, carrying
// enough context for the follower to decide whether to pursue it.
type ChainInfo struct {
	Source interface{ String() string }
	Head   TipSetKey
	Height types.Uint64
}

// String renders the ChainInfo for logging.
func (ci ChainInfo) String() string {
	src := "<unknown>"
	if ci.Source != nil {
		src = ci.Source.String()
	}
	return fmt.Sprintf("{source: %s, height: %d, head: %s}", src, ci.Height, ci.Head)
}
