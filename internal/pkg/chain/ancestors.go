package chain

import (
	"context"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

// TipsetIterator walks a chain from a starting tipset back towards genesis,
// one parent generation at a time.
type TipsetIterator struct {
	ctx      context.Context
	provider TipSetProvider
	value    block.TipSet
	err      error
}

// IterAncestors returns an iterator starting at start and walking back
// through parents via provider.
func IterAncestors(ctx context.Context, provider TipSetProvider, start block.TipSet) *TipsetIterator {
	return &TipsetIterator{ctx: ctx, provider: provider, value: start}
}

// Value returns the iterator's current tipset.
func (it *TipsetIterator) Value() block.TipSet {
	return it.value
}

// Complete reports whether iteration has reached genesis's undefined parent,
// or failed.
func (it *TipsetIterator) Complete() bool {
	return !it.value.Defined() || it.err != nil
}

// Next advances the iterator to the current tipset's parent.
func (it *TipsetIterator) Next() error {
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return err
	}
	parentKey, err := it.value.Parents()
	if err != nil {
		it.err = err
		return err
	}
	if parentKey.Empty() {
		it.value = block.UndefTipSet
		return nil
	}
	parent, err := it.provider.GetTipSet(parentKey)
	if err != nil {
		it.err = err
		return err
	}
	it.value = parent
	return nil
}

// GetRecentAncestors returns the chain of tipsets from start back to (and
// including) the tipset at minHeight, used to assemble the ancestor window a
// VM execution needs for chain-randomness lookups.
func GetRecentAncestors(ctx context.Context, start block.TipSet, provider TipSetProvider, minHeight *types.BlockHeight) ([]block.TipSet, error) {
	var out []block.TipSet
	var err error
	for it := IterAncestors(ctx, provider, start); !it.Complete(); err = it.Next() {
		if err != nil {
			return nil, err
		}
		h, err := it.Value().Height()
		if err != nil {
			return nil, err
		}
		out = append(out, it.Value())
		if !types.NewBlockHeight(uint64(h)).GreaterThan(minHeight) {
			break
		}
	}
	return out, nil
}

// FindCommonAncestor returns the highest tipset that is an ancestor of both
// a and b, along with the walked portion of each chain (in descending
// height order, i.e. aChain[0]/bChain[0] are a/b themselves). aChain stops
// just above the common ancestor; bChain ends with the common ancestor
// itself.
func FindCommonAncestor(ctx context.Context, provider TipSetProvider, a, b block.TipSet) (common block.TipSet, aChain, bChain []block.TipSet, err error) {
	aAncestors := map[string]block.TipSet{a.String(): a}
	aChain = []block.TipSet{a}
	cur := a
	for {
		parentKey, err := cur.Parents()
		if err != nil {
			return block.UndefTipSet, nil, nil, err
		}
		if parentKey.Empty() {
			break
		}
		parent, err := provider.GetTipSet(parentKey)
		if err != nil {
			return block.UndefTipSet, nil, nil, err
		}
		aAncestors[parent.String()] = parent
		aChain = append(aChain, parent)
		cur = parent
	}

	cur = b
	bChain = []block.TipSet{b}
	for {
		if ancestor, ok := aAncestors[cur.String()]; ok {
			common = ancestor
			break
		}
		parentKey, err := cur.Parents()
		if err != nil {
			return block.UndefTipSet, nil, nil, err
		}
		if parentKey.Empty() {
			return block.UndefTipSet, nil, nil, errNoCommonAncestor
		}
		parent, err := provider.GetTipSet(parentKey)
		if err != nil {
			return block.UndefTipSet, nil, nil, err
		}
		bChain = append(bChain, parent)
		cur = parent
	}

	for i, ts := range aChain {
		if ts.Equals(common) {
			aChain = aChain[:i]
			break
		}
	}
	return common, aChain, bChain, nil
}

// IsReorg reports whether adopting candidate as head instead of current
// would revert any tipset (i.e. candidate's chain does not extend current).
func IsReorg(ctx context.Context, provider TipSetProvider, current, candidate block.TipSet) (bool, error) {
	_, dropped, _, err := FindCommonAncestor(ctx, provider, current, candidate)
	if err != nil {
		return false, err
	}
	return len(dropped) > 0, nil
}

var errNoCommonAncestor = &noCommonAncestorError{}

type noCommonAncestorError struct{}

func (*noCommonAncestorError) Error() string { return "chains share no common ancestor" }
