package chain

import (
	"strconv"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
)

// TipSetAndState pairs a tipset with the state root resulting from applying
// its messages.
type TipSetAndState struct {
	TipSet          block.TipSet
	TipSetStateRoot cid.Cid
}

// TipIndex is an in-memory index of every tipset the store has processed,
// keyed by tipset identity and, separately, by (parent set, height) — the
// latter lets the follower enumerate every known child of a given tipset
// when comparing competing candidates at the same height.
type TipIndex struct {
	mu sync.RWMutex

	byKey            map[string]*TipSetAndState
	byParentsHeight map[string][]*TipSetAndState
}

// NewTipIndex constructs an empty TipIndex.
func NewTipIndex() *TipIndex {
	return &TipIndex{
		byKey:           make(map[string]*TipSetAndState),
		byParentsHeight: make(map[string][]*TipSetAndState),
	}
}

// Put records tsas, indexed by its own key and by its parent set and height.
func (ti *TipIndex) Put(tsas *TipSetAndState) error {
	height, err := tsas.TipSet.Height()
	if err != nil {
		return err
	}
	parents, err := tsas.TipSet.Parents()
	if err != nil {
		return err
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	key := tsas.TipSet.String()
	ti.byKey[key] = tsas

	phKey := parentsHeightKey(parents.String(), uint64(height))
	for _, existing := range ti.byParentsHeight[phKey] {
		if existing.TipSet.Equals(tsas.TipSet) {
			return nil
		}
	}
	ti.byParentsHeight[phKey] = append(ti.byParentsHeight[phKey], tsas)
	return nil
}

// GetTipSet returns the tipset stored under key.
func (ti *TipIndex) GetTipSet(key string) (block.TipSet, error) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	tsas, ok := ti.byKey[key]
	if !ok {
		return block.UndefTipSet, errors.Errorf("tipset %s not in index", key)
	}
	return tsas.TipSet, nil
}

// GetTipSetStateRoot returns the state root stored under key.
func (ti *TipIndex) GetTipSetStateRoot(key string) (cid.Cid, error) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	tsas, ok := ti.byKey[key]
	if !ok {
		return cid.Undef, errors.Errorf("tipset %s not in index", key)
	}
	return tsas.TipSetStateRoot, nil
}

// Has reports whether key is indexed.
func (ti *TipIndex) Has(key string) bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	_, ok := ti.byKey[key]
	return ok
}

// GetByParentsAndHeight returns every tipset indexed with the given parent
// set and height.
func (ti *TipIndex) GetByParentsAndHeight(parentsKey string, h uint64) ([]*TipSetAndState, error) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.byParentsHeight[parentsHeightKey(parentsKey, h)], nil
}

// HasByParentsAndHeight reports whether any tipset is indexed with the given
// parent set and height.
func (ti *TipIndex) HasByParentsAndHeight(parentsKey string, h uint64) bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return len(ti.byParentsHeight[parentsHeightKey(parentsKey, h)]) > 0
}

func parentsHeightKey(parentsKey string, h uint64) string {
	return parentsKey + "#" + strconv.FormatUint(h, 10)
}
