package chain

import (
	"context"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chainerr"
	"github.com/filecoin-project/forest-go/internal/pkg/encoding"
)

// NewHeadTopic is the pubsub topic new-head events are published on.
const NewHeadTopic = "new-head"

var logStore = logging.Logger("chain.store")

var headKey = datastore.NewKey("/chain/head")

func stateRootKey(tsKey string) datastore.Key {
	return datastore.NewKey("/chain/stateroot/" + tsKey)
}

// Store indexes every validated tipset the node has seen, tracks the
// current head, and publishes a pubsub event on every head change. It is
// the chain subsystem's single source of truth for "what tipsets exist and
// what state do they resolve to" — it does not itself perform validation or
// state computation, only records their results.
type Store struct {
	bs bstore.Blockstore
	ds datastore.Datastore

	genesis cid.Cid

	mu   sync.RWMutex
	head block.TipSet

	headEvents *pubsub.PubSub
	tipIndex   *TipIndex
}

// NewStore constructs a Store backed by bs/ds, rooted at genesisCid.
func NewStore(ds datastore.Datastore, bs bstore.Blockstore, genesisCid cid.Cid) *Store {
	return &Store{
		bs:         bs,
		ds:         ds,
		genesis:    genesisCid,
		headEvents: pubsub.New(128),
		tipIndex:   NewTipIndex(),
	}
}

// Load rebuilds the store's in-memory index by walking backward from the
// head recorded on disk to genesis. It does not re-validate any tipset; it
// trusts that only validated tipsets were ever given to PutTipSetAndState.
func (store *Store) Load(ctx context.Context) error {
	store.tipIndex = NewTipIndex()

	headKeyVal, err := store.loadHeadKey()
	if err != nil {
		return err
	}
	headTs, err := store.loadTipSetBlocks(ctx, headKeyVal)
	if err != nil {
		return errors.Wrap(err, "loading head tipset")
	}

	var genesisTs block.TipSet
	provider := tipSetProviderFromBlocks{store}
	for it := IterAncestors(ctx, provider, headTs); !it.Complete(); err = it.Next() {
		if err != nil {
			return err
		}
		root, err := store.loadStateRoot(it.Value())
		if err != nil {
			return err
		}
		if err := store.PutTipSetAndState(ctx, &TipSetAndState{TipSet: it.Value(), TipSetStateRoot: root}); err != nil {
			return err
		}
		genesisTs = it.Value()
	}
	if genesisTs.Len() != 1 {
		return errors.Errorf("load terminated with %d-block tipset, expected 1-block genesis", genesisTs.Len())
	}
	genesisCid, err := genesisTs.At(0).Cid()
	if err != nil {
		return err
	}
	if !genesisCid.Equals(store.genesis) {
		return errors.Errorf("loaded genesis %s does not match expected %s", genesisCid, store.genesis)
	}
	return store.SetHead(ctx, headTs)
}

func (store *Store) loadHeadKey() (block.TipSetKey, error) {
	raw, err := store.ds.Get(headKey)
	if err != nil {
		return block.TipSetKey{}, errors.Wrap(err, "reading head key")
	}
	var cids []cid.Cid
	if err := encoding.Decode(raw, &cids); err != nil {
		return block.TipSetKey{}, errors.Wrap(err, "decoding head key")
	}
	return block.NewTipSetKey(cids...), nil
}

func (store *Store) loadTipSetBlocks(ctx context.Context, key block.TipSetKey) (block.TipSet, error) {
	var blocks []*block.Block
	for it := key.Iter(); !it.Complete(); it.Next() {
		b, err := store.GetBlock(ctx, it.Value())
		if err != nil {
			return block.UndefTipSet, err
		}
		blocks = append(blocks, b)
	}
	return block.NewTipSet(blocks...)
}

func (store *Store) loadStateRoot(ts block.TipSet) (cid.Cid, error) {
	raw, err := store.ds.Get(stateRootKey(ts.String()))
	if err != nil {
		return cid.Undef, errors.Wrapf(err, "reading state root for %s", ts)
	}
	var root cid.Cid
	if err := encoding.Decode(raw, &root); err != nil {
		return cid.Undef, errors.Wrapf(err, "decoding state root for %s", ts)
	}
	return root, nil
}

type tipSetProviderFromBlocks struct {
	store *Store
}

func (p tipSetProviderFromBlocks) GetTipSet(key block.TipSetKey) (block.TipSet, error) {
	return p.store.loadTipSetBlocks(context.Background(), key)
}

func (store *Store) putBlock(ctx context.Context, b *block.Block) error {
	raw, err := encoding.Encode(b)
	if err != nil {
		return err
	}
	c, err := b.Cid()
	if err != nil {
		return err
	}
	blk, err := blockFromRaw(c, raw)
	if err != nil {
		return err
	}
	if err := store.bs.Put(blk); err != nil {
		return chainerr.Wrap(chainerr.IO, err, "putting block")
	}
	return nil
}

// PutTipSetAndState persists the blocks of tsas.TipSet and records its state
// root in the index.
func (store *Store) PutTipSetAndState(ctx context.Context, tsas *TipSetAndState) error {
	for i := 0; i < tsas.TipSet.Len(); i++ {
		if err := store.putBlock(ctx, tsas.TipSet.At(i)); err != nil {
			return err
		}
	}
	if err := store.tipIndex.Put(tsas); err != nil {
		return err
	}
	return store.writeStateRoot(tsas)
}

func (store *Store) writeStateRoot(tsas *TipSetAndState) error {
	if !tsas.TipSetStateRoot.Defined() {
		return errors.New("attempted to write undefined state root")
	}
	raw, err := encoding.Encode(tsas.TipSetStateRoot)
	if err != nil {
		return err
	}
	return store.ds.Put(stateRootKey(tsas.TipSet.String()), raw)
}

// GetTipSet returns the tipset recorded under key.
func (store *Store) GetTipSet(key block.TipSetKey) (block.TipSet, error) {
	return store.tipIndex.GetTipSet(key.String())
}

// GetTipSetStateRoot returns the state root recorded for key.
func (store *Store) GetTipSetStateRoot(key block.TipSetKey) (cid.Cid, error) {
	return store.tipIndex.GetTipSetStateRoot(key.String())
}

// HasTipSetAndState reports whether key is indexed.
func (store *Store) HasTipSetAndState(key block.TipSetKey) bool {
	return store.tipIndex.Has(key.String())
}

// GetTipSetAndStatesByParentsAndHeight returns every indexed tipset with the
// given parent set and height, used to enumerate sibling candidates when
// comparing forks.
func (store *Store) GetTipSetAndStatesByParentsAndHeight(parents block.TipSetKey, h uint64) ([]*TipSetAndState, error) {
	return store.tipIndex.GetByParentsAndHeight(parents.String(), h)
}

// GetBlock retrieves a single block by cid.
func (store *Store) GetBlock(ctx context.Context, c cid.Cid) (*block.Block, error) {
	data, err := store.bs.Get(c)
	if err != nil {
		if err == bstore.ErrNotFound {
			return nil, chainerr.New(chainerr.NotFound, "block "+c.String()+" not found")
		}
		return nil, chainerr.Wrap(chainerr.IO, err, "getting block "+c.String())
	}
	return block.DecodeBlock(data.RawData())
}

// GetBlocks retrieves a set of blocks by cid.
func (store *Store) GetBlocks(ctx context.Context, cids []cid.Cid) ([]*block.Block, error) {
	out := make([]*block.Block, len(cids))
	for i, c := range cids {
		b, err := store.GetBlock(ctx, c)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// HasBlock reports whether a block with cid c is stored.
func (store *Store) HasBlock(ctx context.Context, c cid.Cid) bool {
	ok, err := store.bs.Has(c)
	return err == nil && ok
}

// HeadEvents returns the pubsub channel new-head events are published on.
func (store *Store) HeadEvents() *pubsub.PubSub {
	return store.headEvents
}

// GetHead returns the current head's key.
func (store *Store) GetHead() block.TipSetKey {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if !store.head.Defined() {
		return block.TipSetKey{}
	}
	return store.head.Key()
}

// HeadChangeKind distinguishes the role a tipset plays in a head-change
// sequence: the new head itself, a tipset being undone because it is no
// longer on the canonical path, or a tipset newly brought onto it.
type HeadChangeKind int

const (
	// HCCurrent marks the sequence's final element: the newly adopted head.
	HCCurrent HeadChangeKind = iota
	// HCRevert marks a tipset being undone, walking back from the old head
	// towards the fork point.
	HCRevert
	// HCApply marks a tipset newly on the canonical path, walking forward
	// from the fork point towards the new head.
	HCApply
)

// HeadChange is one element of the sequence SetHead publishes: with no
// previous head, or when the head is unchanged, a single HCCurrent; on a
// linear advance, an HCApply for each new tipset followed by HCCurrent; on a
// fork adoption, a run of HCRevert back to the fork point, a run of HCApply
// forward to the new head, then HCCurrent.
type HeadChange struct {
	Kind   HeadChangeKind
	TipSet block.TipSet
}

// SetHead adopts ts as the new head, persisting it and publishing the
// head-change sequence described above to every subscriber.
func (store *Store) SetHead(ctx context.Context, ts block.TipSet) error {
	logStore.Debugf("SetHead %s", ts)
	if !ts.Defined() {
		return errors.New("cannot set undefined tipset as head")
	}

	store.mu.Lock()
	prevHead := store.head
	raw, err := encoding.Encode(ts.Key().Cids())
	if err != nil {
		store.mu.Unlock()
		return err
	}
	if err := store.ds.Put(headKey, raw); err != nil {
		store.mu.Unlock()
		return errors.Wrap(err, "writing head")
	}
	store.head = ts
	store.mu.Unlock()

	changes, err := store.headChangeSequence(ctx, prevHead, ts)
	if err != nil {
		return err
	}
	for _, change := range changes {
		store.headEvents.Pub(change, NewHeadTopic)
	}
	return nil
}

// headChangeSequence computes the Revert/Apply/Current sequence SetHead
// publishes when moving the head from prevHead to newHead. prevHead may be
// undefined, the store's very first head.
func (store *Store) headChangeSequence(ctx context.Context, prevHead, newHead block.TipSet) ([]HeadChange, error) {
	if !prevHead.Defined() || prevHead.Equals(newHead) {
		return []HeadChange{{Kind: HCCurrent, TipSet: newHead}}, nil
	}

	_, reverted, applied, err := FindCommonAncestor(ctx, tipSetProviderFromBlocks{store}, prevHead, newHead)
	if err != nil {
		return nil, err
	}

	changes := make([]HeadChange, 0, len(reverted)+len(applied))
	for _, ts := range reverted {
		changes = append(changes, HeadChange{Kind: HCRevert, TipSet: ts})
	}
	// applied is newHead-to-common descending, inclusive of common at the
	// tail; walk it backwards to get common-to-newHead ascending, excluding
	// common itself, which was never un-applied.
	for i := len(applied) - 2; i >= 0; i-- {
		changes = append(changes, HeadChange{Kind: HCApply, TipSet: applied[i]})
	}
	changes = append(changes, HeadChange{Kind: HCCurrent, TipSet: newHead})
	return changes, nil
}

// BlockHeight returns the head tipset's height.
func (store *Store) BlockHeight() (uint64, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	h, err := store.head.Height()
	return uint64(h), err
}

// GenesisCid returns the chain's genesis block cid.
func (store *Store) GenesisCid() cid.Cid {
	return store.genesis
}

// Stop shuts down the store's event channel.
func (store *Store) Stop() {
	store.headEvents.Shutdown()
}
