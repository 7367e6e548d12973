// Package state implements the actor state tree: a HAMT keyed by address
// mapping to actor records (code, storage head, nonce, balance), matching
// the teacher's use of ipfs/go-hamt-ipld as the state tree backing.
package state

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-hamt-ipld"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

// Actor is a record in the state tree: the actor's code, its private
// storage root, its call nonce and its balance.
type Actor struct {
	Code    cid.Cid
	Head    cid.Cid
	Nonce   uint64
	Balance types.AttoFIL
}

// ErrActorNotFound is returned by Tree.GetActor when no actor is recorded at
// the given address.
var ErrActorNotFound = errors.New("actor not found")

// Tree is a versioned, content-addressed map from address to Actor.
type Tree interface {
	GetActor(ctx context.Context, a address.Address) (*Actor, error)
	SetActor(ctx context.Context, a address.Address, act *Actor) error
	DeleteActor(ctx context.Context, a address.Address) error
	Flush(ctx context.Context) (cid.Cid, error)
	ForEach(ctx context.Context, fn func(address.Address, *Actor) error) error
}

// IsActorNotFoundError reports whether err is (or wraps) ErrActorNotFound.
func IsActorNotFoundError(err error) bool {
	return errors.Cause(err) == ErrActorNotFound
}

// hamtTree implements Tree over a go-hamt-ipld node.
type hamtTree struct {
	node *hamt.Node
	cst  *hamt.CborIpldStore
}

// NewTree creates an empty state tree backed by cst.
func NewTree(cst *hamt.CborIpldStore) Tree {
	return &hamtTree{node: hamt.NewNode(cst), cst: cst}
}

// LoadTree loads a previously-flushed state tree by its root cid.
func LoadTree(ctx context.Context, cst *hamt.CborIpldStore, root cid.Cid) (Tree, error) {
	node, err := hamt.LoadNode(ctx, cst, root)
	if err != nil {
		return nil, errors.Wrapf(err, "loading state tree %s", root)
	}
	return &hamtTree{node: node, cst: cst}, nil
}

// GetActor looks up the actor at address a.
func (t *hamtTree) GetActor(ctx context.Context, a address.Address) (*Actor, error) {
	var act Actor
	if err := t.node.Find(ctx, string(a.Bytes()), &act); err != nil {
		if err == hamt.ErrNotFound {
			return nil, ErrActorNotFound
		}
		return nil, err
	}
	return &act, nil
}

// SetActor records act at address a, overwriting any existing entry.
func (t *hamtTree) SetActor(ctx context.Context, a address.Address, act *Actor) error {
	return t.node.Set(ctx, string(a.Bytes()), act)
}

// DeleteActor removes the actor at address a.
func (t *hamtTree) DeleteActor(ctx context.Context, a address.Address) error {
	if err := t.node.Delete(ctx, string(a.Bytes())); err != nil {
		if err == hamt.ErrNotFound {
			return ErrActorNotFound
		}
		return err
	}
	return nil
}

// Flush persists the tree and returns its content root.
func (t *hamtTree) Flush(ctx context.Context) (cid.Cid, error) {
	return t.node.Flush(ctx)
}

// ForEach invokes fn for every actor recorded in the tree.
func (t *hamtTree) ForEach(ctx context.Context, fn func(address.Address, *Actor) error) error {
	return t.node.ForEach(ctx, func(k string, val interface{}) error {
		var act Actor
		if err := remarshal(val, &act); err != nil {
			return err
		}
		a, err := address.NewFromBytes([]byte(k))
		if err != nil {
			return err
		}
		return fn(a, &act)
	})
}

func remarshal(val interface{}, out *Actor) error {
	if a, ok := val.(*Actor); ok {
		*out = *a
		return nil
	}
	return errors.Errorf("unexpected state tree value type %T", val)
}

// Store binds a CborIpldStore so callers can load or mint Tree values
// without threading the underlying hamt store through every call site. It
// satisfies the loader capability vm.Interpreter implementations expect.
type Store struct {
	cst *hamt.CborIpldStore
}

// NewStore constructs a Store over cst.
func NewStore(cst *hamt.CborIpldStore) *Store {
	return &Store{cst: cst}
}

// Load loads the tree rooted at root.
func (s *Store) Load(ctx context.Context, root cid.Cid) (Tree, error) {
	return LoadTree(ctx, s.cst, root)
}

// Empty mints a new, empty tree.
func (s *Store) Empty() Tree {
	return NewTree(s.cst)
}
