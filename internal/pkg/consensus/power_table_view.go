package consensus

import (
	"context"

	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/abi"
	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

// ActorStateSnapshot answers read-only actor method queries against the
// state tree pinned to a particular tipset, without mutating it. StateManager
// implementations provide this by running the query through the VM in a
// throwaway storage overlay.
type ActorStateSnapshot interface {
	Query(ctx context.Context, optFrom, to address.Address, method string, params ...interface{}) ([][]byte, error)
}

// PowerTableView defines the set of functions used by the chain follower to
// view the power table encoded in a tipset's state tree: the storage market
// actor's record of how much proven storage each miner backs, used to weigh
// competing chains.
type PowerTableView struct {
	snapshot ActorStateSnapshot
}

// NewPowerTableView constructs a new view with a snapshot pinned to a particular tip set.
func NewPowerTableView(q ActorStateSnapshot) PowerTableView {
	return PowerTableView{
		snapshot: q,
	}
}

// Total returns the total storage as a BytesAmount.
func (v PowerTableView) Total(ctx context.Context) (*types.BytesAmount, error) {
	rets, err := v.snapshot.Query(ctx, address.Undef, address.StorageMarketAddress, "getTotalStorage")
	if err != nil {
		return nil, err
	}

	return types.NewBytesAmountFromBytes(rets[0]), nil
}

// Miner returns the storage that this miner has committed to the network.
func (v PowerTableView) Miner(ctx context.Context, mAddr address.Address) (*types.BytesAmount, error) {
	rets, err := v.snapshot.Query(ctx, address.Undef, mAddr, "getPower")
	if err != nil {
		return nil, err
	}

	return types.NewBytesAmountFromBytes(rets[0]), nil
}

// WorkerAddr returns the address of the miner worker given the miner address.
func (v PowerTableView) WorkerAddr(ctx context.Context, mAddr address.Address) (address.Address, error) {
	rets, err := v.snapshot.Query(ctx, address.Undef, mAddr, "getWorker")
	if err != nil {
		return address.Undef, err
	}

	if len(rets) == 0 {
		return address.Undef, errors.Errorf("invalid nil return value from getWorker")
	}

	addrValue, err := abi.Deserialize(rets[0], abi.Address)
	if err != nil {
		return address.Undef, err
	}
	a, ok := addrValue.Val.(address.Address)
	if !ok {
		return address.Undef, errors.Errorf("invalid address bytes returned from getWorker")
	}
	return a, nil
}

// HasPower returns true if the provided address belongs to a miner with power
// in the storage market.
func (v PowerTableView) HasPower(ctx context.Context, mAddr address.Address) bool {
	numBytes, err := v.Miner(ctx, mAddr)
	if err != nil {
		if errors.Cause(err) == ErrActorNotFound {
			return false
		}
		return false
	}

	return numBytes.GreaterThan(types.ZeroBytes)
}

// ErrActorNotFound is returned by an ActorStateSnapshot.Query when the
// queried actor does not exist in the pinned state tree.
var ErrActorNotFound = errors.New("actor not found")
