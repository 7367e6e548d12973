package chain

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
)

// BlockProvider loads individual blocks by cid, the unit a bitswap/exchange
// session would fetch (transport itself is out of scope for this module;
// callers provide it as an opaque capability).
type BlockProvider interface {
	GetBlock(ctx context.Context, c cid.Cid) (*block.Block, error)
	GetBlocks(ctx context.Context, cids []cid.Cid) ([]*block.Block, error)
}

// TipSetProvider loads whole tipsets by key.
type TipSetProvider interface {
	GetTipSet(key block.TipSetKey) (block.TipSet, error)
}

// Fetcher fetches a run of tipsets from a named peer, starting at key and
// continuing until done reports completion. The peer identifier is an
// opaque string; resolving it to a transport session is outside this
// module's scope.
type Fetcher interface {
	FetchTipSets(ctx context.Context, key block.TipSetKey, from string, done func(block.TipSet) (bool, error)) ([]block.TipSet, error)
}
