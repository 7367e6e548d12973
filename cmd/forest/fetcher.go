package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
)

// errNoTransport is returned by unconnectedFetcher: this module follows a
// chain given tipsets, but does not itself speak bitswap/graphsync to any
// peer (spec's transport boundary). A real deployment wires chain.Fetcher
// to whatever exchange/transport stack it runs instead of this stub; here
// it exists only so the node assembles and runs against tipsets the
// operator feeds it directly (hello/gossip/own-block), same as a syncer
// test's fake fetcher but erroring instead of faking data.
var errNoTransport = errors.New("forest: no transport configured, cannot fetch tipsets from peers")

// unconnectedFetcher satisfies chain.Fetcher without a peer connection.
// Swap it for a real transport-backed Fetcher once one exists.
type unconnectedFetcher struct{}

var _ chain.Fetcher = unconnectedFetcher{}

func (unconnectedFetcher) FetchTipSets(ctx context.Context, key block.TipSetKey, from string, done func(block.TipSet) (bool, error)) ([]block.TipSet, error) {
	return nil, errNoTransport
}
