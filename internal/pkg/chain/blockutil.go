package chain

import (
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// blockFromRaw wraps raw bytes already known to fingerprint as c into a
// go-block-format Block, skipping the hash recomputation blocks.NewBlock
// would otherwise do.
func blockFromRaw(c cid.Cid, raw []byte) (blocks.Block, error) {
	return blocks.NewBlockWithCid(raw, c)
}
