package consensus

import (
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
)

// RequireNewTipSet builds a tipset from blks, failing via req on error.
func RequireNewTipSet(req *require.Assertions, blks ...*block.Block) block.TipSet {
	tip, err := block.NewTipSet(blks...)
	req.NoError(err)
	return tip
}
