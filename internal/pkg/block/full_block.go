package block

import "github.com/filecoin-project/forest-go/internal/pkg/types"

// FullBlock carries a block header and the message and receipt collections
// referenced from the header: the secp-signed messages individually signed
// by their senders, and the BLS messages covered by the header's aggregate
// signature.
type FullBlock struct {
	Header       *Block
	SecpMessages []*types.SignedMessage
	BLSMessages  []*types.UnsignedMessage
	Receipts     []*types.MessageReceipt
}

// NewFullBlock constructs a new full block.
func NewFullBlock(header *Block, secpMsgs []*types.SignedMessage, blsMsgs []*types.UnsignedMessage, rcpts []*types.MessageReceipt) *FullBlock {
	return &FullBlock{
		Header:       header,
		SecpMessages: secpMsgs,
		BLSMessages:  blsMsgs,
		Receipts:     rcpts,
	}
}
