package chain

import (
	"context"

	"github.com/ipfs/go-cid"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/encoding"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

var logMsgStore = logging.Logger("chain.messagestore")

// MessageProvider loads the message and receipt collections referenced by a
// block header's TxMeta and MessageReceipts roots.
type MessageProvider interface {
	LoadMessages(ctx context.Context, meta types.TxMeta) ([]*types.SignedMessage, []*types.UnsignedMessage, error)
	LoadReceipts(ctx context.Context, c cid.Cid) ([]*types.MessageReceipt, error)
}

// MessageWriter persists message and receipt collections, returning the
// roots a block header references them by.
type MessageWriter interface {
	StoreMessages(ctx context.Context, secpMessages []*types.SignedMessage, blsMessages []*types.UnsignedMessage) (types.TxMeta, error)
	StoreReceipts(ctx context.Context, receipts []*types.MessageReceipt) (cid.Cid, error)
}

// MessageStore persists and loads the message/receipt collections blocks
// reference by content root, backed directly by a content-addressed
// blockstore (each collection is one CBOR-encoded list, addressed by its
// own fingerprint).
type MessageStore struct {
	bs bstore.Blockstore
}

var _ MessageProvider = (*MessageStore)(nil)
var _ MessageWriter = (*MessageStore)(nil)

// NewMessageStore constructs a MessageStore over bs.
func NewMessageStore(bs bstore.Blockstore) *MessageStore {
	return &MessageStore{bs: bs}
}

// StoreMessages encodes and stores the secp- and BLS-message collections of
// a block, returning the TxMeta a header should reference them by.
func (ms *MessageStore) StoreMessages(ctx context.Context, secpMessages []*types.SignedMessage, blsMessages []*types.UnsignedMessage) (types.TxMeta, error) {
	secpRoot, err := ms.storeList(secpMessages)
	if err != nil {
		return types.TxMeta{}, errors.Wrap(err, "storing secp messages")
	}
	blsRoot, err := ms.storeList(blsMessages)
	if err != nil {
		return types.TxMeta{}, errors.Wrap(err, "storing bls messages")
	}
	return types.TxMeta{SecpRoot: secpRoot, BLSRoot: blsRoot}, nil
}

// StoreReceipts encodes and stores a receipt collection, returning its root.
func (ms *MessageStore) StoreReceipts(ctx context.Context, receipts []*types.MessageReceipt) (cid.Cid, error) {
	return ms.storeList(receipts)
}

// LoadMessages loads the secp- and BLS-message collections referenced by meta.
func (ms *MessageStore) LoadMessages(ctx context.Context, meta types.TxMeta) ([]*types.SignedMessage, []*types.UnsignedMessage, error) {
	var secp []*types.SignedMessage
	if meta.SecpRoot.Defined() {
		if err := ms.loadList(meta.SecpRoot, &secp); err != nil {
			return nil, nil, errors.Wrap(err, "loading secp messages")
		}
	}
	var bls []*types.UnsignedMessage
	if meta.BLSRoot.Defined() {
		if err := ms.loadList(meta.BLSRoot, &bls); err != nil {
			return nil, nil, errors.Wrap(err, "loading bls messages")
		}
	}
	return secp, bls, nil
}

// LoadReceipts loads the receipt collection rooted at c.
func (ms *MessageStore) LoadReceipts(ctx context.Context, c cid.Cid) ([]*types.MessageReceipt, error) {
	var receipts []*types.MessageReceipt
	if c.Defined() {
		if err := ms.loadList(c, &receipts); err != nil {
			return nil, errors.Wrap(err, "loading receipts")
		}
	}
	return receipts, nil
}

func (ms *MessageStore) storeList(v interface{}) (cid.Cid, error) {
	raw, err := encoding.Encode(v)
	if err != nil {
		return cid.Undef, err
	}
	c, err := encoding.FingerprintBytes(raw)
	if err != nil {
		return cid.Undef, err
	}
	blk, err := blockFromRaw(c, raw)
	if err != nil {
		return cid.Undef, err
	}
	if err := ms.bs.Put(blk); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

func (ms *MessageStore) loadList(c cid.Cid, out interface{}) error {
	blk, err := ms.bs.Get(c)
	if err != nil {
		return err
	}
	return encoding.Decode(blk.RawData(), out)
}
