// Package types defines the wire-level value types shared across the chain,
// state and consensus packages: messages, receipts, and the integer/currency
// types used in block headers.
package types

import (
	"math/big"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/encoding"
)

// Uint64 is a CBOR-friendly unsigned integer, used for heights and weights.
type Uint64 uint64

// BlockHeight is a chain epoch.
type BlockHeight struct {
	val *big.Int
}

// NewBlockHeight constructs a BlockHeight from a uint64 epoch.
func NewBlockHeight(h uint64) *BlockHeight {
	return &BlockHeight{val: big.NewInt(0).SetUint64(h)}
}

// Sub returns h - other.
func (h *BlockHeight) Sub(other *BlockHeight) *BlockHeight {
	return &BlockHeight{val: big.NewInt(0).Sub(h.val, other.val)}
}

// Add returns h + other.
func (h *BlockHeight) Add(other *BlockHeight) *BlockHeight {
	return &BlockHeight{val: big.NewInt(0).Add(h.val, other.val)}
}

// AsBigInt returns the height as a big.Int.
func (h *BlockHeight) AsBigInt() *big.Int {
	return big.NewInt(0).Set(h.val)
}

// GreaterThan reports h > other.
func (h *BlockHeight) GreaterThan(other *BlockHeight) bool {
	return h.val.Cmp(other.val) > 0
}

// Equal reports h == other.
func (h *BlockHeight) Equal(other *BlockHeight) bool {
	return h.val.Cmp(other.val) == 0
}

// AttoFIL is a fixed-point amount of FIL, denominated in atto (1e-18) units.
type AttoFIL struct {
	val *big.Int
}

// ZeroAttoFIL is the zero amount.
var ZeroAttoFIL = AttoFIL{val: big.NewInt(0)}

// NewAttoFIL constructs an AttoFIL from a raw atto amount.
func NewAttoFIL(val *big.Int) AttoFIL {
	return AttoFIL{val: big.NewInt(0).Set(val)}
}

// NewAttoFILFromFIL constructs an AttoFIL amount equal to n whole FIL.
func NewAttoFILFromFIL(n uint64) AttoFIL {
	v := big.NewInt(0).Mul(big.NewInt(int64(n)), big.NewInt(1e18))
	return AttoFIL{val: v}
}

// AsBigInt returns the underlying big.Int.
func (a AttoFIL) AsBigInt() *big.Int {
	return big.NewInt(0).Set(a.val)
}

// Add returns a + b.
func (a AttoFIL) Add(b AttoFIL) AttoFIL {
	return AttoFIL{val: big.NewInt(0).Add(a.val, b.val)}
}

// Sub returns a - b.
func (a AttoFIL) Sub(b AttoFIL) AttoFIL {
	return AttoFIL{val: big.NewInt(0).Sub(a.val, b.val)}
}

// GreaterOrEqual reports a >= b.
func (a AttoFIL) GreaterOrEqual(b AttoFIL) bool {
	return a.val.Cmp(b.val) >= 0
}

// BytesAmount is a quantity of storage, measured in bytes.
type BytesAmount big.Int

// ZeroBytes is the zero BytesAmount.
var ZeroBytes = NewBytesAmount(0)

// NewBytesAmount constructs a BytesAmount from n.
func NewBytesAmount(n uint64) *BytesAmount {
	return (*BytesAmount)(big.NewInt(0).SetUint64(n))
}

// NewBytesAmountFromBytes decodes a big-endian BytesAmount.
func NewBytesAmountFromBytes(raw []byte) *BytesAmount {
	return (*BytesAmount)(big.NewInt(0).SetBytes(raw))
}

// GreaterThan reports b > other.
func (b *BytesAmount) GreaterThan(other *BytesAmount) bool {
	return (*big.Int)(b).Cmp((*big.Int)(other)) > 0
}

// GasUnits is the amount of gas consumable by a message.
type GasUnits uint64

// NewGasUnits constructs a GasUnits value.
func NewGasUnits(n uint64) GasUnits { return GasUnits(n) }

// AttoFILPrice is a per-gas-unit price.
type AttoFILPrice = AttoFIL

// NewGasPrice constructs an AttoFILPrice.
func NewGasPrice(n uint64) AttoFILPrice {
	return NewAttoFIL(big.NewInt(int64(n)))
}

// ChannelID identifies a payment channel; kept for wire compatibility with the
// teacher's payment-channel actor messages exercised by plumbing tests.
type ChannelID big.Int

// NewChannelID constructs a ChannelID.
func NewChannelID(n uint64) *ChannelID {
	return (*ChannelID)(big.NewInt(0).SetUint64(n))
}

// Signature is a cryptographic signature over message bytes.
type Signature []byte

// TxMeta references the BLS- and secp-signed message collections of a block.
type TxMeta struct {
	BLSRoot  cid.Cid
	SecpRoot cid.Cid
}

// EmptyMessagesCID is the fingerprint of an empty message list.
var EmptyMessagesCID cid.Cid

// EmptyReceiptsCID is the fingerprint of an empty receipt list.
var EmptyReceiptsCID cid.Cid

func init() {
	var err error
	EmptyMessagesCID, err = encoding.Fingerprint([]interface{}{})
	if err != nil {
		panic(err)
	}
	EmptyReceiptsCID, err = encoding.Fingerprint([]interface{}{})
	if err != nil {
		panic(err)
	}
}

// UnsignedMessage is a Filecoin transaction, pre-signature.
type UnsignedMessage struct {
	To   address.Address
	From address.Address

	Nonce uint64

	Value AttoFIL

	Method string
	Params []byte

	GasPrice AttoFILPrice
	GasLimit GasUnits
}

// NewUnsignedMessage constructs an UnsignedMessage.
func NewUnsignedMessage(from, to address.Address, nonce uint64, value AttoFIL, method string, params []byte) *UnsignedMessage {
	return &UnsignedMessage{
		To:     to,
		From:   from,
		Nonce:  nonce,
		Value:  value,
		Method: method,
		Params: params,
	}
}

// Cid returns the message's fingerprint.
func (m *UnsignedMessage) Cid() (cid.Cid, error) {
	return encoding.Fingerprint(m)
}

// SignedMessage pairs an UnsignedMessage with a signature over its encoding.
type SignedMessage struct {
	Message   UnsignedMessage
	Signature Signature
}

// Cid returns the signed message's fingerprint.
func (sm *SignedMessage) Cid() (cid.Cid, error) {
	return encoding.Fingerprint(sm)
}

// ExitCode is a VM message execution result code. Zero is success.
type ExitCode uint8

// Ok is the success exit code.
const Ok ExitCode = 0

// MessageReceipt is the result of executing a single message.
type MessageReceipt struct {
	ExitCode   ExitCode
	Return     []byte
	GasUsed    GasUnits
	EventsRoot cid.Cid
}

// KeyInfo carries a private key and its curve, used only by test signers.
type KeyInfo struct {
	PrivateKey []byte
	Curve      string
}

// Key returns the raw private key bytes.
func (ki *KeyInfo) Key() []byte {
	return ki.PrivateKey
}

// Address derives the account address for this key.
func (ki *KeyInfo) Address() (address.Address, error) {
	if len(ki.PrivateKey) == 0 {
		return address.Undef, errors.New("empty key")
	}
	return address.NewSecp256k1Address(ki.PrivateKey)
}

// MustGenerateKeyInfo deterministically generates n KeyInfos, seeded by seed;
// a test helper only.
func MustGenerateKeyInfo(n int, seed int64) []*KeyInfo {
	out := make([]*KeyInfo, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, 32)
		for j := range buf {
			buf[j] = byte((seed + int64(i) + int64(j)) % 256)
		}
		out[i] = &KeyInfo{PrivateKey: buf, Curve: "secp256k1"}
	}
	return out
}

// CidFromString is a test helper constructing a stable cid from a string seed.
func CidFromString(t interface{ Fatalf(string, ...interface{}) }, s string) cid.Cid {
	c, err := encoding.Fingerprint(s)
	if err != nil {
		t.Fatalf("CidFromString: %s", err)
	}
	return c
}

// NewCidForTestGetter returns a function producing distinct cids on each call.
func NewCidForTestGetter() func() cid.Cid {
	var i int
	return func() cid.Cid {
		i++
		c, err := encoding.Fingerprint(i)
		if err != nil {
			panic(err)
		}
		return c
	}
}

// ErrNotFound is returned when a requested chain object does not exist.
var ErrNotFound = errors.New("not found")

// DefaultHashFunction is the multihash function used for all fingerprints.
const DefaultHashFunction = encoding.DefaultHashFunction
