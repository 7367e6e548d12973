// Package address implements the Filecoin actor addressing scheme: a
// protocol-tagged payload with a network-specific string encoding.
package address

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/minio/blake2b-simd"
	"github.com/pkg/errors"
)

// Protocol is the addressing protocol, the first byte of an address.
type Protocol byte

const (
	// ID addresses resolve through the init actor's address table.
	ID Protocol = iota
	// SECP256K1 addresses are the blake2b-160 digest of a secp256k1 public key.
	SECP256K1
	// Actor addresses are the blake2b-160 digest of actor-creation data.
	Actor
	// BLS addresses carry a raw BLS public key.
	BLS
)

const checksumBytes = 4
const payloadHashBytes = 20

// Address is a Filecoin actor address: a protocol tag plus a payload.
// The zero value is Undef, the empty/invalid address.
type Address struct {
	protocol Protocol
	payload  []byte
}

// Undef is the zero-value, invalid address.
var Undef = Address{}

// NetworkAddress is address 0, the block-reward/burn sink.
var NetworkAddress = mustID(0)

// InitAddress is the address of the init actor singleton.
var InitAddress = mustID(1)

// StorageMarketAddress is the address of the storage market actor singleton.
var StorageMarketAddress = mustID(2)

// TestAddress is a stable address used across tests.
var TestAddress = mustID(100)

func mustID(id uint64) Address {
	a, err := NewIDAddress(id)
	if err != nil {
		panic(err)
	}
	return a
}

// NewIDAddress constructs an ID-protocol address.
func NewIDAddress(id uint64) (Address, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, id)
	return Address{protocol: ID, payload: buf[:n]}, nil
}

// NewActorAddress constructs an Actor-protocol address from creation data.
func NewActorAddress(data []byte) (Address, error) {
	return Address{protocol: Actor, payload: addressHash(data)}, nil
}

// NewSecp256k1Address constructs a SECP256K1-protocol address from a public key.
func NewSecp256k1Address(pubKey []byte) (Address, error) {
	return Address{protocol: SECP256K1, payload: addressHash(pubKey)}, nil
}

// NewBLSAddress constructs a BLS-protocol address from a raw public key.
func NewBLSAddress(pubKey []byte) (Address, error) {
	if len(pubKey) != 48 {
		return Undef, errors.Errorf("invalid BLS public key length %d", len(pubKey))
	}
	return Address{protocol: BLS, payload: pubKey}, nil
}

// NewFromBytes parses the protocol-tagged wire form produced by Bytes().
func NewFromBytes(b []byte) (Address, error) {
	if len(b) == 0 {
		return Undef, errors.New("empty address bytes")
	}
	return Address{protocol: Protocol(b[0]), payload: append([]byte{}, b[1:]...)}, nil
}

func addressHash(data []byte) []byte {
	h := blake2b.New160()
	_, _ = h.Write(data)
	return h.Sum(nil)[:payloadHashBytes]
}

// Empty reports whether this is the zero-value address.
func (a Address) Empty() bool {
	return a.protocol == ID && len(a.payload) == 0
}

// Protocol returns the address's protocol tag.
func (a Address) Protocol() Protocol {
	return a.protocol
}

// Payload returns the address's raw payload (without protocol tag).
func (a Address) Payload() []byte {
	return a.payload
}

// Bytes returns the protocol-tagged wire form: protocol byte || payload.
func (a Address) Bytes() []byte {
	out := make([]byte, 0, 1+len(a.payload))
	out = append(out, byte(a.protocol))
	return append(out, a.payload...)
}

// String renders a human-readable address.
func (a Address) String() string {
	if a.Empty() {
		return "<empty>"
	}
	if a.protocol == ID {
		id, _ := binary.Uvarint(a.payload)
		return fmt.Sprintf("f0%d", id)
	}
	cksum := checksum(a.Bytes())
	return fmt.Sprintf("f%d%x%x", a.protocol, a.payload, cksum)
}

func checksum(data []byte) []byte {
	h, _ := blake2b.New(&blake2b.Config{Size: checksumBytes})
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// Equals reports whether two addresses are identical.
func (a Address) Equals(o Address) bool {
	return a.protocol == o.protocol && string(a.payload) == string(o.payload)
}

// MarshalCBOR encodes the address as its wire bytes.
func (a Address) MarshalCBOR() ([]byte, error) {
	return a.Bytes(), nil
}

// NewForTestGetter returns a function generating distinct addresses on every call;
// used as a test helper only.
func NewForTestGetter() func() Address {
	r := rand.New(rand.NewSource(0))
	return func() Address {
		buf := make([]byte, 10)
		_, _ = r.Read(buf)
		a, err := NewActorAddress(buf)
		if err != nil {
			panic(err)
		}
		return a
	}
}
