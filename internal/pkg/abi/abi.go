// Package abi implements the minimal actor method ABI needed to decode
// return values from built-in actor queries (power table lookups, worker
// address resolution).
package abi

import (
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/encoding"
)

// Type tags a Value with how to decode its raw bytes.
type Type uint64

const (
	// Address decodes raw bytes as an address.Address.
	Address Type = iota
	// Integer decodes raw bytes as a canonically-encoded uint64.
	Integer
	// Bytes passes raw bytes through unchanged.
	Bytes
)

// Value is a typed actor-method return value.
type Value struct {
	Type Type
	Val  interface{}
}

// Deserialize decodes raw according to t.
func Deserialize(raw []byte, t Type) (*Value, error) {
	switch t {
	case Address:
		a, err := address.NewFromBytes(raw)
		if err != nil {
			return nil, errors.Wrap(err, "deserializing address")
		}
		return &Value{Type: t, Val: a}, nil
	case Integer:
		var n uint64
		if err := encoding.Decode(raw, &n); err != nil {
			return nil, errors.Wrap(err, "deserializing integer")
		}
		return &Value{Type: t, Val: n}, nil
	case Bytes:
		return &Value{Type: t, Val: raw}, nil
	default:
		return nil, errors.Errorf("unknown abi type %d", t)
	}
}
