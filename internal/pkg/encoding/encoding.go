// Package encoding implements Forest-Go's canonical binary encoding: CBOR via
// the IPLD CBOR codec, the same encoding the teacher uses for its block
// store and chain index records (ipfs/go-ipld-cbor, ipfs/go-hamt-ipld).
package encoding

import (
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
)

// DefaultHashFunction is the hash function used to compute fingerprints.
const DefaultHashFunction = mh.BLAKE2B_MIN + 31 // blake2b-256

// Encode canonically encodes v.
func Encode(v interface{}) ([]byte, error) {
	return cbor.DumpObject(v)
}

// Decode decodes canonically-encoded bytes into out.
func Decode(b []byte, out interface{}) error {
	return cbor.DecodeInto(b, out)
}

// Fingerprint computes the content fingerprint (cid) of v's canonical encoding.
func Fingerprint(v interface{}) (cid.Cid, error) {
	raw, err := Encode(v)
	if err != nil {
		return cid.Undef, err
	}
	return FingerprintBytes(raw)
}

// FingerprintBytes computes the content fingerprint of raw bytes directly.
func FingerprintBytes(raw []byte) (cid.Cid, error) {
	pref := cid.Prefix{
		Version:  1,
		Codec:    cid.DagCBOR,
		MhType:   DefaultHashFunction,
		MhLength: -1,
	}
	return pref.Sum(raw)
}
