// Package crypto implements the signature verification block and message
// validation need: recovering a secp256k1 public key from a message
// signature and checking it hashes to the claimed sender address. BLS
// aggregate verification is not implemented here; it needs a bls12-381
// pairing library, and none appears anywhere in this module's dependency
// pack (see DESIGN.md).
package crypto

import (
	"github.com/ipsn/go-secp256k1"
	"github.com/minio/blake2b-simd"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
)

// Secp256k1SignatureSize is the length of a Filecoin secp256k1 message
// signature: a 64-byte recoverable ECDSA signature plus a 1-byte recovery id.
const Secp256k1SignatureSize = 65

// HashForSigning returns the 32-byte digest a secp256k1 signature over data
// is computed against.
func HashForSigning(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// VerifySecp256k1 reports whether sig is a valid secp256k1 signature by
// signer over hash. Filecoin secp256k1 addresses are the hash of a public
// key rather than the key itself, so verification recovers the public key
// from the signature and compares its derived address to signer, rather
// than checking the signature against a known public key directly.
func VerifySecp256k1(signer address.Address, hash [32]byte, sig []byte) (bool, error) {
	if signer.Protocol() != address.SECP256K1 {
		return false, errors.Errorf("address %s is not a secp256k1 address", signer)
	}
	if len(sig) != Secp256k1SignatureSize {
		return false, errors.Errorf("secp256k1 signature must be %d bytes, got %d", Secp256k1SignatureSize, len(sig))
	}

	pubkey, err := secp256k1.RecoverPubkey(hash[:], sig)
	if err != nil {
		return false, errors.Wrap(err, "recovering secp256k1 public key")
	}
	recovered, err := address.NewSecp256k1Address(pubkey)
	if err != nil {
		return false, err
	}
	return recovered.Equals(signer), nil
}
