package coprocessor

import (
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed committee public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed committee signature in bytes.
	SignatureSize = 96
)

// blsDST is the domain separation tag for committee signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// SignerKey is one committee member's BLS key pair.
type SignerKey struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// DeriveSignerKey derives the key of committee member index from a shared committee seed.
// The member key is seeded with BLAKE3("estatebonds/kms-keygen" || seed || index (u32 BE)).
func DeriveSignerKey(seed []byte, index int) (*SignerKey, error) {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))

	h := blake3.New()
	h.Write([]byte("estatebonds/kms-keygen"))
	h.Write(seed)
	h.Write(idx[:])

	var ikm [32]byte
	h.Sum(ikm[:0])

	return signerKeyFromSeed(ikm[:])
}

// signerKeyFromSeed creates a key pair from at least 32 bytes of key material.
func signerKeyFromSeed(ikm []byte) (*SignerKey, error) {
	if len(ikm) < 32 {
		return nil, fmt.Errorf("key material must be at least 32 bytes")
	}

	secret := blst.KeyGen(ikm)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &SignerKey{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign signs message and returns the compressed signature.
func (k *SignerKey) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress()
}

// PublicKey returns the compressed public key.
func (k *SignerKey) PublicKey() []byte {
	return k.public.Compress()
}

// aggregateSignatures combines signatures over the same message into one.
func aggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		if len(raw) != SignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(raw)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// verifyAggregated checks an aggregated signature over message against every public key.
func verifyAggregated(signature, message []byte, publicKeys []*blst.P1Affine) bool {
	if len(signature) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(publicKeys, false) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), false, message, blsDST)
}

// parsePublicKey decompresses and group-checks a committee public key.
func parsePublicKey(raw []byte) (*blst.P1Affine, error) {
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: got %d, want %d", len(raw), PublicKeySize)
	}

	pk := new(blst.P1Affine).Uncompress(raw)
	if pk == nil || !pk.KeyValidate() {
		return nil, fmt.Errorf("invalid public key")
	}

	return pk, nil
}

// buildSignerBitmap sets one bit per signing member index, LSB first.
func buildSignerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// parseSignerBitmap returns the member indices set in bitmap, ascending.
func parseSignerBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
