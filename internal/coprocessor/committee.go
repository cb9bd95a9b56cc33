package coprocessor

import (
	"encoding/binary"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// ErrMalformedProof is returned when a proof cannot be decoded.
var ErrMalformedProof = errors.New("malformed decryption proof")

// Committee is the key-management committee that co-signs decryption results.
// A result is valid once Threshold members have signed its digest.
type Committee struct {
	signers   []*SignerKey // signers are the member keys, by index
	threshold int          // threshold is the minimum number of signers
}

// NewCommittee derives size member keys from seed.
func NewCommittee(seed []byte, size, threshold int) (*Committee, error) {
	if size <= 0 {
		return nil, fmt.Errorf("committee size must be positive")
	}

	if threshold <= 0 || threshold > size {
		return nil, fmt.Errorf("threshold %d out of range [1, %d]", threshold, size)
	}

	signers := make([]*SignerKey, size)

	for i := range signers {
		key, err := DeriveSignerKey(seed, i)
		if err != nil {
			return nil, fmt.Errorf("derive member %d:\n%w", i, err)
		}

		signers[i] = key
	}

	return &Committee{signers: signers, threshold: threshold}, nil
}

// PublicKeys returns the compressed member public keys, by index.
func (c *Committee) PublicKeys() [][]byte {
	keys := make([][]byte, len(c.signers))

	for i, s := range c.signers {
		keys[i] = s.PublicKey()
	}

	return keys
}

// Threshold returns the number of signatures a proof needs.
func (c *Committee) Threshold() int {
	return c.threshold
}

// Sign produces a proof for a decryption result signed by the first Threshold members.
func (c *Committee) Sign(requestID uint64, cleartexts []byte) ([]byte, error) {
	indices := make([]int, c.threshold)
	for i := range indices {
		indices[i] = i
	}

	return c.SignWith(indices, requestID, cleartexts)
}

// SignWith produces a proof signed by the given members.
func (c *Committee) SignWith(indices []int, requestID uint64, cleartexts []byte) ([]byte, error) {
	digest := DecryptionDigest(requestID, cleartexts)
	sigs := make([][]byte, 0, len(indices))

	for _, idx := range indices {
		if idx < 0 || idx >= len(c.signers) {
			return nil, fmt.Errorf("member index %d out of range", idx)
		}

		sigs = append(sigs, c.signers[idx].Sign(digest[:]))
	}

	agg, err := aggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate signatures:\n%w", err)
	}

	return EncodeProof(buildSignerBitmap(indices, len(c.signers)), agg), nil
}

// Verifier returns a verifier bound to this committee's public keys.
func (c *Committee) Verifier() *Verifier {
	keys := make([]*blst.P1Affine, len(c.signers))
	for i, s := range c.signers {
		keys[i] = s.public
	}

	return &Verifier{keys: keys, threshold: c.threshold}
}

// Verifier checks committee proofs against a fixed set of member public keys.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	keys      []*blst.P1Affine // keys are the member public keys, by index
	threshold int              // threshold is the minimum number of signers
}

// NewVerifier creates a verifier from compressed member public keys.
func NewVerifier(publicKeys [][]byte, threshold int) (*Verifier, error) {
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("no committee public keys")
	}

	if threshold <= 0 || threshold > len(publicKeys) {
		return nil, fmt.Errorf("threshold %d out of range [1, %d]", threshold, len(publicKeys))
	}

	keys := make([]*blst.P1Affine, len(publicKeys))

	for i, raw := range publicKeys {
		pk, err := parsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("member %d:\n%w", i, err)
		}

		keys[i] = pk
	}

	return &Verifier{keys: keys, threshold: threshold}, nil
}

// CheckSignatures reports whether proof carries at least Threshold valid committee
// signatures over the digest of (requestID, cleartexts).
func (v *Verifier) CheckSignatures(requestID uint64, cleartexts, proof []byte) bool {
	bitmap, sig, err := DecodeProof(proof)
	if err != nil {
		return false
	}

	if len(bitmap) != (len(v.keys)+7)/8 {
		return false
	}

	indices := parseSignerBitmap(bitmap)
	if len(indices) < v.threshold {
		return false
	}

	pks := make([]*blst.P1Affine, 0, len(indices))

	for _, idx := range indices {
		if idx >= len(v.keys) {
			return false
		}

		pks = append(pks, v.keys[idx])
	}

	digest := DecryptionDigest(requestID, cleartexts)

	return verifyAggregated(sig, digest[:], pks)
}

// EncodeProof serializes a proof.
// Format: bitmapLen (u16 LE) || bitmap || aggregated signature (96 bytes)
func EncodeProof(bitmap, signature []byte) []byte {
	buf := make([]byte, 2+len(bitmap)+len(signature))
	binary.LittleEndian.PutUint16(buf, uint16(len(bitmap)))
	copy(buf[2:], bitmap)
	copy(buf[2+len(bitmap):], signature)

	return buf
}

// DecodeProof splits a proof into its signer bitmap and aggregated signature.
func DecodeProof(proof []byte) (bitmap, signature []byte, err error) {
	if len(proof) < 2 {
		return nil, nil, fmt.Errorf("%w: too short", ErrMalformedProof)
	}

	n := int(binary.LittleEndian.Uint16(proof))
	if len(proof) != 2+n+SignatureSize {
		return nil, nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedProof, len(proof), 2+n+SignatureSize)
	}

	return proof[2 : 2+n], proof[2+n:], nil
}
