// Package coprocessor defines the confidential-compute coprocessor consumed by the ledger
// and ships a development implementation of it.
//
// The coordinator only ever sees opaque ciphertext handles. Encryption, homomorphic
// addition and threshold decryption all happen behind the Coprocessor interface; the
// decryption result comes back asynchronously together with a committee signature that
// a Verifier checks before anything trusts the cleartexts.
package coprocessor

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// HandleSize is the size of a ciphertext handle in bytes.
	HandleSize = 32

	// wordSize is the size of one packed cleartext word.
	wordSize = 32
)

// decryptionDomain separates decryption digests from every other blake3 use.
var decryptionDomain = []byte("estatebonds/decryption/v1")

var (
	// ErrUnknownHandle is returned when a handle was not produced by this coprocessor.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")

	// ErrUnknownRequest is returned when fulfilling a request id that is not pending.
	ErrUnknownRequest = errors.New("unknown decryption request")

	// ErrMalformedCleartexts is returned when a cleartext payload cannot be unpacked.
	ErrMalformedCleartexts = errors.New("malformed cleartext payload")
)

// Handle is an opaque reference to an encrypted uint32 held by the coprocessor.
// The zero handle never refers to a ciphertext.
type Handle [HandleSize]byte

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// String returns the hex encoding of the handle.
func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the handle as hex.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex handle.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}

// ParseHandle decodes a hex handle.
func ParseHandle(s string) (Handle, error) {
	var h Handle

	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode handle:\n%w", err)
	}

	if len(b) != HandleSize {
		return h, fmt.Errorf("invalid handle size: got %d, want %d", len(b), HandleSize)
	}

	copy(h[:], b)

	return h, nil
}

// Coprocessor is the confidential-compute service the ledger delegates to.
type Coprocessor interface {
	// Encrypt turns a plaintext into a fresh ciphertext handle.
	Encrypt(ctx context.Context, value uint32) (Handle, error)

	// Add returns a handle to the homomorphic sum of a and b.
	Add(ctx context.Context, a, b Handle) (Handle, error)

	// IsInitialized reports whether h refers to a usable ciphertext.
	// An error means the coprocessor could not be asked, not that h is unknown.
	IsInitialized(ctx context.Context, h Handle) (bool, error)

	// RequestDecryption schedules threshold decryption of handles and returns the request id.
	// The result is delivered later through the registered DeliverFunc.
	RequestDecryption(ctx context.Context, handles []Handle) (uint64, error)
}

// DeliverFunc receives a decryption result: cleartexts packed in handle order and the committee proof.
type DeliverFunc func(requestID uint64, cleartexts, proof []byte)

// Result is a fulfilled decryption request.
type Result struct {
	RequestID  uint64 // RequestID identifies the decryption request
	Cleartexts []byte // Cleartexts are the packed plaintext words
	Proof      []byte // Proof is the encoded committee signature
}

// PackCleartexts encodes values as 32-byte big-endian words, one per value.
func PackCleartexts(values []uint32) []byte {
	buf := make([]byte, len(values)*wordSize)

	for i, v := range values {
		binary.BigEndian.PutUint32(buf[(i+1)*wordSize-4:(i+1)*wordSize], v)
	}

	return buf
}

// UnpackCleartexts decodes exactly n uint32 words.
// Words with any of their upper 28 bytes set do not fit a uint32 and are rejected.
func UnpackCleartexts(data []byte, n int) ([]uint32, error) {
	if len(data) != n*wordSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedCleartexts, len(data), n*wordSize)
	}

	values := make([]uint32, n)

	for i := 0; i < n; i++ {
		word := data[i*wordSize : (i+1)*wordSize]

		for _, b := range word[:wordSize-4] {
			if b != 0 {
				return nil, fmt.Errorf("%w: word %d exceeds uint32", ErrMalformedCleartexts, i)
			}
		}

		values[i] = binary.BigEndian.Uint32(word[wordSize-4:])
	}

	return values, nil
}

// DecryptionDigest is the message the committee signs for a decryption result.
// Format: BLAKE3(domain || requestID (u64 BE) || cleartexts)
func DecryptionDigest(requestID uint64, cleartexts []byte) [32]byte {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], requestID)

	h := blake3.New()
	h.Write(decryptionDomain)
	h.Write(idBuf[:])
	h.Write(cleartexts)

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}
