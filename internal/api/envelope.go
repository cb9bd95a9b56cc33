package api

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"
)

const (
	// senderSize is the expected size of an Ed25519 public key.
	senderSize = ed25519.PublicKeySize

	// signatureSize is the expected size of an Ed25519 signature.
	signatureSize = ed25519.SignatureSize
)

// callDomain separates call digests from every other blake3 use.
var callDomain = []byte("estatebonds/call/v1")

var (
	// ErrInvalidSignature is returned when an envelope's signature does not verify.
	ErrInvalidSignature = errors.New("invalid call signature")

	// ErrMalformedEnvelope is returned when an envelope has missing or misshapen fields.
	ErrMalformedEnvelope = errors.New("malformed call envelope")
)

// Envelope is a signed ledger call as posted to /call.
type Envelope struct {
	Sender    string          `json:"sender"`    // Sender is the hex Ed25519 public key of the caller
	Method    string          `json:"method"`    // Method is the ledger operation name
	Args      json.RawMessage `json:"args"`      // Args are the method arguments, signed as sent
	Nonce     uint64          `json:"nonce"`     // Nonce must exceed the sender's previous nonce
	Signature string          `json:"signature"` // Signature is the hex Ed25519 signature over CallDigest
}

// CallDigest is the message a caller signs.
// Format: BLAKE3(domain || method || 0x00 || args || nonce (u64 BE))
func CallDigest(method string, args []byte, nonce uint64) [32]byte {
	h := blake3.New()
	h.Write(callDomain)
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(args)
	h.Write(binary.BigEndian.AppendUint64(nil, nonce))

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}

// CallerAddress derives the ledger identity of an Ed25519 key: the last 20 bytes of BLAKE3(pubkey).
func CallerAddress(pub ed25519.PublicKey) common.Address {
	sum := blake3.Sum256(pub)
	return common.BytesToAddress(sum[12:])
}

// SignCall builds a signed envelope for method with JSON-encoded args.
func SignCall(key ed25519.PrivateKey, method string, args any, nonce uint64) (Envelope, error) {
	raw := []byte("{}")

	if args != nil {
		var err error
		if raw, err = json.Marshal(args); err != nil {
			return Envelope{}, fmt.Errorf("encode %s args:\n%w", method, err)
		}
	}

	digest := CallDigest(method, raw, nonce)
	pub := key.Public().(ed25519.PublicKey)

	return Envelope{
		Sender:    hex.EncodeToString(pub),
		Method:    method,
		Args:      raw,
		Nonce:     nonce,
		Signature: hex.EncodeToString(ed25519.Sign(key, digest[:])),
	}, nil
}

// verify checks the envelope's shape and signature and returns the caller's address.
func (e Envelope) verify() (common.Address, error) {
	sender, err := hex.DecodeString(e.Sender)
	if err != nil || len(sender) != senderSize {
		return common.Address{}, fmt.Errorf("%w: sender must be a %d-byte hex key", ErrMalformedEnvelope, senderSize)
	}

	sig, err := hex.DecodeString(e.Signature)
	if err != nil || len(sig) != signatureSize {
		return common.Address{}, fmt.Errorf("%w: signature must be %d hex bytes", ErrMalformedEnvelope, signatureSize)
	}

	if e.Method == "" {
		return common.Address{}, fmt.Errorf("%w: empty method", ErrMalformedEnvelope)
	}

	digest := CallDigest(e.Method, e.Args, e.Nonce)

	if !ed25519.Verify(sender, digest[:], sig) {
		return common.Address{}, ErrInvalidSignature
	}

	return CallerAddress(sender), nil
}
