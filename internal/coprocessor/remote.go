package coprocessor

import (
	"context"
	"fmt"
)

// Requester sends a request to the coprocessor and returns its response.
// *relay.Peer satisfies it.
type Requester interface {
	Request(ctx context.Context, data []byte) ([]byte, error)
}

// Remote is a Coprocessor reached over the relay.
// Decryption results arrive separately as pushed messages; see DecodeResult.
type Remote struct {
	peer func() Requester // peer returns the current connection, or nil
}

// NewRemote creates a Remote that sends through whatever peer returns.
// peer is consulted on every call so a redialed connection is picked up.
func NewRemote(peer func() Requester) *Remote {
	return &Remote{peer: peer}
}

// Encrypt asks the coprocessor to encrypt value.
func (r *Remote) Encrypt(ctx context.Context, value uint32) (Handle, error) {
	resp, err := r.call(ctx, newEncoder(kindEncrypt).u32(value).buf)
	if err != nil {
		return Handle{}, fmt.Errorf("encrypt:\n%w", err)
	}

	return decodeHandleResponse(resp)
}

// Add asks the coprocessor for the homomorphic sum of a and b.
func (r *Remote) Add(ctx context.Context, a, b Handle) (Handle, error) {
	resp, err := r.call(ctx, newEncoder(kindAdd).handle(a).handle(b).buf)
	if err != nil {
		return Handle{}, fmt.Errorf("add:\n%w", err)
	}

	return decodeHandleResponse(resp)
}

// IsInitialized asks the coprocessor whether it holds h.
// A transport failure is returned as an error, never as a missing handle.
func (r *Remote) IsInitialized(ctx context.Context, h Handle) (bool, error) {
	if h.IsZero() {
		return false, nil
	}

	resp, err := r.call(ctx, newEncoder(kindIsInitialized).handle(h).buf)
	if err != nil {
		return false, fmt.Errorf("check handle:\n%w", err)
	}

	if len(resp) != 1 || resp[0] > 1 {
		return false, fmt.Errorf("check handle: malformed response of %d bytes", len(resp))
	}

	return resp[0] == 1, nil
}

// RequestDecryption schedules decryption of handles on the coprocessor.
func (r *Remote) RequestDecryption(ctx context.Context, handles []Handle) (uint64, error) {
	resp, err := r.call(ctx, encodeHandles(kindRequestDecryption, handles))
	if err != nil {
		return 0, fmt.Errorf("request decryption:\n%w", err)
	}

	d := newDecoder(resp)
	id := d.u64()

	if err := d.finish(); err != nil {
		return 0, fmt.Errorf("decode request id:\n%w", err)
	}

	return id, nil
}

func (r *Remote) call(ctx context.Context, req []byte) ([]byte, error) {
	peer := r.peer()
	if peer == nil {
		return nil, fmt.Errorf("coprocessor not connected")
	}

	return peer.Request(ctx, req)
}

func decodeHandleResponse(resp []byte) (Handle, error) {
	d := newDecoder(resp)
	h := d.handle()

	if err := d.finish(); err != nil {
		return Handle{}, fmt.Errorf("decode handle:\n%w", err)
	}

	return h, nil
}
