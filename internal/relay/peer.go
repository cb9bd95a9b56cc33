package relay

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"EstateBonds/internal/logger"
)

const (
	// defaultRequestTimeout bounds a Request whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// Peer is a live connection to a remote relay node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote identity
	address   string            // address is the remote address
	dialed    bool              // dialed is set for outbound connections
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the owning node
	closed    atomic.Bool
}

// PublicKey returns the remote identity key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send pushes data to the peer on a fresh unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write message:\n%w", err)
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the response.
// A handler failure on the remote side is returned as a *RemoteError.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	return readResponse(stream)
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop serves inbound streams until the connection ends.
func (p *Peer) receiveLoop(ctx context.Context) {
	go p.acceptRequests(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("relay receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handlePush(stream)
	}

	p.closed.Store(true)
	p.node.removePeer(p)
}

func (p *Peer) acceptRequests(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleRequest(stream)
	}
}

// handleRequest answers one request stream.
func (p *Peer) handleRequest(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("relay request read failed", "peer", p.address, "error", err)
		return
	}

	response, handlerErr := p.node.callOnRequest(p, data)

	if err := writeResponse(stream, response, handlerErr); err != nil {
		logger.Debug("relay response write failed", "peer", p.address, "error", err)
	}
}

// handlePush reads one pushed message and hands it to the node if it is new.
func (p *Peer) handlePush(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("relay push read failed", "peer", p.address, "error", err)
		return
	}

	if !p.node.dedup.firstSeen(data) {
		logger.Debug("relay push deduplicated", "peer", p.address, "bytes", len(data))
		return
	}

	p.node.callOnMessage(p, data)
}
