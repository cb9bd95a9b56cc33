package coprocessor

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"EstateBonds/internal/logger"
	"EstateBonds/internal/relay"
)

// serveTimeout bounds the work done for one relay request.
const serveTimeout = 30 * time.Second

// Server exposes a Local coprocessor on a relay node and pushes its
// decryption results to every connected coordinator. Results that could not be
// pushed are kept and re-pushed when a coordinator connects.
type Server struct {
	local *Local
	node  *relay.Node

	log *slog.Logger

	mu      sync.Mutex
	backlog map[uint64][]byte // backlog holds encoded results not yet pushed
}

// NewServer wires local to node. The node should be started by the caller.
func NewServer(local *Local, node *relay.Node) *Server {
	s := &Server{
		local:   local,
		node:    node,
		log:     logger.With("component", "coprocessor-server"),
		backlog: make(map[uint64][]byte),
	}

	node.OnRequest(s.handleRequest)
	node.OnConnect(func(*relay.Peer) { s.flush() })
	local.OnResult(s.publish)

	return s
}

// Backlog returns the number of results waiting for a coordinator.
func (s *Server) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.backlog)
}

// handleRequest decodes one coprocessor call and runs it against the local coprocessor.
func (s *Server) handleRequest(_ *relay.Peer, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), serveTimeout)
	defer cancel()

	return s.dispatch(ctx, data)
}

func (s *Server) dispatch(ctx context.Context, data []byte) ([]byte, error) {
	d := newDecoder(data)

	switch kind := d.u8(); kind {
	case kindEncrypt:
		value := d.u32()
		if err := d.finish(); err != nil {
			return nil, err
		}

		h, err := s.local.Encrypt(ctx, value)
		if err != nil {
			return nil, err
		}

		return h[:], nil

	case kindAdd:
		a, b := d.handle(), d.handle()
		if err := d.finish(); err != nil {
			return nil, err
		}

		h, err := s.local.Add(ctx, a, b)
		if err != nil {
			return nil, err
		}

		return h[:], nil

	case kindIsInitialized:
		h := d.handle()
		if err := d.finish(); err != nil {
			return nil, err
		}

		if s.local.holds(h) {
			return []byte{1}, nil
		}

		return []byte{0}, nil

	case kindRequestDecryption:
		handles := decodeHandles(d)
		if err := d.finish(); err != nil {
			return nil, err
		}

		id, err := s.local.RequestDecryption(ctx, handles)
		if err != nil {
			return nil, err
		}

		return binary.LittleEndian.AppendUint64(nil, id), nil

	default:
		if d.err != nil {
			return nil, d.err
		}

		return nil, fmt.Errorf("unknown message kind %d", kind)
	}
}

// publish pushes a fulfilled result to every connected coordinator.
func (s *Server) publish(requestID uint64, cleartexts, proof []byte) {
	msg := EncodeResult(Result{RequestID: requestID, Cleartexts: cleartexts, Proof: proof})

	if !s.push(requestID, msg) {
		s.mu.Lock()
		s.backlog[requestID] = msg
		s.mu.Unlock()
	}
}

// flush re-pushes every backlogged result.
func (s *Server) flush() {
	s.mu.Lock()
	pending := make(map[uint64][]byte, len(s.backlog))
	for id, msg := range s.backlog {
		pending[id] = msg
	}
	s.mu.Unlock()

	for id, msg := range pending {
		if s.push(id, msg) {
			s.mu.Lock()
			delete(s.backlog, id)
			s.mu.Unlock()
		}
	}
}

// push broadcasts msg and reports whether at least one coordinator received it.
func (s *Server) push(requestID uint64, msg []byte) bool {
	peers := len(s.node.Peers())
	if peers == 0 {
		s.log.Warn("result held, no coordinator connected", "request", requestID)
		return false
	}

	if err := s.node.Broadcast(msg); err != nil {
		s.log.Warn("result push failed", "request", requestID, "error", err)
		return false
	}

	s.log.Debug("result pushed", "request", requestID, "peers", peers)

	return true
}
