// Package relay carries coprocessor traffic between the coordinator and a remote
// coprocessor over QUIC. Peers are identified by the ed25519 key in their TLS certificate.
package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"EstateBonds/internal/logger"
)

const (
	// defaultReconnectDelay is the first delay before redialing a lost peer.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the reconnect backoff.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "estatebonds-relay/1"
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey  // PrivateKey is the node identity
	ListenAddr     string              // ListenAddr is the address to accept on; empty for dial-only
	AllowedKeys    []ed25519.PublicKey // AllowedKeys restricts inbound peers; empty allows all
	ReconnectDelay time.Duration       // ReconnectDelay is the initial redial delay
	DedupTTL       time.Duration       // DedupTTL is how long pushed messages are remembered
}

// Node accepts and dials relay connections.
type Node struct {
	privateKey  ed25519.PrivateKey
	publicKey   ed25519.PublicKey
	listenAddr  string
	allowedKeys []ed25519.PublicKey
	tlsConfig   *tls.Config
	quicConfig  *quic.Config

	listener *quic.Listener

	peersMu sync.RWMutex
	peers   map[string]*Peer // peers maps public key hex to peer

	dialsMu sync.Mutex
	dials   map[string]dialTarget // dials maps public key hex to how it was reached

	reconnectDelay time.Duration
	dedup          *dedup

	handlersMu   sync.RWMutex
	onConnect    func(*Peer)
	onMessage    func(*Peer, []byte)
	onDisconnect func(*Peer)
	onRequest    func(*Peer, []byte) ([]byte, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// dialTarget remembers an outbound peer for redialing.
type dialTarget struct {
	addr string
	want ed25519.PublicKey
}

// NewNode creates a relay node. Call Start to accept inbound connections.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := selfSignedCert(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // keys are checked against AllowedKeys and dial pins
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		allowedKeys:    cfg.AllowedKeys,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[string]*Peer),
		dials:          make(map[string]dialTarget),
		reconnectDelay: reconnectDelay,
		dedup:          newDedup(cfg.DedupTTL),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node identity key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener address, or "" for a dial-only node.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections. It is a no-op for a dial-only node.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return nil
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("relay listening", "addr", n.Addr())

	return nil
}

// Connect dials addr. If want is set, the remote must present that key.
// The peer is redialed with backoff if the connection drops.
func (n *Node) Connect(ctx context.Context, addr string, want ed25519.PublicKey) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	pub, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "bad certificate")
		return nil, err
	}

	if want != nil && !bytes.Equal(pub, want) {
		conn.CloseWithError(1, "unexpected key")
		return nil, fmt.Errorf("peer at %s presented key %x, want %x", addr, pub[:8], want[:8])
	}

	peer := n.addPeer(conn, pub, addr, true)

	n.dialsMu.Lock()
	n.dials[hex.EncodeToString(pub)] = dialTarget{addr: addr, want: want}
	n.dialsMu.Unlock()

	return peer, nil
}

// Broadcast pushes data to every connected peer.
func (n *Node) Broadcast(data []byte) error {
	var lastErr error

	for _, p := range n.Peers() {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Peers returns the connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the connected peer with the given key, or nil.
func (n *Node) GetPeer(pub ed25519.PublicKey) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[hex.EncodeToString(pub)]
}

// OnConnect sets the handler called when a peer connects or reconnects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler for pushed messages.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer drops.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for request/response exchanges.
// A returned error is sent back to the caller as a RemoteError.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops accepting, drops every peer and waits for background work.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()
	n.dedup.close()

	return nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming admits an inbound connection if its key is allowed.
func (n *Node) handleIncoming(conn *quic.Conn) {
	pub, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "bad certificate")
		return
	}

	if !keyAllowed(pub, n.allowedKeys) {
		logger.Warn("relay peer rejected", "key", hex.EncodeToString(pub[:8]), "addr", conn.RemoteAddr())
		conn.CloseWithError(2, "key not allowed")
		return
	}

	peer := n.addPeer(conn, pub, conn.RemoteAddr().String(), false)
	n.callOnConnect(peer)
}

// addPeer registers a connection and starts its receive loop.
func (n *Node) addPeer(conn *quic.Conn, pub ed25519.PublicKey, addr string, dialed bool) *Peer {
	peer := &Peer{
		publicKey: pub,
		address:   addr,
		dialed:    dialed,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[hex.EncodeToString(pub)] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop(n.ctx)
	}()

	return peer
}

// removePeer forgets p and schedules a redial if we dialed it.
func (n *Node) removePeer(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if !p.dialed || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redial(keyHex)
	}()
}

// redial reconnects to an outbound peer with exponential backoff.
func (n *Node) redial(keyHex string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.dialsMu.Lock()
		target, ok := n.dials[keyHex]
		n.dialsMu.Unlock()

		if !ok {
			return
		}

		n.peersMu.RLock()
		_, connected := n.peers[keyHex]
		n.peersMu.RUnlock()

		if connected {
			return
		}

		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		peer, err := n.Connect(ctx, target.addr, target.want)
		cancel()

		if err == nil {
			logger.Info("relay peer reconnected", "addr", target.addr)
			n.callOnConnect(peer)
			return
		}

		logger.Debug("relay redial failed", "addr", target.addr, "error", err, "retry", delay)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
