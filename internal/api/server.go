// Package api exposes the ledger over HTTP: signed calls, the decryption
// callback, read endpoints, the event feed and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"EstateBonds/internal/eventlog"
	"EstateBonds/internal/ledger"
	"EstateBonds/internal/logger"
	"EstateBonds/internal/storage"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB
)

// Options configures optional server collaborators.
type Options struct {
	// Registry receives the API collectors; nil creates a private registry.
	Registry *prometheus.Registry

	// CoprocessorConnected reports coprocessor reachability on /status; nil omits it.
	CoprocessorConnected func() bool
}

// Server is the HTTP API server.
type Server struct {
	addr     string              // addr is the HTTP listen address
	ledger   *ledger.Ledger      // ledger executes calls and answers reads
	nonces   *nonceStore         // nonces guards against call replay
	metrics  *metrics            // metrics are the Prometheus collectors
	registry *prometheus.Registry
	copReady func() bool
	onEvent  func(eventlog.Event) // onEvent feeds the event counter
	server   *http.Server         // server is the underlying HTTP server
}

// New creates a new HTTP API server. Nonces are kept in db next to the ledger state.
func New(addr string, l *ledger.Ledger, db *storage.Storage, opts Options) *Server {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
	}

	s := &Server{
		addr:     addr,
		ledger:   l,
		nonces:   &nonceStore{db: db},
		metrics:  newMetrics(reg),
		registry: reg,
		copReady: opts.CoprocessorConnected,
	}

	s.onEvent = s.metrics.observeEvent
	l.Events().Subscribe("", s.onEvent)

	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /call", s.handleCall)
	mux.HandleFunc("POST /callback", s.handleCallback)
	mux.HandleFunc("GET /batch/{id}", s.handleBatch)
	mux.HandleFunc("GET /batch/{id}/totals", s.handleBatchTotals)
	mux.HandleFunc("GET /batch/{id}/submission/{provider}", s.handleSubmission)
	mux.HandleFunc("GET /totals", s.handleGlobalTotals)
	mux.HandleFunc("GET /decryption/{requestID}", s.handleDecryption)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /nonce/{address}", s.handleNonce)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.ledger.Events().Unsubscribe("", s.onEvent)

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// CallResult is the response to an accepted call.
type CallResult struct {
	Method string         `json:"method"`
	Caller common.Address `json:"caller"`
	Nonce  uint64         `json:"nonce"`
	Result any            `json:"result"`
}

// handleCall handles POST /call requests.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := readJSON(r, &env); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
		return
	}

	caller, err := env.verify()
	if err != nil {
		writeError(w, err)
		return
	}

	call, ok := methods[env.Method]
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", ErrUnknownMethod, env.Method))
		return
	}

	if err := s.nonces.consume(caller, env.Nonce); err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	result, err := call(r.Context(), s.ledger, caller, env.Args)
	s.observe(env.Method, start, err)

	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CallResult{
		Method: env.Method,
		Caller: caller,
		Nonce:  env.Nonce,
		Result: result,
	})
}

// CallbackRequest is a decryption result posted by the coprocessor.
type CallbackRequest struct {
	RequestID  uint64        `json:"requestId"`
	Cleartexts hexutil.Bytes `json:"cleartexts"`
	Proof      hexutil.Bytes `json:"proof"`
}

// handleCallback handles POST /callback requests.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidArgs, err))
		return
	}

	start := time.Now()
	res, err := s.ledger.OnDecryptionResult(req.RequestID, req.Cleartexts, req.Proof)
	s.observe("onDecryptionResult", start, err)

	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleBatch handles GET /batch/{id} requests.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}

	b, err := s.ledger.Batch(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if !b.Exists {
		writeError(w, fmt.Errorf("%w: %d", ledger.ErrBatchDoesNotExist, id))
		return
	}

	writeJSON(w, http.StatusOK, b)
}

// handleBatchTotals handles GET /batch/{id}/totals requests.
func (s *Server) handleBatchTotals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}

	totals, err := s.ledger.BatchTotals(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, totals)
}

// handleSubmission handles GET /batch/{id}/submission/{provider} requests.
func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}

	provider, ok := pathAddress(w, r, "provider")
	if !ok {
		return
	}

	sub, found, err := s.ledger.Submission(id, provider)
	if err != nil {
		writeError(w, err)
		return
	}

	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no submission", Code: "no_submission"})
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// handleGlobalTotals handles GET /totals requests.
func (s *Server) handleGlobalTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.ledger.GlobalTotals()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, totals)
}

// handleDecryption handles GET /decryption/{requestID} requests.
func (s *Server) handleDecryption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "requestID")
	if !ok {
		return
	}

	dc, found, err := s.ledger.DecryptionContext(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if !found {
		writeError(w, fmt.Errorf("%w: %d", ledger.ErrUnknownRequest, id))
		return
	}

	writeJSON(w, http.StatusOK, dc)
}

// EventPage is one page of the event feed.
type EventPage struct {
	Events []eventlog.Event `json:"events"`
	Next   uint64           `json:"next"` // Next is the from value of the following page
}

// handleEvents handles GET /events?from=&limit= requests.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 1)
	if err != nil {
		writeError(w, err)
		return
	}

	limit, err := queryUint(r, "limit", eventlog.DefaultLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.ledger.Events().Since(from, int(min(limit, eventlog.MaxLimit)))
	if err != nil {
		writeError(w, err)
		return
	}

	next := max(from, 1)
	if len(events) > 0 {
		next = events[len(events)-1].Seq + 1
	}

	if events == nil {
		events = []eventlog.Event{}
	}

	writeJSON(w, http.StatusOK, EventPage{Events: events, Next: next})
}

// NonceInfo is the response to GET /nonce/{address}.
type NonceInfo struct {
	Address common.Address `json:"address"`
	Last    uint64         `json:"last"`
}

// handleNonce handles GET /nonce/{address} requests.
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}

	last, err := s.nonces.last(addr)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, NonceInfo{Address: addr, Last: last})
}

// handleSnapshot handles GET /snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.ledger.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="estatebonds.snapshot"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status is the response to GET /status.
type Status struct {
	Contract             common.Address `json:"contract"`
	Owner                common.Address `json:"owner"`
	Paused               bool           `json:"paused"`
	CooldownSeconds      uint64         `json:"cooldownSeconds"`
	EventHead            uint64         `json:"eventHead"`
	CoprocessorConnected *bool          `json:"coprocessorConnected,omitempty"`
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	owner, err := s.ledger.Owner()
	if err != nil {
		writeError(w, err)
		return
	}

	paused, err := s.ledger.Paused()
	if err != nil {
		writeError(w, err)
		return
	}

	cooldown, err := s.ledger.CooldownSeconds()
	if err != nil {
		writeError(w, err)
		return
	}

	st := Status{
		Contract:        s.ledger.Address(),
		Owner:           owner,
		Paused:          paused,
		CooldownSeconds: cooldown,
		EventHead:       s.ledger.Events().Head(),
	}

	if s.copReady != nil {
		ready := s.copReady()
		st.CoprocessorConnected = &ready
	}

	writeJSON(w, http.StatusOK, st)
}

// observe records the outcome and latency of one ledger call.
func (s *Server) observe(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		_, outcome = classify(err)
	}

	s.metrics.calls.WithLabelValues(method, outcome).Inc()
	s.metrics.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// readJSON decodes a size-limited request body into v.
func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body:\n%w", err)
	}

	if len(body) == 0 {
		return errors.New("empty body")
	}

	return json.Unmarshal(body, v)
}

// pathUint parses a uint64 path value, writing a 400 on failure.
func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %s must be an unsigned integer", ErrInvalidArgs, name))
		return 0, false
	}

	return v, true
}

// pathAddress parses a hex address path value, writing a 400 on failure.
func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := r.PathValue(name)
	if !common.IsHexAddress(raw) {
		writeError(w, fmt.Errorf("%w: %s must be a hex address", ErrInvalidArgs, name))
		return common.Address{}, false
	}

	return common.HexToAddress(raw), true
}

// queryUint parses an optional uint64 query parameter.
func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", ErrInvalidArgs, name)
	}

	return v, nil
}

// errorResponse is the body of every error response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with its stable code.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logger.Error("api request failed", "error", err)
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
