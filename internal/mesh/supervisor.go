// Package mesh implements the mesh transport supervisor from spec
// section 4.D: connection lifecycle, reconnection backoff, node
// catalog, and acknowledgement correlation on top of a
// pkg/transport.MeshAdapter.
package mesh

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/logging"
	"github.com/aegis-home/meshbridge/internal/model"
	"github.com/aegis-home/meshbridge/pkg/transport"
)

const ackPrefix = "ACK:"

// Config bundles the mesh supervisor's tunables (spec section 4.D / 6).
type Config struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     float64
	MessageTimeout       time.Duration
	RecencyWindow        time.Duration // default 1h, for ConnectedNodes
}

// MessageCallback receives an inbound text frame: source, destination,
// text, and the raw packet bytes.
type MessageCallback func(source, destination, text string, raw []byte)

// ConnectionCallback fires with (true, CONNECTED) when the supervisor
// connects and with (false, FAILED) when it gives up reconnecting; it
// is not called for the other state transitions.
type ConnectionCallback func(connected bool, state model.ConnectionState)

// Supervisor owns the connection state machine, node catalog, and ack
// correlation for one mesh transport adapter.
type Supervisor struct {
	adapter transport.MeshAdapter
	cfg     Config
	log     *zap.Logger
	cb      *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	state model.ConnectionState
	nodes map[string]model.Node

	receiptsMu sync.Mutex
	receipts   map[string]model.DeliveryReceipt

	callbackMu  sync.RWMutex
	onMessage   []MessageCallback
	onNodeUpd   []func(model.Node)
	onConn      []ConnectionCallback

	inbound chan transport.InboundPacket

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	attempts  int
}

func New(adapter transport.MeshAdapter, cfg Config, log *zap.Logger) *Supervisor {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = time.Hour
	}
	s := &Supervisor{
		adapter: adapter,
		cfg:     cfg,
		log:     log,
		state:   model.StateDisconnected,
		nodes:   make(map[string]model.Node),
		receipts: make(map[string]model.DeliveryReceipt),
		inbound: make(chan transport.InboundPacket, 256),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "mesh-send",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	adapter.SetOnReceive(s.enqueueInbound)
	adapter.SetOnConnected(func() { s.setState(model.StateConnected); s.notifyConnection(true, model.StateConnected) })
	adapter.SetOnDisconnected(s.handleDisconnect)
	adapter.SetOnNodeUpdate(s.applyNodeUpdate)
	return s
}

// Start connects to the device and launches the receive loop. Per
// spec 4.D, on initial connect failure the reconnect loop takes over
// rather than returning an error.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runCtx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.receiveLoop(s.runCtx)

	if err := s.connect(s.runCtx); err != nil {
		s.log.Warn("mesh initial connect failed, entering reconnect loop",
			logging.TransportFields("mesh", "connect").Error(err).Zap()...)
		s.wg.Add(1)
		go s.reconnectLoop(s.runCtx)
	}
	return nil
}

// Stop cancels the supervisor's loops and disconnects the adapter.
func (s *Supervisor) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.adapter.Disconnect()
}

func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(model.StateConnecting)
	if err := s.adapter.Connect(ctx); err != nil {
		s.setState(model.StateReconnecting)
		return err
	}
	s.attempts = 0
	s.setState(model.StateConnected)
	s.notifyConnection(true, model.StateConnected)
	return nil
}

func (s *Supervisor) handleDisconnect() {
	if s.State() == model.StateFailed {
		return
	}
	s.setState(model.StateReconnecting)
	if s.runCtx == nil || s.runCtx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go s.reconnectLoop(s.runCtx)
}

// reconnectLoop implements spec 4.D's backoff policy: sleep
// reconnect_delay, attempt reconnect, multiply delay by
// backoff_multiplier on failure (capped at 300s), up to
// max_reconnect_attempts, then FAILED.
func (s *Supervisor) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()
	s.setState(model.StateReconnecting)
	delay := s.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	backoff := s.cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 1.5
	}
	maxAttempts := s.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	for s.attempts < maxAttempts {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.attempts++
		s.log.Info("mesh reconnect attempt",
			logging.TransportFields("mesh", "reconnect").Custom("attempt", s.attempts).Custom("max_attempts", maxAttempts).Zap()...)

		if err := s.connect(ctx); err == nil {
			return
		}

		delay = time.Duration(float64(delay) * backoff)
		if delay > 300*time.Second {
			delay = 300 * time.Second
		}
	}

	s.setState(model.StateFailed)
	s.notifyConnection(false, model.StateFailed)
	s.log.Error("mesh max reconnect attempts reached", logging.TransportFields("mesh", "reconnect").Zap()...)
}

func (s *Supervisor) enqueueInbound(pkt transport.InboundPacket) {
	select {
	case s.inbound <- pkt:
	default:
		s.log.Warn("mesh inbound buffer full, dropping packet", logging.TransportFields("mesh", "receive").Zap()...)
	}
}

// receiveLoop is the single long-lived consumer of inbound packets; it
// performs ack correlation and fans out to registered message
// callbacks, snapshotting the callback list under lock and invoking
// outside it per spec section 9's re-architecture guidance.
func (s *Supervisor) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.inbound:
			s.handlePacket(pkt)
		}
	}
}

func (s *Supervisor) handlePacket(pkt transport.InboundPacket) {
	if pkt.Ack {
		s.AcknowledgeReceipt(pkt.MessageID)
	}
	if strings.HasPrefix(pkt.Text, ackPrefix) {
		id := strings.TrimSpace(strings.TrimPrefix(pkt.Text, ackPrefix))
		s.AcknowledgeReceipt(id)
	}

	s.callbackMu.RLock()
	callbacks := append([]MessageCallback(nil), s.onMessage...)
	s.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb(pkt.Source, pkt.Destination, pkt.Text, pkt.Raw)
	}
}

// Send dispatches a message through the adapter's circuit breaker.
// Returns ok=false if not CONNECTED, matching spec 4.D.
func (s *Supervisor) Send(ctx context.Context, text, destination string, wantAck bool, channelIndex int) (string, bool) {
	if s.State() != model.StateConnected {
		return "", false
	}
	sendCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.MessageTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, s.cfg.MessageTimeout)
		defer cancel()
	}

	result, err := s.cb.Execute(func() (interface{}, error) {
		return s.adapter.Send(sendCtx, text, destination, wantAck, channelIndex)
	})
	if err != nil {
		return "", false
	}
	id := result.(string)
	if wantAck {
		s.receiptsMu.Lock()
		s.receipts[id] = model.DeliveryReceipt{MessageID: id, NodeID: destination, CreatedAt: time.Now().UTC()}
		s.receiptsMu.Unlock()
	}
	return id, true
}

// AcknowledgeReceipt marks a pending delivery receipt acknowledged,
// honoring both the native adapter ack event and the ACK: text prefix
// per spec section 9's open-question resolution.
func (s *Supervisor) AcknowledgeReceipt(messageID string) bool {
	if messageID == "" {
		return false
	}
	s.receiptsMu.Lock()
	defer s.receiptsMu.Unlock()
	if _, ok := s.receipts[messageID]; !ok {
		return false
	}
	delete(s.receipts, messageID)
	return true
}

func (s *Supervisor) applyNodeUpdate(update model.Node) {
	now := time.Now().UTC()
	s.mu.Lock()
	node, ok := s.nodes[update.NodeID]
	if !ok {
		node = model.Node{NodeID: update.NodeID}
	}
	node.MergeFrom(update, now)
	s.nodes[update.NodeID] = node
	s.mu.Unlock()

	s.callbackMu.RLock()
	callbacks := append([]func(model.Node){}, s.onNodeUpd...)
	s.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb(node)
	}
}

func (s *Supervisor) setState(state model.ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) State() model.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) notifyConnection(connected bool, state model.ConnectionState) {
	s.callbackMu.RLock()
	callbacks := append([]ConnectionCallback(nil), s.onConn...)
	s.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb(connected, state)
	}
}

func (s *Supervisor) OnMessage(cb MessageCallback) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onMessage = append(s.onMessage, cb)
}

func (s *Supervisor) OnNodeUpdate(cb func(model.Node)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onNodeUpd = append(s.onNodeUpd, cb)
}

func (s *Supervisor) OnConnection(cb ConnectionCallback) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onConn = append(s.onConn, cb)
}

func (s *Supervisor) Nodes() []model.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

func (s *Supervisor) Node(id string) (model.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// ConnectedNodes returns nodes heard within the configured recency
// window (default 1 hour), per spec section 3's "connected" predicate.
func (s *Supervisor) ConnectedNodes() []model.Node {
	now := time.Now().UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Node, 0)
	for _, n := range s.nodes {
		if n.Connected(now, s.cfg.RecencyWindow) {
			out = append(out, n)
		}
	}
	return out
}

func (s *Supervisor) Stats() transport.Stats {
	return s.adapter.Stats()
}
