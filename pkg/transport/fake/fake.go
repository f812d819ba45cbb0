// Package fake provides in-memory MeshAdapter/SecureAdapter
// implementations for tests, grounded on the teacher's FakeK8sClient
// pattern (pkg/executor/executor_test.go): a hand-written fake
// satisfying a small interface rather than a mocking framework.
package fake

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/aegis-home/meshbridge/internal/model"
	"github.com/aegis-home/meshbridge/pkg/transport"
)

// MeshAdapter is an in-memory transport.MeshAdapter. ConnectFunc, when
// set, overrides the default always-succeeds Connect behavior so tests
// can simulate connect failures.
type MeshAdapter struct {
	ConnectFunc func(ctx context.Context) error
	SendFunc    func(ctx context.Context, text, destination string, wantAck bool, channelIndex int) (string, error)

	mu          sync.Mutex
	connected   bool
	state       model.ConnectionState
	sentCount   int64
	nextID      int64
	onReceive   func(transport.InboundPacket)
	onConnected func()
	onDisconn   func()
	onNodeUpd   func(model.Node)
}

func NewMeshAdapter() *MeshAdapter {
	return &MeshAdapter{state: model.StateDisconnected}
}

func (a *MeshAdapter) Connect(ctx context.Context) error {
	if a.ConnectFunc != nil {
		if err := a.ConnectFunc(ctx); err != nil {
			a.mu.Lock()
			a.state = model.StateFailed
			a.mu.Unlock()
			return err
		}
	}
	a.mu.Lock()
	a.connected = true
	a.state = model.StateConnected
	cb := a.onConnected
	a.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (a *MeshAdapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.state = model.StateDisconnected
	cb := a.onDisconn
	a.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (a *MeshAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *MeshAdapter) State() model.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *MeshAdapter) Send(ctx context.Context, text, destination string, wantAck bool, channelIndex int) (string, error) {
	if a.SendFunc != nil {
		return a.SendFunc(ctx, text, destination, wantAck, channelIndex)
	}
	if !a.IsConnected() {
		return "", context.Canceled
	}
	atomic.AddInt64(&a.sentCount, 1)
	id := atomic.AddInt64(&a.nextID, 1)
	return strconv.FormatInt(id, 10), nil
}

func (a *MeshAdapter) SetOnReceive(f func(transport.InboundPacket)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReceive = f
}

func (a *MeshAdapter) SetOnConnected(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConnected = f
}

func (a *MeshAdapter) SetOnDisconnected(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDisconn = f
}

func (a *MeshAdapter) SetOnNodeUpdate(f func(model.Node)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onNodeUpd = f
}

func (a *MeshAdapter) Stats() transport.Stats {
	return transport.Stats{PacketsSent: atomic.LoadInt64(&a.sentCount)}
}

// Deliver simulates an inbound packet arriving from the device,
// invoking the registered receive callback if any.
func (a *MeshAdapter) Deliver(pkt transport.InboundPacket) {
	a.mu.Lock()
	cb := a.onReceive
	a.mu.Unlock()
	if cb != nil {
		cb(pkt)
	}
}

// PushNodeUpdate simulates the device surfacing a node telemetry
// packet, invoking the registered node-update callback if any.
func (a *MeshAdapter) PushNodeUpdate(n model.Node) {
	a.mu.Lock()
	cb := a.onNodeUpd
	a.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

// SecureAdapter is an in-memory transport.SecureAdapter.
type SecureAdapter struct {
	SendFunc func(ctx context.Context, destination, content, title string, fields map[string]interface{}) (bool, error)

	mu        sync.Mutex
	connected bool
	state     model.ConnectionState
	onReceive func(transport.InboundPacket)
	onConn    func()
	onDisconn func()
	Sent      []SentMessage
}

type SentMessage struct {
	Destination string
	Content     string
	Title       string
	Fields      map[string]interface{}
}

func NewSecureAdapter() *SecureAdapter {
	return &SecureAdapter{state: model.StateDisconnected}
}

func (a *SecureAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.state = model.StateConnected
	cb := a.onConn
	a.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (a *SecureAdapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.state = model.StateDisconnected
	cb := a.onDisconn
	a.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (a *SecureAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *SecureAdapter) State() model.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *SecureAdapter) Send(ctx context.Context, destination, content, title string, fields map[string]interface{}) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SendFunc != nil {
		return a.SendFunc(ctx, destination, content, title, fields)
	}
	if destination == "" {
		return false, context.Canceled
	}
	a.Sent = append(a.Sent, SentMessage{Destination: destination, Content: content, Title: title, Fields: fields})
	return true, nil
}

func (a *SecureAdapter) SetOnReceive(f func(transport.InboundPacket)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReceive = f
}

func (a *SecureAdapter) SetOnConnected(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConn = f
}

func (a *SecureAdapter) SetOnDisconnected(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDisconn = f
}

func (a *SecureAdapter) Stats() transport.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return transport.Stats{PacketsSent: int64(len(a.Sent))}
}

// Deliver simulates an inbound LXMF-style message being received.
func (a *SecureAdapter) Deliver(pkt transport.InboundPacket) {
	a.mu.Lock()
	cb := a.onReceive
	a.mu.Unlock()
	if cb != nil {
		cb(pkt)
	}
}
