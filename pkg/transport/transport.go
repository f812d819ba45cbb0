// Package transport defines the adapter boundary between the mesh
// bridge's supervisors and concrete radio/store-and-forward drivers.
// Drivers themselves are out of scope for this repository; only this
// contract and an in-memory fake (pkg/transport/fake) live here.
package transport

import (
	"context"

	"github.com/aegis-home/meshbridge/internal/model"
)

// Stats are the counters every adapter implementation must expose.
type Stats struct {
	PacketsSent      int64
	PacketsReceived  int64
	SendFailures     int64
	ConnectAttempts  int64
}

// InboundPacket is a single received frame, normalized across both
// transports for the relay and the ack-correlation logic.
type InboundPacket struct {
	Source      string
	Destination string
	Text        string
	Raw         []byte
	// Ack and MessageID are set when the adapter surfaces a native
	// acknowledgement event rather than a plain text frame.
	Ack       bool
	MessageID string
}

// MeshAdapter is the contract required from a LoRa packet mesh driver.
type MeshAdapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	State() model.ConnectionState

	// Send returns the device-assigned message id once the packet is
	// accepted, or an error if the adapter is not connected.
	Send(ctx context.Context, text string, destination string, wantAck bool, channelIndex int) (string, error)

	SetOnReceive(func(InboundPacket))
	SetOnConnected(func())
	SetOnDisconnected(func())
	SetOnNodeUpdate(func(model.Node))

	Stats() Stats
}

// SecureAdapter is the contract required from a store-and-forward
// (encrypted, destination-addressed) driver. Unlike MeshAdapter, every
// send requires an explicit destination; there is no broadcast.
type SecureAdapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	State() model.ConnectionState

	Send(ctx context.Context, destination, content, title string, fields map[string]interface{}) (bool, error)

	SetOnReceive(func(InboundPacket))
	SetOnConnected(func())
	SetOnDisconnected(func())

	Stats() Stats
}
