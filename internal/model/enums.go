package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority is a closed, ordered enum. Lower values are more urgent;
// ordering drives the priority queue directly.
type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityInfo
)

var priorityNames = map[Priority]string{
	PriorityCritical: "CRITICAL",
	PriorityHigh:     "HIGH",
	PriorityMedium:   "MEDIUM",
	PriorityLow:      "LOW",
	PriorityInfo:     "INFO",
}

var priorityPrefixes = map[Priority]string{
	PriorityCritical: "[!!!]",
	PriorityHigh:     "[!!]",
	PriorityMedium:   "[!]",
	PriorityLow:      "[i]",
	PriorityInfo:     "[.]",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Prefix returns the mesh text prefix for this priority, per spec 4.H.
func (p Priority) Prefix() string {
	return priorityPrefixes[p]
}

// Demote returns the next-lower priority, capped at INFO. CRITICAL
// never demotes — callers must check that separately before calling.
func (p Priority) Demote() Priority {
	if p >= PriorityInfo {
		return PriorityInfo
	}
	return p + 1
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "MEDIUM":
		return PriorityMedium, nil
	case "LOW":
		return PriorityLow, nil
	case "INFO":
		return PriorityInfo, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown priority value %d", int(p))
	}
	return json.Marshal(name)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Protocol selects which transport(s) carry a message.
type Protocol string

const (
	ProtocolMesh   Protocol = "MESH"
	ProtocolSecure Protocol = "SECURE"
	ProtocolBoth   Protocol = "BOTH"
)

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ProtocolMesh):
		return ProtocolMesh, nil
	case string(ProtocolSecure):
		return ProtocolSecure, nil
	case string(ProtocolBoth):
		return ProtocolBoth, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

func (p Protocol) MarshalJSON() ([]byte, error) {
	if _, err := ParseProtocol(string(p)); err != nil {
		return nil, err
	}
	return json.Marshal(string(p))
}

func (p *Protocol) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseProtocol(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MessageStatus tracks a QueuedMessage's lifecycle.
type MessageStatus string

const (
	StatusPending      MessageStatus = "PENDING"
	StatusSending      MessageStatus = "SENDING"
	StatusDelivered    MessageStatus = "DELIVERED"
	StatusFailed       MessageStatus = "FAILED"
	StatusAcknowledged MessageStatus = "ACKNOWLEDGED"
)

func ParseMessageStatus(s string) (MessageStatus, error) {
	switch MessageStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusSending:
		return StatusSending, nil
	case StatusDelivered:
		return StatusDelivered, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusAcknowledged:
		return StatusAcknowledged, nil
	default:
		return "", fmt.Errorf("unknown message status %q", s)
	}
}

func (s MessageStatus) MarshalJSON() ([]byte, error) {
	if _, err := ParseMessageStatus(string(s)); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseMessageStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ConnectionState is the transport supervisor's connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateFailed       ConnectionState = "FAILED"
)

func ParseConnectionState(s string) (ConnectionState, error) {
	switch ConnectionState(strings.ToUpper(strings.TrimSpace(s))) {
	case StateDisconnected:
		return StateDisconnected, nil
	case StateConnecting:
		return StateConnecting, nil
	case StateConnected:
		return StateConnected, nil
	case StateReconnecting:
		return StateReconnecting, nil
	case StateFailed:
		return StateFailed, nil
	default:
		return "", fmt.Errorf("unknown connection state %q", s)
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	if _, err := ParseConnectionState(string(s)); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseConnectionState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
