// Package model defines the data types shared across every mesh
// bridge component and their JSON persistence codec.
package model

import (
	"fmt"
	"time"
)

// Opaque metadata keys that core logic is permitted to read.
const (
	MetadataAlertID    = "alert_id"
	MetadataEscalation = "escalation"
)

const maxMeshPayloadBytes = 220

// Alert represents a logical notification from send_alert through
// acknowledgement or escalation.
type Alert struct {
	ID              string                 `json:"id"`
	Title           string                 `json:"title"`
	Message         string                 `json:"message"`
	Priority        Priority               `json:"priority"`
	Source          string                 `json:"source"`
	Category        string                 `json:"category"`
	CreatedAt       time.Time              `json:"created_at"`
	TargetNodes     []string               `json:"target_nodes,omitempty"`
	RoutingProtocol Protocol               `json:"routing_protocol"`
	Acknowledged    bool                   `json:"acknowledged"`
	AcknowledgedBy  string                 `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time             `json:"acknowledged_at,omitempty"`
	Escalated       bool                   `json:"escalated"`
	EscalatedAt     *time.Time             `json:"escalated_at,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// FormatForMesh renders the alert as "<prefix> <title>: <message>",
// truncating message with an ellipsis so the result fits in
// maxMeshPayloadBytes. The header is never shortened, so a header
// longer than that limit yields a longer result.
func (a Alert) FormatForMesh() string {
	header := fmt.Sprintf("%s %s: ", a.Priority.Prefix(), a.Title)
	full := header + a.Message
	if len(full) <= maxMeshPayloadBytes {
		return full
	}
	const ellipsis = "…"
	budget := maxMeshPayloadBytes - len(header) - len(ellipsis)
	if budget < 0 {
		budget = 0
	}
	return header + truncateToByteBudget(a.Message, budget) + ellipsis
}

func truncateToByteBudget(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	runes := []rune(s)
	used := 0
	for i, r := range runes {
		n := len(string(r))
		if used+n > budget {
			return string(runes[:i])
		}
		used += n
	}
	return s
}

// QueuedMessage is a single transmission-attempt unit owned by the
// durable outbound queue.
type QueuedMessage struct {
	ID          string                 `json:"id"`
	Text        string                 `json:"text"`
	Destination string                 `json:"destination,omitempty"`
	Priority    Priority               `json:"priority"`
	Protocol    Protocol               `json:"protocol"`
	Status      MessageStatus          `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	SentAt      *time.Time             `json:"sent_at,omitempty"`
	DeliveredAt *time.Time             `json:"delivered_at,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AlertID returns the linked Alert.id from metadata, if present.
func (m QueuedMessage) AlertID() (string, bool) {
	v, ok := m.Metadata[MetadataAlertID]
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// IsEscalation reports whether this message carries the escalation
// metadata flag.
func (m QueuedMessage) IsEscalation() bool {
	v, ok := m.Metadata[MetadataEscalation]
	if !ok {
		return false
	}
	flag, ok := v.(bool)
	return ok && flag
}

// Position is a node's optional GPS fix.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Node is a peer known on the mesh transport.
type Node struct {
	NodeID       string    `json:"node_id"`
	LongName     string    `json:"long_name,omitempty"`
	ShortName    string    `json:"short_name,omitempty"`
	HardwareModel string   `json:"hardware_model,omitempty"`
	SNR          *float64  `json:"snr,omitempty"`
	RSSI         *float64  `json:"rssi,omitempty"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	Voltage      *float64  `json:"voltage,omitempty"`
	Position     *Position `json:"position,omitempty"`
	HopsAway     *int      `json:"hops_away,omitempty"`
	LastHeard    time.Time `json:"last_heard"`
	IsLicensed   *bool     `json:"is_licensed,omitempty"`
	Role         string    `json:"role,omitempty"`
}

// MergeFrom applies every non-nil/non-empty field of update onto n,
// never overwriting n's existing fields with a null. LastHeard is
// always bumped, per spec 4.D's "last_heard = now on any packet".
func (n *Node) MergeFrom(update Node, now time.Time) {
	if update.LongName != "" {
		n.LongName = update.LongName
	}
	if update.ShortName != "" {
		n.ShortName = update.ShortName
	}
	if update.HardwareModel != "" {
		n.HardwareModel = update.HardwareModel
	}
	if update.SNR != nil {
		n.SNR = update.SNR
	}
	if update.RSSI != nil {
		n.RSSI = update.RSSI
	}
	if update.BatteryLevel != nil {
		n.BatteryLevel = update.BatteryLevel
	}
	if update.Voltage != nil {
		n.Voltage = update.Voltage
	}
	if update.Position != nil {
		n.Position = update.Position
	}
	if update.HopsAway != nil {
		n.HopsAway = update.HopsAway
	}
	if update.IsLicensed != nil {
		n.IsLicensed = update.IsLicensed
	}
	if update.Role != "" {
		n.Role = update.Role
	}
	n.LastHeard = now
}

// Connected reports whether the node was heard within window of now.
func (n Node) Connected(now time.Time, window time.Duration) bool {
	return now.Sub(n.LastHeard) <= window
}

// DeliveryReceipt is a pending acknowledgement expectation.
type DeliveryReceipt struct {
	MessageID string    `json:"message_id"`
	NodeID    string    `json:"node_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConnectivityState is the connectivity monitor's current view of the
// upstream (internet) path.
type ConnectivityState struct {
	IsOnline             bool       `json:"is_online"`
	FailoverActive       bool       `json:"failover_active"`
	LastCheck            time.Time  `json:"last_check"`
	FailedChecks         int        `json:"failed_checks"`
	LatencyMs            float64    `json:"latency_ms"`
	FailoverTriggeredAt  *time.Time `json:"failover_triggered_at,omitempty"`
}

// RoutingRule maps a priority to its delivery protocol and escalation
// policy. At most one rule exists per priority.
type RoutingRule struct {
	Priority                 Priority `json:"priority"`
	Protocol                 Protocol `json:"protocol"`
	EscalationTimeoutSeconds int      `json:"escalation_timeout_seconds"`
	RequireAck               bool     `json:"require_ack"`
}

// DefaultRoutingRules returns the routing table from spec section 3,
// keyed by priority.
func DefaultRoutingRules() map[Priority]RoutingRule {
	return map[Priority]RoutingRule{
		PriorityCritical: {Priority: PriorityCritical, Protocol: ProtocolBoth, EscalationTimeoutSeconds: 60, RequireAck: true},
		PriorityHigh:     {Priority: PriorityHigh, Protocol: ProtocolMesh, EscalationTimeoutSeconds: 300, RequireAck: true},
		PriorityMedium:   {Priority: PriorityMedium, Protocol: ProtocolMesh, EscalationTimeoutSeconds: 1800, RequireAck: false},
		PriorityLow:      {Priority: PriorityLow, Protocol: ProtocolSecure, EscalationTimeoutSeconds: 0, RequireAck: false},
		PriorityInfo:     {Priority: PriorityInfo, Protocol: ProtocolSecure, EscalationTimeoutSeconds: 0, RequireAck: false},
	}
}
