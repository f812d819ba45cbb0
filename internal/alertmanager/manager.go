// Package alertmanager implements the routing-rule table, alert
// lifecycle, and escalation loop from spec section 4.H.
package alertmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/logging"
	"github.com/aegis-home/meshbridge/internal/model"
)

const defaultEscalationTickInterval = 30 * time.Second

// Enqueuer is the subset of the durable queue the manager depends on.
type Enqueuer interface {
	Enqueue(id, text, destination string, priority model.Priority, protocol model.Protocol, metadata map[string]interface{}) string
}

// Notifier is an optional best-effort side channel (internal/notify)
// fired alongside a CRITICAL escalation.
type Notifier interface {
	NotifyEscalation(alert model.Alert)
}

// Manager owns the routing-rule table, active/escalated alert sets,
// and the escalation loop.
type Manager struct {
	queue    Enqueuer
	notifier Notifier
	log      *zap.Logger
	newID    func() string
	tick     time.Duration

	mu        sync.RWMutex
	rules     map[model.Priority]model.RoutingRule
	active    map[string]model.Alert
	escalated map[string]model.Alert

	connMu         sync.RWMutex
	failoverActive bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EscalationTickInterval overrides the default 30s escalation scan
// period; primarily useful for tests.
func EscalationTickInterval(d time.Duration) func(*Manager) {
	return func(m *Manager) { m.tick = d }
}

func New(queue Enqueuer, notifier Notifier, log *zap.Logger, opts ...func(*Manager)) *Manager {
	m := &Manager{
		queue:     queue,
		notifier:  notifier,
		log:       log,
		newID:     func() string { return uuid.NewString() },
		tick:      defaultEscalationTickInterval,
		rules:     model.DefaultRoutingRules(),
		active:    make(map[string]model.Alert),
		escalated: make(map[string]model.Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the escalation loop. Stop cancels it.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.escalationLoop(runCtx)
	return nil
}

func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// SendAlert resolves the routing rule for priority, applies the
// failover override, inserts the alert into the active set, enqueues
// its mesh-formatted text on the durable queue, and returns its id.
func (m *Manager) SendAlert(title, message string, priority model.Priority, source, category string, targetNodes []string, metadata map[string]interface{}) string {
	id := m.newID()
	now := time.Now().UTC()

	m.mu.RLock()
	rule, ok := m.rules[priority]
	m.mu.RUnlock()
	if !ok {
		rule = model.RoutingRule{Priority: priority, Protocol: model.ProtocolMesh}
	}

	protocol := rule.Protocol
	if m.isFailoverActive() && (priority == model.PriorityCritical || priority == model.PriorityHigh) {
		protocol = model.ProtocolMesh
	}

	alert := model.Alert{
		ID:              id,
		Title:           title,
		Message:         message,
		Priority:        priority,
		Source:          source,
		Category:        category,
		CreatedAt:       now,
		TargetNodes:     targetNodes,
		RoutingProtocol: protocol,
		Metadata:        metadata,
	}

	m.mu.Lock()
	m.active[id] = alert
	m.mu.Unlock()

	m.enqueue(alert, alert.FormatForMesh(), protocol, alert.Priority, false)
	m.log.Info("alert sent", logging.AlertFields("send", id).Custom("priority", priority.String()).Custom("protocol", string(protocol)).Zap()...)
	return id
}

func (m *Manager) enqueue(alert model.Alert, text string, protocol model.Protocol, priority model.Priority, escalation bool) {
	meta := map[string]interface{}{model.MetadataAlertID: alert.ID}
	if escalation {
		meta[model.MetadataEscalation] = true
	}
	msgID := m.newID()
	m.queue.Enqueue(msgID, text, "", priority, protocol, meta)
}

// AcknowledgeAlert marks an active or escalated alert acknowledged and
// returns true. An acknowledged alert is kept in the active map with
// Acknowledged set (ActiveAlerts filters it out); acknowledging an
// escalated alert moves it there from the escalated set. Returns false,
// changing nothing, if the alert is unknown or already acknowledged.
func (m *Manager) AcknowledgeAlert(alertID, acknowledgedBy string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.active[alertID]
	if !ok {
		alert, ok = m.escalated[alertID]
		if !ok {
			return false
		}
		delete(m.escalated, alertID)
	} else {
		if alert.Acknowledged {
			return false
		}
		delete(m.active, alertID)
	}

	now := time.Now().UTC()
	alert.Acknowledged = true
	alert.AcknowledgedBy = acknowledgedBy
	alert.AcknowledgedAt = &now
	m.active[alertID] = alert
	return true
}

func (m *Manager) ActiveAlerts() []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Alert, 0, len(m.active))
	for _, a := range m.active {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) EscalatedAlerts() []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Alert, 0, len(m.escalated))
	for _, a := range m.escalated {
		out = append(out, a)
	}
	return out
}

func (m *Manager) Alert(id string) (model.Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.active[id]; ok {
		return a, true
	}
	a, ok := m.escalated[id]
	return a, ok
}

// UpdateRoutingRule patches the stored rule for priority; zero/nil
// arguments leave the existing field unchanged.
func (m *Manager) UpdateRoutingRule(priority model.Priority, protocol *model.Protocol, escalationTimeoutSeconds *int, requireAck *bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[priority]
	if !ok {
		rule = model.RoutingRule{Priority: priority}
	}
	if protocol != nil {
		rule.Protocol = *protocol
	}
	if escalationTimeoutSeconds != nil {
		rule.EscalationTimeoutSeconds = *escalationTimeoutSeconds
	}
	if requireAck != nil {
		rule.RequireAck = *requireAck
	}
	m.rules[priority] = rule
}

func (m *Manager) RoutingRule(priority model.Priority) (model.RoutingRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[priority]
	return r, ok
}

// escalationLoop runs every tick (30s unless overridden with
// EscalationTickInterval), promoting active alerts past their
// rule's timeout to escalated, exactly once each (spec section 4.H).
func (m *Manager) escalationLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkEscalations()
		}
	}
}

func (m *Manager) checkEscalations() {
	now := time.Now().UTC()

	m.mu.Lock()
	var toEscalate []model.Alert
	for id, alert := range m.active {
		if alert.Acknowledged || alert.Escalated {
			continue
		}
		rule, ok := m.rules[alert.Priority]
		if !ok || rule.EscalationTimeoutSeconds <= 0 {
			continue
		}
		deadline := alert.CreatedAt.Add(time.Duration(rule.EscalationTimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		alert.Escalated = true
		alert.EscalatedAt = &now
		delete(m.active, id)
		m.escalated[id] = alert
		toEscalate = append(toEscalate, alert)
	}
	m.mu.Unlock()

	for _, alert := range toEscalate {
		text := fmt.Sprintf("[ESCALATION] %s", alert.FormatForMesh())
		// Escalations always enqueue at CRITICAL regardless of the
		// alert's own priority, per spec section 4.H: an escalation is
		// by definition the most urgent state a message reaches.
		m.enqueue(alert, text, model.ProtocolBoth, model.PriorityCritical, true)
		m.log.Warn("alert escalated", logging.AlertFields("escalate", alert.ID).Custom("priority", alert.Priority.String()).Zap()...)
		if alert.Priority == model.PriorityCritical && m.notifier != nil {
			m.notifier.NotifyEscalation(alert)
		}
	}
}

// OnFailover is wired to the connectivity monitor's OnFailover
// callback: on transition to offline, sends a manager-originated HIGH
// alert; on restore, a MEDIUM alert. Both follow the normal send path.
func (m *Manager) OnFailover(active bool) {
	m.connMu.Lock()
	m.failoverActive = active
	m.connMu.Unlock()

	if active {
		m.SendAlert("ISP Failover", "routing via mesh", model.PriorityHigh, "connectivity-monitor", "system", nil, nil)
	} else {
		m.SendAlert("ISP Restored", "upstream connectivity recovered", model.PriorityMedium, "connectivity-monitor", "system", nil, nil)
	}
}

func (m *Manager) isFailoverActive() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.failoverActive
}
