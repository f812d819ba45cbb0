package alertmanager_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/alertmanager"
	"github.com/aegis-home/meshbridge/internal/model"
)

func newCtx() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

type enqueued struct {
	id, text, destination string
	priority               model.Priority
	protocol               model.Protocol
	metadata               map[string]interface{}
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []enqueued
}

func (f *fakeQueue) Enqueue(id, text, destination string, priority model.Priority, protocol model.Protocol, metadata map[string]interface{}) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, enqueued{id, text, destination, priority, protocol, metadata})
	return id
}

func (f *fakeQueue) all() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueued{}, f.msgs...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (f *fakeNotifier) NotifyEscalation(a model.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
}

var _ = Describe("Manager", func() {
	var (
		queue *fakeQueue
		notif *fakeNotifier
		mgr   *alertmanager.Manager
	)

	BeforeEach(func() {
		queue = &fakeQueue{}
		notif = &fakeNotifier{}
		mgr = alertmanager.New(queue, notif, zap.NewNop())
	})

	It("enqueues a mesh-formatted message and inserts the alert as active", func() {
		id := mgr.SendAlert("Disk Full", "90% used", model.PriorityMedium, "node-exporter", "disk", nil, nil)
		Expect(id).NotTo(BeEmpty())

		active := mgr.ActiveAlerts()
		Expect(active).To(HaveLen(1))
		Expect(active[0].ID).To(Equal(id))

		msgs := queue.all()
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].text).To(ContainSubstring("Disk Full"))
		Expect(msgs[0].metadata[model.MetadataAlertID]).To(Equal(id))
	})

	It("overrides protocol to MESH for CRITICAL/HIGH while failover is active", func() {
		mgr.OnFailover(true)
		queue.msgs = nil // drop the ISP Failover alert this produced

		id := mgr.SendAlert("Server Down", "no response", model.PriorityHigh, "pinger", "infra", nil, nil)
		alert, ok := mgr.Alert(id)
		Expect(ok).To(BeTrue())
		Expect(alert.RoutingProtocol).To(Equal(model.ProtocolMesh))
	})

	It("does not override protocol for MEDIUM during failover", func() {
		mgr.OnFailover(true)
		id := mgr.SendAlert("fyi", "minor", model.PriorityMedium, "src", "cat", nil, nil)
		alert, _ := mgr.Alert(id)
		rule, _ := mgr.RoutingRule(model.PriorityMedium)
		Expect(alert.RoutingProtocol).To(Equal(rule.Protocol))
	})

	It("acknowledges an active alert exactly once", func() {
		id := mgr.SendAlert("t", "m", model.PriorityLow, "s", "c", nil, nil)
		Expect(mgr.AcknowledgeAlert(id, "operator")).To(BeTrue())
		Expect(mgr.AcknowledgeAlert(id, "operator")).To(BeFalse())
		Expect(mgr.ActiveAlerts()).To(BeEmpty())
	})

	It("returns false acknowledging an unknown alert", func() {
		Expect(mgr.AcknowledgeAlert("does-not-exist", "x")).To(BeFalse())
	})

	It("updates a routing rule", func() {
		secure := model.ProtocolSecure
		timeout := 45
		mgr.UpdateRoutingRule(model.PriorityLow, &secure, &timeout, nil)
		rule, ok := mgr.RoutingRule(model.PriorityLow)
		Expect(ok).To(BeTrue())
		Expect(rule.Protocol).To(Equal(model.ProtocolSecure))
		Expect(rule.EscalationTimeoutSeconds).To(Equal(45))
	})

	Describe("escalation", func() {
		It("escalates exactly once after the rule timeout elapses, and notifies for CRITICAL", func() {
			mgr = alertmanager.New(queue, notif, zap.NewNop(), alertmanager.EscalationTickInterval(5*time.Millisecond))
			timeout := 1 // 1 second — still long enough for a single escalation pass with 5ms tick
			mgr.UpdateRoutingRule(model.PriorityCritical, nil, &timeout, nil)

			ctx, cancel := newCtx()
			defer cancel()
			Expect(mgr.Start(ctx)).To(Succeed())
			defer mgr.Stop()

			id := mgr.SendAlert("meltdown", "reactor core", model.PriorityCritical, "sensor", "safety", nil, nil)

			Eventually(func() int { return len(mgr.EscalatedAlerts()) }, 2*time.Second, 10*time.Millisecond).Should(Equal(1))
			Expect(mgr.ActiveAlerts()).To(BeEmpty())

			escalated, ok := mgr.Alert(id)
			Expect(ok).To(BeTrue())
			Expect(escalated.Escalated).To(BeTrue())

			found := false
			for _, m := range queue.all() {
				if m.metadata != nil && m.metadata[model.MetadataEscalation] == true {
					found = true
					Expect(m.priority).To(Equal(model.PriorityCritical))
					Expect(m.protocol).To(Equal(model.ProtocolBoth))
					Expect(m.text).To(ContainSubstring("[ESCALATION]"))
				}
			}
			Expect(found).To(BeTrue())

			Eventually(func() int {
				notif.mu.Lock()
				defer notif.mu.Unlock()
				return len(notif.alerts)
			}).Should(Equal(1))
		})

		It("enqueues a non-CRITICAL escalation at CRITICAL priority, without notifying", func() {
			mgr = alertmanager.New(queue, notif, zap.NewNop(), alertmanager.EscalationTickInterval(5*time.Millisecond))
			timeout := 1
			mgr.UpdateRoutingRule(model.PriorityHigh, nil, &timeout, nil)

			ctx, cancel := newCtx()
			defer cancel()
			Expect(mgr.Start(ctx)).To(Succeed())
			defer mgr.Stop()

			id := mgr.SendAlert("disk pressure", "85% used", model.PriorityHigh, "node-exporter", "disk", nil, nil)

			Eventually(func() int { return len(mgr.EscalatedAlerts()) }, 2*time.Second, 10*time.Millisecond).Should(Equal(1))

			escalated, ok := mgr.Alert(id)
			Expect(ok).To(BeTrue())
			Expect(escalated.Priority).To(Equal(model.PriorityHigh))

			found := false
			for _, m := range queue.all() {
				if m.metadata != nil && m.metadata[model.MetadataEscalation] == true {
					found = true
					Expect(m.priority).To(Equal(model.PriorityCritical))
					Expect(m.protocol).To(Equal(model.ProtocolBoth))
				}
			}
			Expect(found).To(BeTrue())

			Consistently(func() int {
				notif.mu.Lock()
				defer notif.mu.Unlock()
				return len(notif.alerts)
			}, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(0))
		})

		It("never escalates an acknowledged alert", func() {
			mgr = alertmanager.New(queue, notif, zap.NewNop(), alertmanager.EscalationTickInterval(5*time.Millisecond))
			timeout := 1
			mgr.UpdateRoutingRule(model.PriorityHigh, nil, &timeout, nil)

			ctx, cancel := newCtx()
			defer cancel()
			Expect(mgr.Start(ctx)).To(Succeed())
			defer mgr.Stop()

			id := mgr.SendAlert("t", "m", model.PriorityHigh, "s", "c", nil, nil)
			Expect(mgr.AcknowledgeAlert(id, "op")).To(BeTrue())

			Consistently(func() int { return len(mgr.EscalatedAlerts()) }, 1500*time.Millisecond, 10*time.Millisecond).Should(Equal(0))
		})
	})
})
