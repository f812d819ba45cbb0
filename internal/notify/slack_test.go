package notify_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/model"
	"github.com/aegis-home/meshbridge/internal/notify"
)

var _ = Describe("SlackNotifier", func() {
	It("is disabled with an empty webhook URL and never posts", func() {
		n := notify.NewSlackNotifier("", zap.NewNop())
		Expect(n.Enabled()).To(BeFalse())

		called := false
		n.Post = func(url string, msg *slack.WebhookMessage) error { called = true; return nil }
		n.NotifyEscalation(model.Alert{ID: "a1", Priority: model.PriorityCritical})
		Expect(called).To(BeFalse())
	})

	It("posts an escalation message when enabled", func() {
		n := notify.NewSlackNotifier("https://hooks.slack.example/T000/B000/XXXX", zap.NewNop())
		var gotURL string
		var gotMsg *slack.WebhookMessage
		n.Post = func(url string, msg *slack.WebhookMessage) error {
			gotURL = url
			gotMsg = msg
			return nil
		}

		n.NotifyEscalation(model.Alert{
			ID:       "a2",
			Title:    "Reactor Core",
			Source:   "sensor-7",
			Priority: model.PriorityCritical,
			Message:  "temperature exceeds threshold",
		})

		Expect(gotURL).To(Equal(n.WebhookURL))
		Expect(gotMsg.Text).To(ContainSubstring("Reactor Core"))
		Expect(gotMsg.Attachments).To(HaveLen(1))
	})

	It("swallows post errors without panicking", func() {
		n := notify.NewSlackNotifier("https://hooks.slack.example/T000/B000/XXXX", zap.NewNop())
		n.Post = func(url string, msg *slack.WebhookMessage) error { return errors.New("network error") }
		Expect(func() { n.NotifyEscalation(model.Alert{ID: "a3", Priority: model.PriorityHigh}) }).NotTo(Panic())
	})
})
