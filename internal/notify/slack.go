// Package notify implements the optional Slack escalation
// side-channel: a best-effort webhook post fired alongside (never
// instead of) the CRITICAL escalation path.
package notify

import (
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/logging"
	"github.com/aegis-home/meshbridge/internal/model"
)

// Poster abstracts the slack-go webhook call for testability.
type Poster func(webhookURL string, msg *slack.WebhookMessage) error

// SlackNotifier posts a message to an incoming webhook. A zero-value
// WebhookURL disables posting entirely.
type SlackNotifier struct {
	WebhookURL string
	Post       Poster
	log        *zap.Logger
}

func NewSlackNotifier(webhookURL string, log *zap.Logger) *SlackNotifier {
	return &SlackNotifier{WebhookURL: webhookURL, Post: slack.PostWebhook, log: log}
}

// Enabled reports whether a webhook URL is configured.
func (n *SlackNotifier) Enabled() bool {
	return n.WebhookURL != ""
}

// NotifyEscalation posts a best-effort message describing the escalated
// CRITICAL alert. Failures are logged, never propagated — this channel
// must never block or fail the core escalation path.
func (n *SlackNotifier) NotifyEscalation(alert model.Alert) {
	if !n.Enabled() {
		return
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: *%s* escalated", alert.Title),
		Attachments: []slack.Attachment{
			{
				Color: "danger",
				Fields: []slack.AttachmentField{
					{Title: "Alert ID", Value: alert.ID, Short: true},
					{Title: "Source", Value: alert.Source, Short: true},
					{Title: "Priority", Value: alert.Priority.String(), Short: true},
					{Title: "Message", Value: alert.Message, Short: false},
				},
			},
		},
	}
	if err := n.Post(n.WebhookURL, msg); err != nil {
		n.log.Warn("slack escalation post failed", logging.AlertFields("notify", alert.ID).Error(err).Zap()...)
	}
}
