package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts alerts to a Slack incoming webhook.
type Slack struct {
	url  string
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{url: webhookURL, post: slack.PostWebhookContext}
}

func (s *Slack) NotifyOperators(ctx context.Context, alert Alert) error {
	msg := &slack.WebhookMessage{Text: formatAlert(alert)}
	if err := s.post(ctx, s.url, msg); err != nil {
		return fmt.Errorf("notify: slack webhook: %w", err)
	}
	return nil
}
