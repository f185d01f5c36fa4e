// Package notify alerts human operators that a learner is waiting.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// maxPreviewRunes bounds how much of the learner's text is forwarded.
const maxPreviewRunes = 200

// Alert describes a message that arrived while no operator was watching.
type Alert struct {
	SessionID string
	UserID    string
	UserName  string
	Text      string
	At        time.Time
}

// Notifier delivers operator alerts.
type Notifier interface {
	NotifyOperators(ctx context.Context, alert Alert) error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) NotifyOperators(context.Context, Alert) error { return nil }

// Multi sends every alert to each notifier and joins the failures.
type Multi []Notifier

func (m Multi) NotifyOperators(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyOperators(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build returns a notifier for the configured webhooks, or Nop when none
// is configured.
func Build(slackWebhookURL, discordWebhookID, discordWebhookToken string) (Notifier, error) {
	var out Multi
	if slackWebhookURL != "" {
		out = append(out, NewSlack(slackWebhookURL))
	}
	if discordWebhookID != "" || discordWebhookToken != "" {
		d, err := NewDiscord(discordWebhookID, discordWebhookToken)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	switch len(out) {
	case 0:
		return Nop{}, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

func formatAlert(alert Alert) string {
	who := alert.UserName
	if who == "" {
		who = alert.UserID
	}
	return fmt.Sprintf("New support message from %s (session %s): %s", who, alert.SessionID, preview(alert.Text))
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= maxPreviewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxPreviewRunes]) + "…"
}
