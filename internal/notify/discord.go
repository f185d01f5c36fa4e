package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// webhookExecutor is satisfied by *discordgo.Session.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts through a Discord channel webhook. Webhooks carry
// their own token, so the session is created without bot credentials.
type Discord struct {
	api   webhookExecutor
	id    string
	token string
}

func NewDiscord(webhookID, webhookToken string) (*Discord, error) {
	if webhookID == "" || webhookToken == "" {
		return nil, errors.New("notify: discord webhook id and token are both required")
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	return &Discord{api: session, id: webhookID, token: webhookToken}, nil
}

func (d *Discord) NotifyOperators(ctx context.Context, alert Alert) error {
	params := &discordgo.WebhookParams{
		Content:  formatAlert(alert),
		Username: "LiveDesk",
	}
	if _, err := d.api.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord webhook: %w", err)
	}
	return nil
}
