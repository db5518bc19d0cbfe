package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/roundtable/internal/session"
)

const discordBaseBackoff = time.Second

// webhookExecutor abstracts the discordgo.Session method we use, enabling
// test mocks.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts session summaries to a Discord webhook.
type Discord struct {
	sess        webhookExecutor
	webhookID   string
	token       string
	baseBackoff time.Duration
}

// NewDiscord creates a Discord notifier from a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscord(webhookURL string) (*Discord, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution needs no bot token.
	dg, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: discord: %w", err)
	}
	return &Discord{sess: dg, webhookID: id, token: token, baseBackoff: discordBaseBackoff}, nil
}

// Notify posts the formatted session as an embed.
func (n *Discord) Notify(ctx context.Context, s *session.Session) error {
	evt := FormatSession(s)
	params := &discordgo.WebhookParams{
		Content: evt.Title,
		Embeds:  []*discordgo.MessageEmbed{eventToEmbed(evt)},
	}
	err := retryOnRateLimit(ctx, n.baseBackoff, discordRateLimit, func() error {
		_, err := n.sess.WebhookExecute(n.webhookID, n.token, false, params, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}

// parseWebhookURL extracts the webhook id and token.
func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("notify: discord webhook url: expected .../webhooks/{id}/{token}")
}

// eventToEmbed converts a FormattedEvent to a Discord Embed.
func eventToEmbed(evt FormattedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
	}

	if evt.Color != "" {
		embed.Color = parseHexColor(evt.Color)
	}

	for _, f := range evt.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}

	return embed
}

// parseHexColor converts a hex color string such as "#36a64f" to an int.
// Malformed colors map to 0, which Discord renders as the default.
func parseHexColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

// discordRateLimit recognizes HTTP 429 responses from the Discord API.
func discordRateLimit(err error) (time.Duration, bool) {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusTooManyRequests {
		return 0, true
	}
	return 0, false
}
