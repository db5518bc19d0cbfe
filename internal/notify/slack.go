package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/roundtable/internal/session"
)

const slackBaseBackoff = time.Second

// Slack posts session summaries to an incoming webhook.
type Slack struct {
	webhookURL string
	post       func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error
}

// NewSlack creates a Slack notifier for an incoming webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL, post: slackapi.PostWebhookContext}
}

// Notify posts the formatted session.
func (n *Slack) Notify(ctx context.Context, s *session.Session) error {
	msg := buildWebhookMessage(FormatSession(s))
	err := retryOnRateLimit(ctx, slackBaseBackoff, slackRateLimit, func() error {
		return n.post(ctx, n.webhookURL, msg)
	})
	if err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}

func buildWebhookMessage(evt FormattedEvent) *slackapi.WebhookMessage {
	return &slackapi.WebhookMessage{
		Text:        evt.Title,
		Attachments: []slackapi.Attachment{eventToAttachment(evt)},
	}
}

// eventToAttachment converts a FormattedEvent to a Slack Attachment.
func eventToAttachment(evt FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}

	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}

	return att
}

// slackRateLimit recognizes Slack 429 responses and their Retry-After.
func slackRateLimit(err error) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if !errors.As(err, &rle) {
		return 0, false
	}
	return rle.RetryAfter, true
}
