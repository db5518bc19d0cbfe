// Package notify announces finished collaboration sessions on chat
// platforms.
package notify

import (
	"context"
	"errors"

	"github.com/zulandar/roundtable/internal/session"
)

// maxRetries is the max number of retries for rate-limited webhook calls.
const maxRetries = 3

// Notifier is told about a session that reached a terminal status.
type Notifier interface {
	Notify(ctx context.Context, s *session.Session) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify calls each notifier in order; one failing does not stop the rest.
func (m Multi) Notify(ctx context.Context, s *session.Session) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build returns a notifier for the configured webhooks, or nil when none is
// configured.
func Build(slackWebhookURL, discordWebhookURL string) (Notifier, error) {
	var m Multi
	if slackWebhookURL != "" {
		m = append(m, NewSlack(slackWebhookURL))
	}
	if discordWebhookURL != "" {
		d, err := NewDiscord(discordWebhookURL)
		if err != nil {
			return nil, err
		}
		m = append(m, d)
	}
	switch len(m) {
	case 0:
		return nil, nil
	case 1:
		return m[0], nil
	default:
		return m, nil
	}
}
