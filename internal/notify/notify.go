// Package notify delivers best-effort terminal-status notifications for
// generation and training jobs. Delivery failures are logged, never
// returned; a notification must not affect job outcome.
package notify

import (
	"fmt"

	"github.com/zulandar/forge/internal/config"
)

// Event describes one job reaching a terminal state.
type Event struct {
	Kind        string // image, video, training
	CharacterID string
	RecordID    string
	Status      string // completed, failed, ready
	Detail      string // error text for failures
	URL         string // artifact URL for successes
}

// Notifier delivers one event. Implementations are best-effort.
type Notifier interface {
	Send(e Event)
}

// Nop discards all events.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(Event) {}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// Send implements Notifier.
func (m Multi) Send(e Event) {
	for _, n := range m {
		n.Send(e)
	}
}

// FromConfig builds the configured notifier set. With no tokens set the
// result is a Nop.
func FromConfig(cfg config.NotifyConfig) (Notifier, error) {
	var out Multi
	if cfg.SlackToken != "" {
		out = append(out, NewSlack(cfg.SlackToken, cfg.SlackChannel))
	}
	if cfg.DiscordToken != "" {
		d, err := NewDiscord(cfg.DiscordToken, cfg.DiscordChannel)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return Nop{}, nil
	}
	return out, nil
}

// format renders an event as a single chat line.
func format(e Event) string {
	switch e.Status {
	case "failed":
		return fmt.Sprintf("[forge] %s job %s for character %s failed: %s", e.Kind, e.RecordID, e.CharacterID, e.Detail)
	case "ready":
		return fmt.Sprintf("[forge] character %s finished training and is ready", e.CharacterID)
	default:
		return fmt.Sprintf("[forge] %s job %s for character %s %s: %s", e.Kind, e.RecordID, e.CharacterID, e.Status, e.URL)
	}
}
