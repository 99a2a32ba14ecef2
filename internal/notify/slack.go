package notify

import (
	"log"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts events to a Slack channel.
type Slack struct {
	client  slackClient
	channel string
}

// NewSlack creates a Slack notifier with a bot token.
func NewSlack(botToken, channel string) *Slack {
	return &Slack{
		client:  slackapi.New(botToken),
		channel: channel,
	}
}

// Send implements Notifier.
func (s *Slack) Send(e Event) {
	_, _, err := s.client.PostMessage(s.channel, slackapi.MsgOptionText(format(e), false))
	if err != nil {
		log.Printf("notify: slack post failed: %v", err)
	}
}
