package notify

import (
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo methods we use.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts events to a Discord channel.
type Discord struct {
	session discordSession
	channel string
}

// NewDiscord creates a Discord notifier with a bot token. The session
// sends over REST only; no gateway connection is opened.
func NewDiscord(botToken, channel string) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{session: session, channel: channel}, nil
}

// Send implements Notifier.
func (d *Discord) Send(e Event) {
	if _, err := d.session.ChannelMessageSend(d.channel, format(e)); err != nil {
		log.Printf("notify: discord send failed: %v", err)
	}
}
