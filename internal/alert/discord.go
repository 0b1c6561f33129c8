package alert

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordSink posts alerts to a single Discord channel using a bot
// session that is assumed already opened by the caller.
type DiscordSink struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordSink constructs a DiscordSink posting to channelID over session.
func NewDiscordSink(session *discordgo.Session, channelID string) *DiscordSink {
	return &DiscordSink{session: session, channelID: channelID}
}

// Send implements Sink. discordgo has no context-aware send, so ctx is
// only used to bail out before issuing the call if already canceled.
func (s *DiscordSink) Send(ctx context.Context, subject, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.session.ChannelMessageSend(s.channelID, fmt.Sprintf("**%s**\n%s", subject, message))
	if err != nil {
		return fmt.Errorf("alert: discord post: %w", err)
	}
	return nil
}
