package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSink posts alerts to a single Slack channel using a bot token.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlackSink constructs a SlackSink posting to channel using token.
func NewSlackSink(token, channel string) *SlackSink {
	return &SlackSink{client: slack.New(token), channel: channel}
}

// Send implements Sink.
func (s *SlackSink) Send(ctx context.Context, subject, message string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", subject, message), false),
	)
	if err != nil {
		return fmt.Errorf("alert: slack post: %w", err)
	}
	return nil
}
