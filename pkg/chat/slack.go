package chat

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts with chat.postMessage using the message's bot token.
type Slack struct {
	apiURL    string
	newClient func(token string) slackPoster
}

// NewSlack creates a Slack sender. apiURL overrides the Slack API root and
// must end with a slash.
func NewSlack(apiURL string) *Slack {
	s := &Slack{apiURL: apiURL}
	s.newClient = func(token string) slackPoster {
		var opts []slackapi.Option
		if s.apiURL != "" {
			opts = append(opts, slackapi.OptionAPIURL(s.apiURL))
		}
		return slackapi.New(token, opts...)
	}
	return s
}

func (s *Slack) Send(ctx context.Context, msg Message) error {
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.Format == "plain" {
		opts = append(opts, slackapi.MsgOptionDisableMarkdown())
	}
	if _, _, err := s.newClient(msg.Credential).PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}
