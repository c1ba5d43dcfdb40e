package chat

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord sends channel messages through the REST API with a bot token.
type Discord struct {
	newSession func(token string) (discordSession, error)
}

func NewDiscord() *Discord {
	return &Discord{newSession: func(token string) (discordSession, error) {
		return discordgo.New("Bot " + token)
	}}
}

func (d *Discord) Send(ctx context.Context, msg Message) error {
	sess, err := d.newSession(msg.Credential)
	if err != nil {
		return fmt.Errorf("discord: session: %w", err)
	}
	if _, err := sess.ChannelMessageSend(msg.ChatID, msg.Text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}
