// Package chat sends automation messages to chat platforms.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	PlatformTelegram = "telegram"
	PlatformSlack    = "slack"
	PlatformDiscord  = "discord"
)

var (
	ErrUnknownPlatform   = errors.New("unknown chat platform")
	ErrPlatformDisabled  = errors.New("chat platform disabled")
	ErrMissingCredential = errors.New("chat credential required")
)

// Message is one outbound chat message. Credential is the bot token for the
// platform and is never logged.
type Message struct {
	Credential string
	ChatID     string
	Text       string
	Format     string
}

// Sender delivers messages for one platform.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Router dispatches messages to the sender registered for a platform.
type Router struct {
	senders  map[string]Sender
	disabled map[string]bool
	logger   *logrus.Logger
}

func NewRouter(logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{senders: map[string]Sender{}, disabled: map[string]bool{}, logger: logger}
}

// Register adds a sender. A disabled platform is known but refuses messages.
func (r *Router) Register(platform string, s Sender, enabled bool) {
	platform = strings.ToLower(platform)
	r.senders[platform] = s
	r.disabled[platform] = !enabled
}

// Send routes msg to platform.
func (r *Router) Send(ctx context.Context, platform string, msg Message) error {
	platform = strings.ToLower(strings.TrimSpace(platform))
	s, ok := r.senders[platform]
	if !ok {
		return fmt.Errorf("%q: %w", platform, ErrUnknownPlatform)
	}
	if r.disabled[platform] {
		return fmt.Errorf("%s: %w", platform, ErrPlatformDisabled)
	}
	if strings.TrimSpace(msg.Credential) == "" {
		return fmt.Errorf("%s: %w", platform, ErrMissingCredential)
	}
	if err := s.Send(ctx, msg); err != nil {
		r.logger.WithFields(logrus.Fields{"platform": platform, "chat_id": msg.ChatID}).
			Warnf("chat message failed: %v", err)
		return err
	}
	r.logger.WithFields(logrus.Fields{"platform": platform, "chat_id": msg.ChatID}).Debug("chat message sent")
	return nil
}
