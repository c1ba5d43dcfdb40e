package services

import (
	"context"
	"errors"

	"taskboard/internal/automation"
	appmetrics "taskboard/internal/metrics"
	"taskboard/pkg/chat"
	"taskboard/pkg/webhook"
)

// WebhookPoster 将出站 webhook 客户端适配为引擎协作者，并记录调用结果
type WebhookPoster struct {
	client *webhook.Client
}

func NewWebhookPoster(client *webhook.Client) *WebhookPoster {
	return &WebhookPoster{client: client}
}

var _ automation.WebhookPoster = (*WebhookPoster)(nil)

func (p *WebhookPoster) Post(ctx context.Context, url string, payload interface{}, secret string) (*automation.WebhookResponse, error) {
	resp, err := p.client.Post(ctx, url, payload, secret)
	switch {
	case errors.Is(err, webhook.ErrCircuitOpen):
		appmetrics.IncOutboundWebhook("circuit_open")
	case err != nil:
		appmetrics.IncOutboundWebhook("error")
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		appmetrics.IncOutboundWebhook("ok")
	default:
		appmetrics.IncOutboundWebhook("http_error")
	}
	if err != nil {
		return nil, err
	}
	return &automation.WebhookResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// ChatSender 将聊天路由适配为引擎协作者
type ChatSender struct {
	router *chat.Router
}

func NewChatSender(router *chat.Router) *ChatSender {
	return &ChatSender{router: router}
}

var _ automation.ChatSender = (*ChatSender)(nil)

func (s *ChatSender) SendMessage(ctx context.Context, msg automation.ChatMessage) error {
	return s.router.Send(ctx, msg.Platform, chat.Message{
		Credential: msg.Credential,
		ChatID:     msg.ChatID,
		Text:       msg.Text,
		Format:     msg.Format,
	})
}
