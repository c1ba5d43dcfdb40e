package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTelegramAPIBase is the public Bot API endpoint.
const DefaultTelegramAPIBase = "https://api.telegram.org"

// Telegram calls the Bot API sendMessage method.
type Telegram struct {
	apiBase string
	http    *http.Client
}

func NewTelegram(apiBase string, transport http.RoundTripper) *Telegram {
	if apiBase == "" {
		apiBase = DefaultTelegramAPIBase
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Telegram{
		apiBase: strings.TrimRight(apiBase, "/"),
		http:    &http.Client{Transport: otelhttp.NewTransport(transport)},
	}
}

type telegramRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(telegramRequest{ChatID: msg.ChatID, Text: msg.Text, ParseMode: msg.Format})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, msg.Credential)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		// the URL carries the bot token
		return fmt.Errorf("telegram: request failed: %w", stripURL(err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out telegramResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 400 || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, desc)
	}
	return nil
}

func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
