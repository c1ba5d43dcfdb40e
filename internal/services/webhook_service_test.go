package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/automation"
	"taskboard/internal/models"
	"taskboard/pkg/webhook"
)

func newWebhookFixture(t *testing.T) (*WebhookService, *recordingEngine, *testBoard) {
	t.Helper()
	db := newServiceTestDB(t)
	engine := &recordingEngine{}
	return NewWebhookService(db, engine, quietLogger()), engine, seedBoard(t, db)
}

func signedHeader(secret string, body []byte, at time.Time) http.Header {
	ts := webhook.Timestamp(at)
	h := http.Header{}
	h.Set(webhook.HeaderTimestamp, ts)
	h.Set(webhook.HeaderSignature, webhook.Sign(secret, ts, body))
	return h
}

func TestWebhookService_CreateReturnsSecretOnce(t *testing.T) {
	svc, _, b := newWebhookFixture(t)
	ctx := context.Background()

	created, err := svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{Name: " CI "})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Secret, "whsec_"))
	assert.Equal(t, "CI", created.Name)
	assert.True(t, created.RequireSignature)
	assert.True(t, created.Enabled)
	assert.Equal(t, "[]", created.Actions)

	// the stored secret is never serialised
	raw, err := json.Marshal(created.AutomationWebhook)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), created.Secret)

	rotated, err := svc.RotateSecret(ctx, created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.Secret, rotated.Secret)
}

func TestWebhookService_CreateValidation(t *testing.T) {
	svc, _, b := newWebhookFixture(t)
	ctx := context.Background()

	_, err := svc.CreateWebhook(ctx, "missing-board", &WebhookRequest{Name: "x"})
	assert.ErrorIs(t, err, automation.ErrEntityNotFound)

	_, err = svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{Name: "x", AllowedIPs: []string{"10.0.0.0/33"}})
	assert.ErrorIs(t, err, ErrInvalidWebhook)

	_, err = svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{Name: "x", Actions: json.RawMessage(`[{"kind":"teleport"}]`)})
	assert.ErrorIs(t, err, ErrInvalidWebhook)

	_, err = svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidWebhook)
}

func TestWebhookService_ValidateDelivery(t *testing.T) {
	svc, _, b := newWebhookFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	hook, err := svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{
		Name:       "deploys",
		AllowedIPs: []string{"10.1.0.0/16", "192.0.2.7"},
	})
	require.NoError(t, err)
	body := []byte(`{"title":"Deploy failed"}`)

	t.Run("valid", func(t *testing.T) {
		got, err := svc.ValidateDelivery(ctx, hook.ID, signedHeader(hook.Secret, body, now), "10.1.2.3:5555", body)
		require.NoError(t, err)
		assert.Equal(t, hook.ID, got.ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := svc.ValidateDelivery(ctx, "nope", http.Header{}, "10.1.2.3:1", body)
		assert.ErrorIs(t, err, ErrWebhookNotFound)
	})

	t.Run("ip not allowed", func(t *testing.T) {
		_, err := svc.ValidateDelivery(ctx, hook.ID, signedHeader(hook.Secret, body, now), "203.0.113.9:1", body)
		assert.ErrorIs(t, err, ErrWebhookForbidden)
	})

	t.Run("forwarded ip allowed", func(t *testing.T) {
		h := signedHeader(hook.Secret, body, now)
		h.Set("X-Forwarded-For", "192.0.2.7, 10.9.9.9")
		_, err := svc.ValidateDelivery(ctx, hook.ID, h, "203.0.113.9:1", body)
		assert.NoError(t, err)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, err := svc.ValidateDelivery(ctx, hook.ID, signedHeader("whsec_other", body, now), "10.1.2.3:1", body)
		assert.ErrorIs(t, err, ErrWebhookUnauthorized)
	})

	t.Run("tampered body", func(t *testing.T) {
		_, err := svc.ValidateDelivery(ctx, hook.ID, signedHeader(hook.Secret, body, now), "10.1.2.3:1", []byte(`{"title":"x"}`))
		assert.ErrorIs(t, err, ErrWebhookUnauthorized)
	})

	t.Run("expired timestamp", func(t *testing.T) {
		_, err := svc.ValidateDelivery(ctx, hook.ID, signedHeader(hook.Secret, body, now.Add(-10*time.Minute)), "10.1.2.3:1", body)
		assert.ErrorIs(t, err, ErrWebhookUnauthorized)
	})

	t.Run("disabled", func(t *testing.T) {
		off := false
		_, err := svc.UpdateWebhook(ctx, hook.ID, &WebhookUpdateRequest{Enabled: &off})
		require.NoError(t, err)
		_, err = svc.ValidateDelivery(ctx, hook.ID, signedHeader(hook.Secret, body, now), "10.1.2.3:1", body)
		assert.ErrorIs(t, err, ErrWebhookNotFound)
	})
}

func TestWebhookService_UnsignedHookSkipsSignature(t *testing.T) {
	svc, _, b := newWebhookFixture(t)
	ctx := context.Background()
	unsigned := false
	hook, err := svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{Name: "open", RequireSignature: &unsigned})
	require.NoError(t, err)

	_, err = svc.ValidateDelivery(ctx, hook.ID, http.Header{}, "198.51.100.1:80", []byte("ping"))
	assert.NoError(t, err)
}

func TestWebhookService_Deliver(t *testing.T) {
	svc, engine, b := newWebhookFixture(t)
	ctx := context.Background()

	hook, err := svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{
		Name:    "forms",
		Actions: json.RawMessage(`[{"kind":"create_task","listId":"` + b.Todo.ID + `","title":"{{payload.title}}"}]`),
	})
	require.NoError(t, err)

	result, err := svc.Deliver(ctx, hook.AutomationWebhook, []byte(`{"title":"From form"}`))
	require.NoError(t, err)
	assert.Equal(t, hook.ID, result.WebhookID)
	assert.NotNil(t, result.Actions)
	assert.NotNil(t, result.Rules)

	require.Len(t, engine.actions, 1)
	call := engine.actions[0]
	assert.Equal(t, "webhook:"+hook.ID, call.Source)
	assert.Equal(t, automation.ActionCreateTask, call.Actions[0].Kind)
	assert.Equal(t, map[string]interface{}{"title": "From form"}, call.Context["payload"])

	received := engine.triggersOf(automation.TriggerWebhookReceived)
	require.Len(t, received, 1)
	assert.Equal(t, b.Board.ID, received[0].BoardID)
	assert.Equal(t, hook.ID, received[0].Context["webhookId"])

	stored, err := svc.GetWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TriggerCount)
	assert.NotNil(t, stored.LastTriggeredAt)
}

func TestWebhookService_DeliverWithoutActionsOnlyFiresTrigger(t *testing.T) {
	svc, engine, b := newWebhookFixture(t)
	ctx := context.Background()
	hook, err := svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{Name: "bare"})
	require.NoError(t, err)

	result, err := svc.Deliver(ctx, hook.AutomationWebhook, []byte("plain text"))
	require.NoError(t, err)
	assert.Nil(t, result.Actions)
	assert.Empty(t, engine.actions)

	received := engine.triggersOf(automation.TriggerWebhookReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "plain text", received[0].Context["payload"])
}

func TestWebhookService_UpdateAndDelete(t *testing.T) {
	svc, _, b := newWebhookFixture(t)
	ctx := context.Background()
	hook, err := svc.CreateWebhook(ctx, b.Board.ID, &WebhookRequest{Name: "a"})
	require.NoError(t, err)

	name := "renamed"
	updated, err := svc.UpdateWebhook(ctx, hook.ID, &WebhookUpdateRequest{Name: &name, AllowedIPs: []string{"127.0.0.1"}})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, `["127.0.0.1"]`, updated.AllowedIPs)

	list, err := svc.ListWebhooks(ctx, b.Board.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.DeleteWebhook(ctx, hook.ID))
	assert.ErrorIs(t, svc.DeleteWebhook(ctx, hook.ID), ErrWebhookNotFound)
}

func TestSourceIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "203.0.113.5:4000", "203.0.113.5"},
		{"forwarded first hop", map[string]string{"X-Forwarded-For": " 198.51.100.2 , 10.0.0.1"}, "10.0.0.1:1", "198.51.100.2"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.3"}, "10.0.0.1:1", "198.51.100.3"},
		{"bare remote", nil, "198.51.100.4", "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, SourceIP(h, tt.remote))
		})
	}
}

func TestIPAllowed(t *testing.T) {
	assert.True(t, ipAllowed("", "1.2.3.4"))
	assert.True(t, ipAllowed("[]", "1.2.3.4"))
	assert.True(t, ipAllowed(`["10.0.0.0/8"]`, "10.20.30.40"))
	assert.False(t, ipAllowed(`["10.0.0.0/8"]`, "11.0.0.1"))
	assert.False(t, ipAllowed(`["10.0.0.0/8"]`, "not-an-ip"))
	assert.True(t, ipAllowed(`["::1"]`, "::1"))
}

func TestDeliveryContext_EmptyBody(t *testing.T) {
	hook := &models.AutomationWebhook{ID: "wh1", BoardID: "b1", Name: "n"}
	ctx := DeliveryContext(hook, nil)
	assert.Equal(t, map[string]interface{}{}, ctx["payload"])
	assert.Equal(t, "b1", ctx["boardId"])
	assert.Equal(t, map[string]interface{}{"id": "wh1", "name": "n"}, ctx["webhook"])
}
