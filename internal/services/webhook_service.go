package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"taskboard/internal/automation"
	appmetrics "taskboard/internal/metrics"
	"taskboard/internal/models"
	"taskboard/pkg/webhook"
)

var (
	// ErrWebhookNotFound 未知或已停用的 webhook
	ErrWebhookNotFound = errors.New("automation webhook not found")
	// ErrWebhookForbidden 来源 IP 不在白名单
	ErrWebhookForbidden = errors.New("webhook source address not allowed")
	// ErrWebhookUnauthorized 签名或时间戳校验失败
	ErrWebhookUnauthorized = errors.New("webhook signature rejected")
	// ErrInvalidWebhook 配置校验失败
	ErrInvalidWebhook = errors.New("invalid automation webhook")
)

// AutomationEngine webhook 投递所需的引擎能力
type AutomationEngine interface {
	ProcessTrigger(ctx context.Context, boardID string, trigger automation.TriggerType, eventContext map[string]interface{}) (*automation.TriggerSummary, error)
	RunActions(ctx context.Context, boardID, source string, actions []automation.Action, eventContext map[string]interface{}) (*automation.ActionRun, error)
}

// WebhookService 入站 webhook 的管理、校验与投递
type WebhookService struct {
	db        *gorm.DB
	engine    AutomationEngine
	logger    *logrus.Logger
	tolerance time.Duration
	now       func() time.Time
}

func NewWebhookService(db *gorm.DB, engine AutomationEngine, logger *logrus.Logger) *WebhookService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookService{
		db:        db,
		engine:    engine,
		logger:    logger,
		tolerance: webhook.DefaultTolerance,
		now:       time.Now,
	}
}

// SetTolerance 设置签名时间戳允许的偏差
func (s *WebhookService) SetTolerance(d time.Duration) {
	if d > 0 {
		s.tolerance = d
	}
}

// WebhookRequest 创建 webhook 的请求
type WebhookRequest struct {
	Name             string          `json:"name" binding:"required"`
	AllowedIPs       []string        `json:"allowed_ips"`
	RequireSignature *bool           `json:"require_signature"`
	Actions          json.RawMessage `json:"actions"`
	Enabled          *bool           `json:"enabled"`
	CreatedBy        string          `json:"created_by"`
}

// WebhookUpdateRequest 更新 webhook，nil 字段保持不变
type WebhookUpdateRequest struct {
	Name             *string         `json:"name"`
	AllowedIPs       []string        `json:"allowed_ips"`
	RequireSignature *bool           `json:"require_signature"`
	Actions          json.RawMessage `json:"actions"`
	Enabled          *bool           `json:"enabled"`
}

// WebhookWithSecret 仅在创建与轮换密钥时返回明文密钥
type WebhookWithSecret struct {
	*models.AutomationWebhook
	Secret string `json:"secret"`
}

// DeliveryResult 一次投递的执行结果
type DeliveryResult struct {
	WebhookID string                     `json:"webhook_id"`
	Actions   *automation.ActionRun      `json:"actions,omitempty"`
	Rules     *automation.TriggerSummary `json:"rules,omitempty"`
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

func normalizeAllowedIPs(entries []string) (string, error) {
	clean := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			if _, _, err := net.ParseCIDR(e); err != nil {
				return "", fmt.Errorf("%w: bad CIDR %q", ErrInvalidWebhook, e)
			}
		} else if net.ParseIP(e) == nil {
			return "", fmt.Errorf("%w: bad IP %q", ErrInvalidWebhook, e)
		}
		clean = append(clean, e)
	}
	raw, _ := json.Marshal(clean)
	return string(raw), nil
}

// validateWebhookActions 允许空动作列表：投递仍会触发 webhook_received 规则
func validateWebhookActions(raw json.RawMessage) (string, error) {
	s := rawOrEmpty(raw)
	if s == "" {
		return "[]", nil
	}
	actions, err := automation.ParseActions(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if len(actions) == 0 {
		return "[]", nil
	}
	if err := automation.ValidateActions(actions); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	return s, nil
}

// CreateWebhook 在看板上创建 webhook 并生成密钥
func (s *WebhookService) CreateWebhook(ctx context.Context, boardID string, req *WebhookRequest) (*WebhookWithSecret, error) {
	if req == nil || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidWebhook)
	}
	var board models.Board
	if err := s.db.WithContext(ctx).Select("id").First(&board, "id = ?", boardID).Error; err != nil {
		return nil, notFound("board", boardID, err)
	}
	allowed, err := normalizeAllowedIPs(req.AllowedIPs)
	if err != nil {
		return nil, err
	}
	actions, err := validateWebhookActions(req.Actions)
	if err != nil {
		return nil, err
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	hook := &models.AutomationWebhook{
		BoardID:          boardID,
		Name:             strings.TrimSpace(req.Name),
		Secret:           secret,
		AllowedIPs:       allowed,
		RequireSignature: req.RequireSignature == nil || *req.RequireSignature,
		Actions:          actions,
		Enabled:          req.Enabled == nil || *req.Enabled,
		CreatedBy:        req.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(hook).Error; err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"webhook_id": hook.ID, "board_id": boardID}).Info("automation webhook created")
	return &WebhookWithSecret{AutomationWebhook: hook, Secret: secret}, nil
}

// GetWebhook 获取 webhook（含已停用）
func (s *WebhookService) GetWebhook(ctx context.Context, id string) (*models.AutomationWebhook, error) {
	var hook models.AutomationWebhook
	if err := s.db.WithContext(ctx).First(&hook, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("webhook %s: %w", id, ErrWebhookNotFound)
		}
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	return &hook, nil
}

// ListWebhooks 看板上的 webhook
func (s *WebhookService) ListWebhooks(ctx context.Context, boardID string) ([]models.AutomationWebhook, error) {
	var out []models.AutomationWebhook
	if err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return out, nil
}

// UpdateWebhook 修改名称、白名单、签名要求、动作或启停
func (s *WebhookService) UpdateWebhook(ctx context.Context, id string, req *WebhookUpdateRequest) (*models.AutomationWebhook, error) {
	hook, err := s.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name required", ErrInvalidWebhook)
		}
		updates["name"] = name
	}
	if req.AllowedIPs != nil {
		allowed, err := normalizeAllowedIPs(req.AllowedIPs)
		if err != nil {
			return nil, err
		}
		updates["allowed_ips"] = allowed
	}
	if req.RequireSignature != nil {
		updates["require_signature"] = *req.RequireSignature
	}
	if len(req.Actions) > 0 {
		actions, err := validateWebhookActions(req.Actions)
		if err != nil {
			return nil, err
		}
		updates["actions"] = actions
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(hook).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update webhook: %w", err)
		}
	}
	return s.GetWebhook(ctx, id)
}

// RotateSecret 生成新密钥，旧密钥立即失效
func (s *WebhookService) RotateSecret(ctx context.Context, id string) (*WebhookWithSecret, error) {
	hook, err := s.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(hook).Update("secret", secret).Error; err != nil {
		return nil, fmt.Errorf("failed to rotate webhook secret: %w", err)
	}
	hook.Secret = secret
	return &WebhookWithSecret{AutomationWebhook: hook, Secret: secret}, nil
}

// DeleteWebhook 删除 webhook
func (s *WebhookService) DeleteWebhook(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.AutomationWebhook{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete webhook: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrWebhookNotFound)
	}
	return nil
}

// SourceIP 依次取 X-Forwarded-For 首跳、X-Real-IP、连接地址
func SourceIP(header http.Header, remoteAddr string) string {
	if xff := header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func ipAllowed(allowedJSON, source string) bool {
	var allowed []string
	if strings.TrimSpace(allowedJSON) != "" {
		_ = json.Unmarshal([]byte(allowedJSON), &allowed)
	}
	if len(allowed) == 0 {
		return true
	}
	ip := net.ParseIP(source)
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if allowedIP := net.ParseIP(entry); allowedIP != nil && allowedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// ValidateDelivery 校验一次入站投递：存在且启用、来源 IP、签名与时间戳
func (s *WebhookService) ValidateDelivery(ctx context.Context, id string, header http.Header, remoteAddr string, body []byte) (*models.AutomationWebhook, error) {
	hook, err := s.GetWebhook(ctx, id)
	if err != nil {
		if errors.Is(err, ErrWebhookNotFound) {
			appmetrics.IncWebhookDelivery("not_found")
		}
		return nil, err
	}
	if !hook.Enabled {
		appmetrics.IncWebhookDelivery("not_found")
		return nil, fmt.Errorf("webhook %s disabled: %w", id, ErrWebhookNotFound)
	}
	source := SourceIP(header, remoteAddr)
	if !ipAllowed(hook.AllowedIPs, source) {
		appmetrics.IncWebhookDelivery("forbidden")
		return nil, fmt.Errorf("%s: %w", source, ErrWebhookForbidden)
	}
	if hook.RequireSignature {
		err := webhook.Verify(hook.Secret, header.Get(webhook.HeaderSignature), header.Get(webhook.HeaderTimestamp), body, s.now(), s.tolerance)
		if err != nil {
			appmetrics.IncWebhookDelivery("unauthorized")
			return nil, fmt.Errorf("%w: %v", ErrWebhookUnauthorized, err)
		}
	}
	return hook, nil
}

// DeliveryContext 构造投递的事件上下文。非 JSON 请求体以原始字符串放入 payload。
func DeliveryContext(hook *models.AutomationWebhook, body []byte) map[string]interface{} {
	var payload interface{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = string(body)
		}
	} else {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"boardId":   hook.BoardID,
		"webhookId": hook.ID,
		"webhook": map[string]interface{}{
			"id":   hook.ID,
			"name": hook.Name,
		},
		"payload": payload,
	}
}

// Deliver 执行已校验投递：先运行 webhook 自身动作，再触发 webhook_received 规则
func (s *WebhookService) Deliver(ctx context.Context, hook *models.AutomationWebhook, body []byte) (*DeliveryResult, error) {
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Model(&models.AutomationWebhook{}).Where("id = ?", hook.ID).
		Updates(map[string]interface{}{
			"trigger_count":     gorm.Expr("trigger_count + 1"),
			"last_triggered_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	appmetrics.IncWebhookDelivery("accepted")

	evCtx := DeliveryContext(hook, body)
	result := &DeliveryResult{WebhookID: hook.ID}
	log := s.logger.WithFields(logrus.Fields{"webhook_id": hook.ID, "board_id": hook.BoardID})

	actions, err := automation.ParseActions(hook.Actions)
	if err != nil {
		log.Warnf("webhook actions unreadable: %v", err)
	} else if len(actions) > 0 {
		run, err := s.engine.RunActions(ctx, hook.BoardID, "webhook:"+hook.ID, actions, evCtx)
		if err != nil {
			log.Warnf("webhook actions failed: %v", err)
		}
		result.Actions = run
	}

	summary, err := s.engine.ProcessTrigger(ctx, hook.BoardID, automation.TriggerWebhookReceived, evCtx)
	if err != nil {
		log.Warnf("webhook_received trigger failed: %v", err)
	}
	result.Rules = summary
	return result, nil
}
