package services

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"taskboard/internal/models"
)

//go:embed templates.yaml
var builtinTemplatesYAML []byte

// ErrTemplateNotFound 模板不存在
var ErrTemplateNotFound = errors.New("automation template not found")

var templateVarPattern = regexp.MustCompile(`\{\{\s*vars\.([A-Za-z0-9_]+)\s*\}\}`)

// templateFile 对应 templates.yaml 的结构
type templateFile struct {
	Templates []templateSpec `yaml:"templates"`
}

type templateSpec struct {
	Name          string                   `yaml:"name"`
	Category      string                   `yaml:"category"`
	Description   string                   `yaml:"description"`
	TriggerType   string                   `yaml:"trigger_type"`
	TriggerConfig map[string]interface{}   `yaml:"trigger_config"`
	Conditions    interface{}              `yaml:"conditions"`
	Actions       []map[string]interface{} `yaml:"actions"`
}

// TemplateService 自动化模板：内置模板、自定义模板与实例化
type TemplateService struct {
	db       *gorm.DB
	rules    *AutomationService
	logger   *logrus.Logger
	builtins []byte
}

// NewTemplateService 创建模板服务
func NewTemplateService(db *gorm.DB, rules *AutomationService, logger *logrus.Logger) *TemplateService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TemplateService{db: db, rules: rules, logger: logger, builtins: builtinTemplatesYAML}
}

// TemplateRequest 创建自定义模板的请求
type TemplateRequest struct {
	Name          string          `json:"name" binding:"required"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	TriggerType   string          `json:"trigger_type" binding:"required"`
	TriggerConfig json.RawMessage `json:"trigger_config"`
	Conditions    json.RawMessage `json:"conditions"`
	Actions       json.RawMessage `json:"actions" binding:"required"`
}

// InstantiateRequest 将模板实例化为看板规则
type InstantiateRequest struct {
	BoardID   string            `json:"board_id" binding:"required"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables"`
	Enabled   *bool             `json:"enabled"`
	Priority  int               `json:"priority"`
	CreatedBy string            `json:"created_by"`
}

func toJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseBuiltinTemplates 解析内置模板文件
func ParseBuiltinTemplates(data []byte) ([]models.AutomationTemplate, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	out := make([]models.AutomationTemplate, 0, len(file.Templates))
	for i, def := range file.Templates {
		cfg, err := toJSON(def.TriggerConfig)
		if err != nil {
			return nil, fmt.Errorf("templates[%d] trigger_config: %w", i, err)
		}
		conds, err := toJSON(def.Conditions)
		if err != nil {
			return nil, fmt.Errorf("templates[%d] conditions: %w", i, err)
		}
		acts, err := toJSON(def.Actions)
		if err != nil {
			return nil, fmt.Errorf("templates[%d] actions: %w", i, err)
		}
		out = append(out, models.AutomationTemplate{
			Name:          def.Name,
			Description:   def.Description,
			Category:      def.Category,
			TriggerType:   def.TriggerType,
			TriggerConfig: cfg,
			Conditions:    conds,
			Actions:       acts,
			Builtin:       true,
		})
	}
	return out, nil
}

// SeedBuiltins 写入缺失的内置模板，返回新增数量
func (s *TemplateService) SeedBuiltins(ctx context.Context) (int, error) {
	templates, err := ParseBuiltinTemplates(s.builtins)
	if err != nil {
		return 0, err
	}
	created := 0
	for i := range templates {
		t := templates[i]
		res := s.db.WithContext(ctx).Where("name = ?", t.Name).FirstOrCreate(&t)
		if res.Error != nil {
			return created, fmt.Errorf("seed template %q: %w", t.Name, res.Error)
		}
		if res.RowsAffected > 0 {
			created++
		}
	}
	if created > 0 {
		s.logger.Infof("seeded %d built-in automation templates", created)
	}
	return created, nil
}

// ListTemplates 按分类列出模板，按使用次数倒序
func (s *TemplateService) ListTemplates(ctx context.Context, category string) ([]models.AutomationTemplate, error) {
	q := s.db.WithContext(ctx).Model(&models.AutomationTemplate{})
	if category != "" {
		q = q.Where("category = ?", category)
	}
	var out []models.AutomationTemplate
	if err := q.Order("usage_count DESC").Order("name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return out, nil
}

// GetTemplate 获取模板
func (s *TemplateService) GetTemplate(ctx context.Context, id string) (*models.AutomationTemplate, error) {
	var t models.AutomationTemplate
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("template %s: %w", id, ErrTemplateNotFound)
		}
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	return &t, nil
}

// CreateTemplate 保存自定义模板。模板可包含 {{vars.*}} 占位，故只做结构校验。
func (s *TemplateService) CreateTemplate(ctx context.Context, req *TemplateRequest) (*models.AutomationTemplate, error) {
	if req == nil || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	t := &models.AutomationTemplate{
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		Category:      req.Category,
		TriggerType:   req.TriggerType,
		TriggerConfig: rawOrEmpty(req.TriggerConfig),
		Conditions:    rawOrEmpty(req.Conditions),
		Actions:       rawOrEmpty(req.Actions),
	}
	if t.Category == "" {
		t.Category = "custom"
	}
	// 用示例变量填充后校验，避免 cron / listId 等占位导致误判
	sample := fillVariables(t, nil, true)
	if err := ValidateDefinition(sample.TriggerType, sample.TriggerConfig, sample.Conditions, sample.Actions); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	return t, nil
}

// TemplateVariables 返回模板需要的变量名
func TemplateVariables(t *models.AutomationTemplate) []string {
	seen := map[string]bool{}
	var out []string
	for _, field := range []string{t.TriggerConfig, t.Conditions, t.Actions} {
		for _, m := range templateVarPattern.FindAllStringSubmatch(field, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

// fillVariables 替换 {{vars.*}}；sample 为真时用占位值填充缺失变量
func fillVariables(t *models.AutomationTemplate, vars map[string]string, sample bool) models.AutomationTemplate {
	out := *t
	replace := func(s string) string {
		return templateVarPattern.ReplaceAllStringFunc(s, func(tok string) string {
			name := templateVarPattern.FindStringSubmatch(tok)[1]
			if v, ok := vars[name]; ok {
				b, _ := json.Marshal(v)
				return string(b[1 : len(b)-1])
			}
			if sample {
				return "sample"
			}
			return tok
		})
	}
	out.TriggerConfig = replace(t.TriggerConfig)
	out.Conditions = replace(t.Conditions)
	out.Actions = replace(t.Actions)
	return out
}

// Instantiate 用模板在看板上创建规则，并原子地增加模板使用次数
func (s *TemplateService) Instantiate(ctx context.Context, templateID string, req *InstantiateRequest) (*models.AutomationRule, error) {
	t, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	filled := fillVariables(t, req.Variables, false)
	if missing := TemplateVariables(&filled); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing template variables: %s", ErrInvalidRule, strings.Join(missing, ", "))
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = t.Name
	}
	rule, err := s.rules.CreateRule(ctx, req.BoardID, &RuleRequest{
		Name:          name,
		Description:   t.Description,
		TriggerType:   filled.TriggerType,
		TriggerConfig: json.RawMessage(filled.TriggerConfig),
		Conditions:    json.RawMessage(filled.Conditions),
		Actions:       json.RawMessage(filled.Actions),
		Enabled:       req.Enabled,
		Priority:      req.Priority,
		CreatedBy:     req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.AutomationRule{}).Where("id = ?", rule.ID).Update("template_id", t.ID).Error; err != nil {
			return err
		}
		return tx.Model(&models.AutomationTemplate{}).Where("id = ?", t.ID).
			Update("usage_count", gorm.Expr("usage_count + 1")).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record template usage: %w", err)
	}
	rule.TemplateID = &t.ID
	return rule, nil
}
