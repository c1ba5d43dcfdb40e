// Package app 组装看板自动化服务：存储、引擎、触发源与 HTTP 路由。
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"taskboard/internal/automation"
	"taskboard/internal/config"
	"taskboard/internal/database"
	"taskboard/internal/handlers"
	"taskboard/internal/metrics"
	"taskboard/internal/middleware"
	"taskboard/internal/services"
	"taskboard/pkg/chat"
	"taskboard/pkg/webhook"
)

// App 持有运行期依赖
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	DB     *gorm.DB
	Redis  *redis.Client

	Hub           *services.RealtimeHub
	Engine        *automation.Engine
	Rules         *services.AutomationService
	Templates     *services.TemplateService
	Webhooks      *services.WebhookService
	Tasks         *services.TaskService
	Notifications *services.NotificationService
	Schedules     *services.ScheduleService
	Dispatcher    *services.TriggerDispatcher

	publisher *services.AMQPPublisher
	cancel    context.CancelFunc
}

// New 连接数据库并构建全部服务。migrate 为真时先执行自动迁移。
func New(cfg *config.Config, logger *logrus.Logger, migrate bool) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
	}
	return Build(cfg, logger, db)
}

// Build 在已有连接上构建服务，Redis 与 RabbitMQ 按配置可选
func Build(cfg *config.Config, logger *logrus.Logger, db *gorm.DB) (*App, error) {
	a := &App{Config: cfg, Logger: logger, DB: db}

	a.Hub = services.NewRealtimeHub(logger)
	if cfg.Redis.Enabled {
		client, err := services.NewRedisClient(cfg.Redis)
		if err != nil {
			// 单实例仍可工作，只是不跨实例广播
			logger.Warnf("redis unavailable, realtime events stay local: %v", err)
		} else {
			a.Redis = client
			a.Hub.SetRelay(services.NewRedisRelay(client, cfg.Redis.Channel, logger))
		}
	}

	var publisher services.NotificationPublisher
	if cfg.RabbitMQ.Enabled {
		p, err := services.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, logger)
		if err != nil {
			logger.Warnf("rabbitmq unavailable, notifications are not queued: %v", err)
		} else {
			a.publisher = p
			publisher = p
		}
	}
	a.Notifications = services.NewNotificationService(db, a.Hub, publisher, logger)

	store := services.NewAutomationStore(db, logger)
	boards := services.NewBoardStore(db, logger)

	a.Engine = automation.NewEngine(automation.Collaborators{
		Rules:    store,
		Pending:  store,
		Entities: boards,
		Notifier: a.Notifications,
		Webhooks: services.NewWebhookPoster(webhookClient(cfg, logger)),
		Chat:     services.NewChatSender(chatRouter(cfg, logger)),
	},
		automation.WithLogger(logger),
		automation.WithActionTimeout(cfg.Automation.ActionTimeout),
		automation.WithMaxChainDepth(cfg.Automation.MaxChainDepth),
		automation.WithObserver(metrics.RuleObserver()),
		automation.WithObserver(services.RuleExecutionObserver(a.Hub)),
	)

	a.Rules = services.NewAutomationService(db, logger)
	a.Rules.SetLogsPerRule(cfg.Automation.LogsPerRule)
	a.Templates = services.NewTemplateService(db, a.Rules, logger)

	a.Webhooks = services.NewWebhookService(db, a.Engine, logger)
	a.Webhooks.SetTolerance(cfg.Automation.WebhookTolerance)

	a.Dispatcher = services.NewTriggerDispatcher(a.Engine, cfg.Automation.AsyncTriggers, logger)
	a.Tasks = services.NewTaskService(boards, a.Dispatcher, logger)

	a.Schedules = services.NewScheduleService(a.Rules, a.Engine, logger)
	a.Rules.OnRuleChange(a.Schedules.Refresh)
	return a, nil
}

func webhookClient(cfg *config.Config, logger *logrus.Logger) *webhook.Client {
	wc := webhook.Config{UserAgent: cfg.Automation.UserAgent}
	if cfg.CircuitBreaker.Enabled {
		wc.Breaker = &webhook.BreakerConfig{
			MaxFailures:     cfg.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.CircuitBreaker.HalfOpenMaxReqs,
		}
	}
	return webhook.NewClient(wc, logger)
}

func chatRouter(cfg *config.Config, logger *logrus.Logger) *chat.Router {
	router := chat.NewRouter(logger)
	router.Register(chat.PlatformTelegram, chat.NewTelegram(cfg.Chat.Telegram.APIBase, nil), cfg.Chat.Telegram.Enabled)
	router.Register(chat.PlatformSlack, chat.NewSlack(cfg.Chat.Slack.APIURL), cfg.Chat.Slack.Enabled)
	router.Register(chat.PlatformDiscord, chat.NewDiscord(), cfg.Chat.Discord.Enabled)
	return router
}

// Start 启动实时分发与调度器，并按需写入内置模板
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.Hub.Run(ctx)

	if a.Config.Automation.SeedTemplates {
		n, err := a.Templates.SeedBuiltins(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			a.Logger.Infof("seeded %d builtin automation templates", n)
		}
	}
	if err := a.Schedules.Start(ctx, a.Config.Automation.SweepSchedule); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

// Router 构建 HTTP 路由
func (a *App) Router(version string) *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddlewareFromConfig(cfg))
	r.Use(middleware.RateLimitMiddlewareFromConfig(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	metricsPath := ""
	if cfg.Monitoring.Enabled {
		metricsPath = cfg.Monitoring.MetricsPath
	}
	handlers.RegisterHealthRoutes(&r.RouterGroup, handlers.NewHealthHandler(cfg, a.DB, a.Redis, a.Hub, version, a.Logger), metricsPath)

	webhookHandler := handlers.NewWebhookHandler(a.Webhooks, a.Logger)
	handlers.RegisterHookRoutes(&r.RouterGroup, webhookHandler)
	r.GET("/ws", a.Hub.HandleWebSocket)

	api := r.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.Rules, a.Templates, a.Engine, a.Logger))
	handlers.RegisterWebhookRoutes(api, webhookHandler)
	handlers.RegisterBoardRoutes(api, handlers.NewBoardHandler(a.Tasks, a.Notifications, a.Logger))
	return r
}

// Close 停止调度，等待异步触发结束并释放连接
func (a *App) Close(ctx context.Context) {
	if a.Schedules != nil {
		select {
		case <-a.Schedules.Stop().Done():
		case <-ctx.Done():
			a.Logger.Warn("scheduler did not stop in time")
		}
	}
	if a.Dispatcher != nil {
		done := make(chan struct{})
		go func() {
			a.Dispatcher.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.Logger.Warn("pending automation triggers abandoned at shutdown")
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Warnf("failed to close rabbitmq publisher: %v", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// SweepOnce 运行一次到期延迟执行的扫描
func (a *App) SweepOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return a.Engine.SweepPending(ctx)
}
