package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"taskboard/internal/config"
	appmetrics "taskboard/internal/metrics"
)

// ClientCounter 实时连接数
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler 健康检查与指标处理器
type HealthHandler struct {
	config    *config.Config
	db        *gorm.DB
	redis     *redis.Client
	clients   ClientCounter
	version   string
	logger    *logrus.Logger
	startedAt time.Time
}

// NewHealthHandler 创建健康检查处理器；redis 与 clients 可为 nil
func NewHealthHandler(cfg *config.Config, db *gorm.DB, rdb *redis.Client, clients ClientCounter, version string, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthHandler{
		config:    cfg,
		db:        db,
		redis:     rdb,
		clients:   clients,
		version:   version,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 依赖服务状态
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 进程信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
	Realtime  int    `json:"realtime_clients"`
}

// Health 健康检查：数据库不可用为 unhealthy，Redis 不可用为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}
	if h.clients != nil {
		response.System.Realtime = h.clients.ClientCount()
	}

	if h.config.Monitoring.HealthChecks.Database {
		info := h.checkDatabase(ctx)
		response.Services["database"] = info
		if info.Status != "healthy" {
			response.Status = "unhealthy"
		}
	}
	if h.config.Monitoring.HealthChecks.Redis && h.redis != nil {
		info := h.checkRedis(ctx)
		response.Services["redis"] = info
		if info.Status != "healthy" && response.Status == "healthy" {
			// 实时广播退化为本地投递
			response.Status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查，只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	info := h.checkDatabase(ctx)
	ready := info.Status == "healthy"
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
		"services":  gin.H{"database": info.Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	info := ServiceInfo{Details: gin.H{"driver": h.config.Database.Driver}}
	if h.db == nil {
		info.Status = "unhealthy"
		info.Error = "database connection not initialized"
		return info
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		h.logger.Warnf("database health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	err := h.redis.Ping(ctx).Err()
	info := ServiceInfo{
		Latency: time.Since(start).String(),
		Details: gin.H{"host": h.config.Redis.Host, "port": h.config.Redis.Port},
	}
	if err != nil {
		h.logger.Warnf("redis health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}

// Metrics Prometheus 文本格式指标
func (h *HealthHandler) Metrics(c *gin.Context) {
	b := &strings.Builder{}
	fmt.Fprintf(b, "# HELP taskboard_info Information about the taskboard instance\n")
	fmt.Fprintf(b, "# TYPE taskboard_info gauge\n")
	fmt.Fprintf(b, "taskboard_info{version=%q} 1\n\n", h.version)

	fmt.Fprintf(b, "# HELP taskboard_uptime_seconds Uptime of the taskboard instance in seconds\n")
	fmt.Fprintf(b, "# TYPE taskboard_uptime_seconds counter\n")
	fmt.Fprintf(b, "taskboard_uptime_seconds %.0f\n\n", time.Since(h.startedAt).Seconds())

	clients := 0
	if h.clients != nil {
		clients = h.clients.ClientCount()
	}
	fmt.Fprintf(b, "# HELP taskboard_realtime_connections Active realtime WebSocket connections\n")
	fmt.Fprintf(b, "# TYPE taskboard_realtime_connections gauge\n")
	fmt.Fprintf(b, "taskboard_realtime_connections %d\n\n", clients)

	appmetrics.WritePrometheus(b)
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
}

// RegisterHealthRoutes 注册健康检查与指标路由
func RegisterHealthRoutes(r *gin.RouterGroup, handler *HealthHandler, metricsPath string) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
	if metricsPath != "" {
		r.GET(metricsPath, handler.Metrics)
	}
}
