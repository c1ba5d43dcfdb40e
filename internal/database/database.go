package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"taskboard/internal/config"
	"taskboard/internal/models"
)

// dialector 根据驱动选择 gorm 方言
func dialector(dc config.DatabaseConfig) (gorm.Dialector, error) {
	switch dc.Driver {
	case "", "postgres":
		return postgres.Open(dc.DSN()), nil
	case "mysql":
		return mysql.Open(dc.DSN()), nil
	case "sqlite":
		return sqlite.Open(dc.DSN()), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", dc.Driver)
	}
}

// Open 连接数据库并配置连接池；启用追踪时注册 GORM OTel 插件
func Open(cfg *config.Config) (*gorm.DB, error) {
	dc := cfg.Database
	d, err := dialector(dc)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", dc.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: pool: %w", err)
	}
	if dc.Driver == "sqlite" {
		// sqlite 只允许单写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		if dc.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(dc.MaxOpenConns)
		}
		if dc.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(dc.MaxIdleConns)
		}
		if dc.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(dc.ConnMaxLifetime)
		}
	}

	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("db: tracing plugin: %w", err)
		}
	}
	return db, nil
}

// Migrate 自动迁移全部模型并创建复合索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_exec_logs_rule_created ON automation_execution_logs(rule_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_pending_status_due ON pending_executions(status, due_at)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_board_list ON tasks(board_id, list_id)",
	}
	if db.Dialector.Name() == "mysql" {
		// mysql 不支持 IF NOT EXISTS 索引语法，依赖 gorm 标签上的单列索引
		return nil
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("db: create index: %w", err)
		}
	}
	return nil
}
