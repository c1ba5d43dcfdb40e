package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger 初始化全局 logrus 日志
func InitLogger(cfg *Config) error {
	return ConfigureLogger(logrus.StandardLogger(), cfg.Log)
}

// ConfigureLogger 按配置设置级别、格式与输出（stdout / file / both）
func ConfigureLogger(logger *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", lc.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(lc.Format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	switch strings.ToLower(lc.Output) {
	case "file":
		rotate, err := rotatingFile(lc)
		if err != nil {
			return err
		}
		logger.SetOutput(rotate)
	case "both":
		rotate, err := rotatingFile(lc)
		if err != nil {
			return err
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotate))
	default:
		logger.SetOutput(os.Stdout)
	}

	logger.SetReportCaller(level >= logrus.DebugLevel)

	logger.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		lc.Level, lc.Format, lc.Output)
	return nil
}

// rotatingFile 创建日志目录并返回按大小轮转的文件
func rotatingFile(lc LogConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,    // MB
		MaxBackups: lc.MaxBackups, // 保留文件数
		MaxAge:     lc.MaxAge,     // 保留天数
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}
