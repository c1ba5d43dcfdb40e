package main

import (
	"flag"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"taskboard/internal/config"
	"taskboard/internal/database"
)

// 独立的迁移入口，供部署流水线在启动服务前执行
func main() {
	configPath := flag.String("config", "", "config file (default is ./config.yml)")
	flag.Parse()

	if *configPath != "" {
		viper.SetConfigFile(*configPath)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.Fatalf("Failed to read config: %v", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}

	db, err := database.Open(cfg)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	logrus.Infof("Starting database migration (%s)...", cfg.Database.Driver)
	if err := database.Migrate(db); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}
	logrus.Info("Migration process completed!")
}
