package database

import (
	"testing"

	"taskboard/internal/config"
	"taskboard/internal/models"
)

func TestOpenAndMigrate_SQLite(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = "file:database_test?mode=memory&cache=shared"

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// idempotent
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	for _, m := range models.All() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("missing table for %T", m)
		}
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "oracle"
	if _, err := Open(cfg); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
