package services

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskboard/internal/database"
	"taskboard/internal/models"
)

func newServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:svc_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// testBoard 一个看板，含 todo / doing / done 三个列表
type testBoard struct {
	Board models.Board
	Todo  models.BoardList
	Doing models.BoardList
	Done  models.BoardList
}

func seedBoard(t *testing.T, db *gorm.DB) *testBoard {
	t.Helper()
	b := &testBoard{Board: models.Board{Name: "Sprint"}}
	if err := db.Create(&b.Board).Error; err != nil {
		t.Fatalf("create board: %v", err)
	}
	for i, l := range []*models.BoardList{&b.Todo, &b.Doing, &b.Done} {
		l.BoardID = b.Board.ID
		l.Name = []string{"Todo", "Doing", "Done"}[i]
		l.Position = i
		if err := db.Create(l).Error; err != nil {
			t.Fatalf("create list: %v", err)
		}
	}
	return b
}

func seedTask(t *testing.T, db *gorm.DB, b *testBoard, title string) *models.Task {
	t.Helper()
	task := &models.Task{BoardID: b.Board.ID, ListID: b.Todo.ID, Title: title}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}
