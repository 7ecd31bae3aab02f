// Package testutil provides shared test utilities: an in-memory database, a
// fake WLED controller and a camera that renders what it would see.
package testutil

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/lucsky/cuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bbernstein/lacylights-ledmap/internal/database/models"
	"github.com/bbernstein/lacylights-ledmap/internal/database/repositories"
)

// TestDB holds the test database and repositories.
type TestDB struct {
	DB          *gorm.DB
	RunRepo     *repositories.RunRepository
	DepthRepo   *repositories.DepthRepository
	SettingRepo *repositories.SettingRepository
}

// SetupTestDB creates an in-memory SQLite database for testing.
// It returns a TestDB with all repositories initialized and a cleanup function.
func SetupTestDB(t *testing.T) (*TestDB, func()) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	testDB := &TestDB{
		DB:          db,
		RunRepo:     repositories.NewRunRepository(db),
		DepthRepo:   repositories.NewDepthRepository(db),
		SettingRepo: repositories.NewSettingRepository(db),
	}

	cleanup := func() {
		_ = sqlDB.Close()
	}
	return testDB, cleanup
}

// UniqueRunID generates a unique run id for testing.
func UniqueRunID(prefix string) string {
	return prefix + "-" + cuid.New()[:8]
}
