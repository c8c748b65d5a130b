package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ragdesk_back/config"
)

// Open connects to the configured database. The driver is inferred from the
// DSN when it is not set explicitly.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store: database dsn is required")
	}
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("store: database driver is required when the DSN does not identify one")
		}
	}
	return openDatabase(driver, dsn)
}

func openDatabase(driver, dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Warn),
	}
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), gormCfg)
	case "mysql":
		return gorm.Open(mysql.Open(strings.TrimPrefix(dsn, "mysql://")), gormCfg)
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), gormCfg)
	default:
		return nil, fmt.Errorf("store: unsupported database driver %q", driver)
	}
}

func inferDriverFromDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), lower == ":memory:":
		return "sqlite"
	default:
		return ""
	}
}

// Migrate creates or updates the document and chatbot tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Document{}, &Chatbot{}); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
