package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	logx "raidbot/pkg/logx"
)

type Config struct {
	// Path to the sqlite database file. Empty selects a private in-memory
	// database (used by tests).
	Path        string
	BusyTimeout time.Duration
}

// Open opens (and migrates) the sqlite database. gorm's own logger is
// discarded; callers log through logx instead.
func Open(cfg Config, log logx.Logger) (*gorm.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}

	// sqlite prefers a single writer; this also keeps a private in-memory
	// database on one connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, model := range MigrateModels {
		if err := db.AutoMigrate(model); err != nil {
			return nil, fmt.Errorf("migrate %T: %w", model, err)
		}
	}

	if !log.IsZero() {
		log.Info("storage opened", logx.String("path", displayPath(cfg.Path)))
	}
	return db, nil
}

func buildDSN(cfg Config) (string, error) {
	if cfg.Path == "" {
		// Unique name per Open so concurrent tests never share state.
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), nil
	}

	dir := filepath.Dir(cfg.Path)
	if _, err := os.Stat(dir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read data dir: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
	}

	opts := "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	if cfg.BusyTimeout > 0 {
		opts += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	}
	return fmt.Sprintf("file:%s?%s", cfg.Path, opts), nil
}

func displayPath(p string) string {
	if p == "" {
		return ":memory:"
	}
	return p
}

// Settings returns the stored settings for a group, falling back to
// defaults when the group was never configured.
func Settings(db *gorm.DB, groupID string) (GroupSettings, error) {
	var gs GroupSettings
	err := db.Where("group_id = ?", groupID).First(&gs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GroupSettings{GroupID: groupID, Timezone: "Europe/Paris"}, nil
	}
	if err != nil {
		return GroupSettings{}, err
	}
	if gs.Timezone == "" {
		gs.Timezone = "Europe/Paris"
	}
	return gs, nil
}

// SaveSettings upserts a group's settings row.
func SaveSettings(db *gorm.DB, gs GroupSettings) error {
	var existing GroupSettings
	err := db.Where("group_id = ?", gs.GroupID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(&gs).Error
	}
	if err != nil {
		return err
	}
	gs.CreatedAt = existing.CreatedAt
	return db.Model(&GroupSettings{}).Where("group_id = ?", gs.GroupID).Updates(map[string]any{
		"timezone":        gs.Timezone,
		"raid_channel_id": gs.RaidChannelID,
		"log_channel_id":  gs.LogChannelID,
		"manager_role_id": gs.ManagerRoleID,
	}).Error
}
