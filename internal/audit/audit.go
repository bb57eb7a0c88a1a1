package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// UserChange is one row of the change trail: a user record was created,
// updated or removed at ChangedAt by the given source process.
type UserChange struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"index;not null"`
	Source    string    `gorm:"not null"`
	ChangedAt time.Time `gorm:"index;not null"`
}

func (UserChange) TableName() string {
	return "user_changes"
}

type Recorder struct {
	db     *gorm.DB
	source string
	logger *slog.Logger
}

// Open creates (or opens) the sqlite change trail at path and migrates
// its schema. Use ":memory:" for an ephemeral trail.
func Open(path, source string, logger *slog.Logger) (*Recorder, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&UserChange{}); err != nil {
		return nil, err
	}
	return &Recorder{db: db, source: source, logger: logger}, nil
}

// Record appends a change row for the given user id. Errors are logged
// and absorbed: the trail never blocks a store mutation.
func (r *Recorder) Record(id uuid.UUID) {
	change := &UserChange{
		UserID:    id.String(),
		Source:    r.source,
		ChangedAt: time.Now().UTC(),
	}
	if err := r.db.Create(change).Error; err != nil {
		r.logger.Error("audit: failed to record user change", "user_id", id, "error", err)
	}
}

// ChangesFor returns the recorded changes for one user, newest first.
func (r *Recorder) ChangesFor(id uuid.UUID) ([]*UserChange, error) {
	var changes []*UserChange
	err := r.db.Where("user_id = ?", id.String()).Order("changed_at DESC").Find(&changes).Error
	return changes, err
}

// Recent returns the most recent changes across all users, newest first.
func (r *Recorder) Recent(limit int) ([]*UserChange, error) {
	var changes []*UserChange
	err := r.db.Order("changed_at DESC").Limit(limit).Find(&changes).Error
	return changes, err
}

func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
