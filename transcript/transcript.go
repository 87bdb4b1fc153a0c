// Package transcript keeps an audit log of finished runs in MySQL, one row per
// run and one row per turn.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/logging"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one orchestrated exchange.
type Run struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Identity  string    `gorm:"size:191;index"`
	Source    string    `gorm:"size:32;not null"`
	Status    string    `gorm:"size:16;not null"`
	Error     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
	Turns     []Turn    `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (Run) TableName() string { return "transcript_runs" }

// Turn is one conversation turn of a Run.
type Turn struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	RunID          string    `gorm:"size:36;index;not null"`
	Position       int       `gorm:"not null"`
	Role           string    `gorm:"size:16;not null"`
	Content        string    `gorm:"type:mediumtext"`
	AttachmentName string    `gorm:"size:255"`
	AttachmentType string    `gorm:"size:128"`
	AttachmentSize int
	Timestamp      time.Time
}

func (Turn) TableName() string { return "transcript_turns" }

// Entry is what callers hand to Record.
type Entry struct {
	RunID    string
	Identity string
	Source   string
	Turns    []conversation.Turn
	Err      error
}

// Store writes and reads transcripts.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open connects to MySQL. parseTime and utf8mb4 are added to the DSN when
// missing.
func Open(dsn string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logging.Component(nil, "transcript")
	}
	db, err := gorm.Open(mysql.Open(NormalizeDSN(dsn)), &gorm.Config{
		Logger: gormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("opening transcript database: %w", err)
	}
	return New(db, log), nil
}

// New wraps an open database handle.
func New(db *gorm.DB, log *logrus.Entry) *Store {
	if log == nil {
		log = logging.Component(nil, "transcript")
	}
	return &Store{db: db, log: log}
}

// Close releases the database connections.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormLogger(log *logrus.Entry) logger.Interface {
	return logger.New(log, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// NormalizeDSN adds the connection parameters the models rely on.
func NormalizeDSN(dsn string) string {
	dsn = ensureParam(dsn, "parseTime", "true")
	if !strings.Contains(dsn, "charset=") {
		dsn = ensureParam(dsn, "charset", "utf8mb4")
	}
	return dsn
}

func ensureParam(dsn, key, val string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + val
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Run{}, &Turn{})
}

// Record stores a finished run with all of its turns.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.RunID == "" {
		return errors.New("transcript entry has no run id")
	}
	run := FromEntry(e, time.Now())
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("recording run %s: %w", e.RunID, err)
	}
	s.log.WithFields(logrus.Fields{"run_id": e.RunID, "turns": len(run.Turns), "status": run.Status}).Debug("transcript recorded")
	return nil
}

// Recent returns up to limit runs for identity, newest first, with turns in
// order.
func (s *Store) Recent(ctx context.Context, identity string, limit int) ([]Run, error) {
	var runs []Run
	err := s.recentQuery(s.db.WithContext(ctx), identity, limit).
		Preload("Turns", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("loading transcripts: %w", err)
	}
	return runs, nil
}

func (s *Store) recentQuery(tx *gorm.DB, identity string, limit int) *gorm.DB {
	if limit <= 0 {
		limit = 20
	}
	return tx.Model(&Run{}).
		Where("identity = ?", identity).
		Order("created_at DESC").
		Limit(limit)
}

// FromEntry converts an entry into rows. Attachment bytes are not stored,
// only their name, type and size.
func FromEntry(e Entry, now time.Time) Run {
	run := Run{
		ID:        e.RunID,
		Identity:  e.Identity,
		Source:    e.Source,
		Status:    StatusCompleted,
		CreatedAt: now,
		Turns:     make([]Turn, 0, len(e.Turns)),
	}
	if run.Source == "" {
		run.Source = "unknown"
	}
	if e.Err != nil {
		run.Status = StatusFailed
		run.Error = e.Err.Error()
	}
	for i, t := range e.Turns {
		row := Turn{
			RunID:     e.RunID,
			Position:  i,
			Role:      string(t.Role()),
			Content:   t.Content,
			Timestamp: t.Timestamp,
		}
		if a := t.Attachment; a != nil {
			row.AttachmentName = a.Name
			row.AttachmentType = a.MediaType
			row.AttachmentSize = len(a.Data)
		}
		run.Turns = append(run.Turns, row)
	}
	return run
}

// Conversation rebuilds the turns of a stored run. Attachments come back as
// metadata with no data.
func (r Run) Conversation() ([]conversation.Turn, error) {
	out := make([]conversation.Turn, 0, len(r.Turns))
	for _, row := range r.Turns {
		t, err := conversation.NewTurn(conversation.Role(row.Role), row.Content)
		if err != nil {
			return nil, fmt.Errorf("run %s turn %d: %w", r.ID, row.Position, err)
		}
		t.Timestamp = row.Timestamp
		if row.AttachmentName != "" || row.AttachmentType != "" {
			t = t.WithAttachment(&conversation.Attachment{Name: row.AttachmentName, MediaType: row.AttachmentType})
		}
		out = append(out, t)
	}
	return out, nil
}
