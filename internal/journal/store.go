package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crabstack.local/projects/crab-voice/internal/lifecycle"
)

const DriverNone = "none"

var ErrDisabled = errors.New("journal disabled")

// Entry is a stored lifecycle event.
type Entry struct {
	ID string
	lifecycle.Event
}

// Store appends lifecycle events to a SQL table. Rows are history only and
// are never used to rebuild the registry.
type Store struct {
	db *gorm.DB
}

var _ lifecycle.Journal = (*Store)(nil)

// Open returns ErrDisabled when driver is "none".
func Open(driver, dsn string) (*Store, error) {
	if strings.EqualFold(strings.TrimSpace(driver), DriverNone) {
		return nil, ErrDisabled
	}
	gormDB, err := openGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	store := &Store{db: gormDB}
	if err := store.migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(&eventRow{})
}

func (s *Store) Append(ctx context.Context, event lifecycle.Event) error {
	if strings.TrimSpace(event.ChannelID) == "" {
		return fmt.Errorf("channel id is required")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	row := eventRowFromEvent(uuid.NewString(), event)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append journal event: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := s.db.WithContext(ctx).
		Model(&eventRow{}).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "occurred_at"}, Desc: true},
			{Column: clause.Column{Name: "seq"}, Desc: true},
		}})
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list journal events: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntry())
	}
	return out, nil
}

// ChannelHistory returns every entry for channelID in the order it was written.
func (s *Store) ChannelHistory(ctx context.Context, channelID string) ([]Entry, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}

	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("channel history: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntry())
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
