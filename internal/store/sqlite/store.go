// Package sqlite implements store.Store with gorm over a SQLite database.
//
// Mutations run in a transaction and finish with an UPDATE guarded by the
// record version, retried a bounded number of times when another writer
// got there first. Several processes may share one database file.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"event-queue/internal/status"
	"event-queue/internal/store"
	"event-queue/models"
)

const (
	defaultMaxRetries = 10
	connOpts          = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
)

var _ store.Store = (*Store)(nil)

type queueRow struct {
	QueueKey         string `gorm:"primaryKey;size:512"`
	EventID          string `gorm:"not null"`
	OrgID            string `gorm:"not null"`
	CapacityLimit    int    `gorm:"not null"`
	Description      string
	FreezeDurationMs int64  `gorm:"not null"`
	FreezeTrigger    string `gorm:"not null"`
	CreatedAt        time.Time
	FreezeUntil      *time.Time
	Version          int64 `gorm:"not null;default:0"`
}

func (queueRow) TableName() string { return "queues" }

type participantRow struct {
	ID       uint   `gorm:"primaryKey"`
	QueueKey string `gorm:"not null;uniqueIndex:idx_participant_user"`
	UserID   string `gorm:"not null;uniqueIndex:idx_participant_user"`
	Token    string `gorm:"not null;uniqueIndex"`
	JoinedAt time.Time
}

func (participantRow) TableName() string { return "participants" }

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxRetries bounds the optimistic retry loop of a single mutation.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

type Store struct {
	db         *gorm.DB
	logger     *slog.Logger
	maxRetries int
}

// Open opens (or creates) the database file at path and migrates the schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?%s", path, connOpts)),
		&gorm.Config{
			Logger:                 gormlogger.Discard,
			SkipDefaultTransaction: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection per process keeps
	// transactions from tripping over SQLITE_BUSY inside the process.
	sqlDB.SetMaxOpenConns(1)

	s := New(db, opts...)
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle. The caller runs Migrate.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default(), maxRetries: defaultMaxRetries}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&queueRow{}, &participantRow{}); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", errors.Join(status.ErrStoreUnavailable, err))
	}
	return nil
}

func toRow(rec *models.QueueRecord) *queueRow {
	return &queueRow{
		QueueKey:         rec.Key().String(),
		EventID:          rec.EventID,
		OrgID:            rec.OrgID,
		CapacityLimit:    rec.CapacityLimit,
		Description:      rec.Description,
		FreezeDurationMs: rec.FreezeDurationMs,
		FreezeTrigger:    string(rec.FreezeTrigger),
		CreatedAt:        rec.CreatedAt,
		FreezeUntil:      rec.FreezeUntil,
		Version:          rec.Version,
	}
}

func (r *queueRow) record() *models.QueueRecord {
	return &models.QueueRecord{
		QueueConfig: models.QueueConfig{
			EventID:          r.EventID,
			OrgID:            r.OrgID,
			CapacityLimit:    r.CapacityLimit,
			Description:      r.Description,
			FreezeDurationMs: r.FreezeDurationMs,
			FreezeTrigger:    models.FreezeTrigger(r.FreezeTrigger),
		},
		CreatedAt:   r.CreatedAt,
		FreezeUntil: r.FreezeUntil,
		Version:     r.Version,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("sqlite: %s: %w", op, errors.Join(status.ErrStoreUnavailable, err))
}

func loadRow(tx *gorm.DB, key models.QueueKey) (*queueRow, error) {
	var row queueRow
	err := tx.Where("queue_key = ?", key.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, status.ErrQueueNotFound
	} else if err != nil {
		return nil, unavailable("load queue", err)
	}
	return &row, nil
}

func loadMembers(tx *gorm.DB, key models.QueueKey) ([]models.Participant, error) {
	var rows []participantRow
	if err := tx.Where("queue_key = ?", key.String()).Order("joined_at, id").Find(&rows).Error; err != nil {
		return nil, unavailable("load participants", err)
	}
	members := make([]models.Participant, 0, len(rows))
	for _, r := range rows {
		members = append(members, models.Participant{UserID: r.UserID, Token: r.Token, JoinedAt: r.JoinedAt})
	}
	return members, nil
}

// bumpVersion writes the mutable record fields if nobody else has since
// expected was read.
func bumpVersion(tx *gorm.DB, key models.QueueKey, expected int64, freezeUntil *time.Time) error {
	res := tx.Model(&queueRow{}).
		Where("queue_key = ? AND version = ?", key.String(), expected).
		Updates(map[string]any{"freeze_until": freezeUntil, "version": expected + 1})
	if res.Error != nil {
		return unavailable("update queue", res.Error)
	}
	if res.RowsAffected == 0 {
		return status.ErrVersionConflict
	}
	return nil
}

// retry reruns fn while it loses the optimistic race.
func (s *Store) retry(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, status.ErrVersionConflict) {
			return err
		}
		s.logger.Debug("sqlite: version conflict, retrying", "op", op, "attempt", attempt+1)
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

func (s *Store) Get(ctx context.Context, key models.QueueKey) (*models.QueueRecord, []models.Participant, error) {
	var (
		rec     *models.QueueRecord
		members []models.Participant
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadRow(tx, key)
		if err != nil {
			return err
		}
		members, err = loadMembers(tx, key)
		if err != nil {
			return err
		}
		rec = row.record()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, members, nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, rec *models.QueueRecord) (*models.QueueRecord, bool, error) {
	var (
		stored  *models.QueueRecord
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadRow(tx, rec.Key())
		if err == nil {
			stored = row.record()
			return nil
		} else if !errors.Is(err, status.ErrQueueNotFound) {
			return err
		}

		row = toRow(rec)
		if err := tx.Create(row).Error; err != nil {
			return unavailable("insert queue", err)
		}
		stored, created = row.record(), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.QueueRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadRow(tx, rec.Key()); err != nil {
			return err
		}
		return bumpVersion(tx, rec.Key(), expectedVersion, rec.FreezeUntil)
	})
}

func (s *Store) Delete(ctx context.Context, key models.QueueKey) (bool, error) {
	var existed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("queue_key = ?", key.String()).Delete(&participantRow{}).Error; err != nil {
			return unavailable("delete participants", err)
		}
		res := tx.Where("queue_key = ?", key.String()).Delete(&queueRow{})
		if res.Error != nil {
			return unavailable("delete queue", res.Error)
		}
		existed = res.RowsAffected > 0
		return nil
	})
	return existed, err
}

func (s *Store) AppendIfUnderCapacity(ctx context.Context, key models.QueueKey, p models.Participant, now time.Time) (*store.Admission, error) {
	var adm store.Admission
	err := s.retry(ctx, "append", func(tx *gorm.DB) error {
		row, err := loadRow(tx, key)
		if err != nil {
			return err
		}
		members, err := loadMembers(tx, key)
		if err != nil {
			return err
		}

		rec := row.record()
		var appended *models.Participant
		adm, appended = store.Admit(rec, members, p, now)
		if rec.Version == row.Version {
			return nil
		}

		if appended != nil {
			prow := &participantRow{QueueKey: key.String(), UserID: appended.UserID, Token: appended.Token, JoinedAt: appended.JoinedAt}
			if err := tx.Create(prow).Error; err != nil {
				return unavailable("insert participant", err)
			}
		}
		return bumpVersion(tx, key, row.Version, rec.FreezeUntil)
	})
	if err != nil {
		return nil, err
	}
	return &adm, nil
}

func (s *Store) Remove(ctx context.Context, key models.QueueKey, token string) (*models.Participant, error) {
	var removed *models.Participant
	err := s.retry(ctx, "remove", func(tx *gorm.DB) error {
		row, err := loadRow(tx, key)
		if err != nil {
			return err
		}

		var prow participantRow
		err = tx.Where("queue_key = ? AND token = ?", key.String(), token).Take(&prow).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return status.ErrParticipantNotFound
		} else if err != nil {
			return unavailable("load participant", err)
		}

		if err := tx.Delete(&prow).Error; err != nil {
			return unavailable("delete participant", err)
		}
		removed = &models.Participant{UserID: prow.UserID, Token: prow.Token, JoinedAt: prow.JoinedAt}
		return bumpVersion(tx, key, row.Version, row.FreezeUntil)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *Store) Keys(ctx context.Context) ([]models.QueueKey, error) {
	var rows []queueRow
	if err := s.db.WithContext(ctx).Select("event_id", "org_id").Find(&rows).Error; err != nil {
		return nil, unavailable("list queues", err)
	}
	keys := make([]models.QueueKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, models.NewQueueKey(r.EventID, r.OrgID))
	}
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
