package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/shared"
)

// GormStore implements Repository on gorm. It backs the Postgres deployment.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens driver at dsn and migrates the schema.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &eventRegistrationRow{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// OpenGorm opens a gorm connection for driver and dsn. Only "postgres" is
// supported; SQLite deployments use SQLiteStore.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "postgres"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required for driver %q", driver)
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// Ping verifies database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetConciergeSession retrieves a session by id.
func (s *GormStore) GetConciergeSession(ctx context.Context, sessionID string) (*domain.ConciergeSession, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get concierge session: %w", err)
	}
	return row.toDomain(), nil
}

// CreateConciergeSession inserts a new session row.
func (s *GormStore) CreateConciergeSession(ctx context.Context, session *domain.ConciergeSession) error {
	row := sessionRowFromDomain(session)
	if row.StartedAt.IsZero() {
		row.StartedAt = now()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.StartedAt
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || shared.IsUniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", session.SessionID, ErrDuplicateSession)
		}
		return fmt.Errorf("create concierge session: %w", err)
	}
	return nil
}

// SaveSessionState writes the state snapshot and bumps the row version.
func (s *GormStore) SaveSessionState(ctx context.Context, update domain.SessionStateUpdate) (int64, error) {
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now()
	}

	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&sessionRow{}).Where("session_id = ?", update.SessionID)
		if update.ExpectedVersion != domain.AnyVersion {
			q = q.Where("version = ?", update.ExpectedVersion)
		}
		res := q.Updates(map[string]interface{}{
			"session_type": update.SessionType,
			"session_data": update.SessionData,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   updatedAt,
		})
		if res.Error != nil {
			return fmt.Errorf("update session state: %w", res.Error)
		}

		var current sessionRow
		err := tx.Select("version").Where("session_id = ?", update.SessionID).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("session %s: %w", update.SessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read session version: %w", err)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("session %s expected version %d, found %d: %w",
				update.SessionID, update.ExpectedVersion, current.Version, ErrVersionConflict)
		}
		version = current.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// UpdateSessionStatus sets the lifecycle status of a session.
func (s *GormStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{"session_status": status, "updated_at": now()})
	if res.Error != nil {
		return fmt.Errorf("update session status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// ListSessionsByContractor returns a contractor's sessions, newest first.
func (s *GormStore) ListSessionsByContractor(ctx context.Context, contractorID int64, limit int) ([]*domain.ConciergeSession, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("contractor_id = ?", contractorID).
		Order("started_at DESC").Order("session_id DESC").
		Limit(listLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list contractor sessions: %w", err)
	}
	out := make([]*domain.ConciergeSession, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// DeleteConciergeSession removes a session row.
func (s *GormStore) DeleteConciergeSession(ctx context.Context, sessionID string) error {
	err := shared.RetryOnConflict(ctx, "delete_concierge_session", 3, 100*time.Millisecond, func() error {
		return s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&sessionRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete concierge session: %w", err)
	}
	return nil
}

// UpsertEventRegistration creates or updates a contractor's registration.
func (s *GormStore) UpsertEventRegistration(ctx context.Context, reg *domain.EventRegistration) error {
	row := eventRegistrationRow{
		ContractorID: reg.ContractorID,
		EventID:      reg.EventID,
		EventName:    reg.EventName,
		EventDate:    storedEventDate(reg.EventDate),
		EventStatus:  reg.EventStatus,
		UpdatedAt:    reg.UpdatedAt,
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now()
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("upsert event registration: %w", err)
	}
	return nil
}

// ActiveEventRegistration returns the latest matching registration in the date window.
func (s *GormStore) ActiveEventRegistration(ctx context.Context, contractorID int64, statuses []string, from, to string) (*domain.EventRegistration, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var row eventRegistrationRow
	err := s.db.WithContext(ctx).
		Where("contractor_id = ?", contractorID).
		Where("event_status IN ?", statuses).
		Where("event_date >= ? AND event_date <= ?", from, to).
		Order("event_date DESC").Order("updated_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event registration: %w", err)
	}
	return row.toDomain(), nil
}
