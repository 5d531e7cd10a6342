package store

import (
	"time"

	"github.com/power100/concierge/internal/domain"
)

type sessionRow struct {
	SessionID     string    `gorm:"primaryKey;size:191"`
	ContractorID  int64     `gorm:"not null;index:idx_concierge_sessions_contractor,priority:1"`
	SessionType   string    `gorm:"size:64;not null;default:standard"`
	SessionStatus string    `gorm:"size:64;not null;default:active"`
	SessionData   *string   `gorm:"type:text"`
	Version       int64     `gorm:"not null;default:0"`
	StartedAt     time.Time `gorm:"not null;index:idx_concierge_sessions_contractor,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "ai_concierge_sessions"
}

func (r sessionRow) toDomain() *domain.ConciergeSession {
	return &domain.ConciergeSession{
		SessionID:     r.SessionID,
		ContractorID:  r.ContractorID,
		SessionType:   r.SessionType,
		SessionStatus: r.SessionStatus,
		SessionData:   r.SessionData,
		Version:       r.Version,
		StartedAt:     r.StartedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func sessionRowFromDomain(s *domain.ConciergeSession) sessionRow {
	return sessionRow{
		SessionID:     s.SessionID,
		ContractorID:  s.ContractorID,
		SessionType:   defaultString(s.SessionType, string(domain.AgentStandard)),
		SessionStatus: defaultString(s.SessionStatus, domain.SessionStatusActive),
		SessionData:   s.SessionData,
		Version:       s.Version,
		StartedAt:     s.StartedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

type eventRegistrationRow struct {
	ContractorID int64     `gorm:"primaryKey;autoIncrement:false;index:idx_event_registrations_date,priority:1"`
	EventID      int64     `gorm:"primaryKey;autoIncrement:false"`
	EventName    string    `gorm:"size:255;not null;default:''"`
	EventDate    string    `gorm:"size:10;not null;index:idx_event_registrations_date,priority:2"`
	EventStatus  string    `gorm:"size:64;not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (eventRegistrationRow) TableName() string {
	return "contractor_event_registrations"
}

func (r eventRegistrationRow) toDomain() *domain.EventRegistration {
	return &domain.EventRegistration{
		ContractorID: r.ContractorID,
		EventID:      r.EventID,
		EventName:    r.EventName,
		EventDate:    r.EventDate,
		EventStatus:  r.EventStatus,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}
