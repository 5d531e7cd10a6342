package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/power100/concierge/internal/domain"
)

// runRepositoryContract exercises the behaviour every Repository backend shares.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("GetMissingReturnsNil", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.GetConciergeSession(context.Background(), "missing")
		if err != nil {
			t.Fatalf("GetConciergeSession: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil session, got %+v", got)
		}
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		if err := repo.CreateConciergeSession(ctx, &domain.ConciergeSession{
			SessionID:    "s-1",
			ContractorID: 42,
			StartedAt:    started,
		}); err != nil {
			t.Fatalf("CreateConciergeSession: %v", err)
		}

		got, err := repo.GetConciergeSession(ctx, "s-1")
		if err != nil {
			t.Fatalf("GetConciergeSession: %v", err)
		}
		if got == nil {
			t.Fatal("expected session, got nil")
		}
		if got.ContractorID != 42 {
			t.Errorf("ContractorID = %d, want 42", got.ContractorID)
		}
		if got.SessionType != string(domain.AgentStandard) {
			t.Errorf("SessionType = %q, want standard", got.SessionType)
		}
		if got.SessionStatus != domain.SessionStatusActive {
			t.Errorf("SessionStatus = %q, want active", got.SessionStatus)
		}
		if got.HasSessionData() {
			t.Errorf("expected no session data, got %q", *got.SessionData)
		}
		if !got.StartedAt.Equal(started) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		session := &domain.ConciergeSession{SessionID: "dup", ContractorID: 1}
		if err := repo.CreateConciergeSession(ctx, session); err != nil {
			t.Fatalf("first create: %v", err)
		}
		err := repo.CreateConciergeSession(ctx, session)
		if !errors.Is(err, ErrDuplicateSession) {
			t.Fatalf("expected ErrDuplicateSession, got %v", err)
		}
	})

	t.Run("SaveBumpsVersion", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		mustCreate(t, repo, "s-save", 7)

		v1, err := repo.SaveSessionState(ctx, domain.SessionStateUpdate{
			SessionID:       "s-save",
			SessionType:     string(domain.AgentEvent),
			SessionData:     `{"state":"event_agent"}`,
			ExpectedVersion: domain.AnyVersion,
		})
		if err != nil {
			t.Fatalf("SaveSessionState: %v", err)
		}
		if v1 != 1 {
			t.Fatalf("version = %d, want 1", v1)
		}

		v2, err := repo.SaveSessionState(ctx, domain.SessionStateUpdate{
			SessionID:       "s-save",
			SessionType:     string(domain.AgentStandard),
			SessionData:     `{"state":"standard_agent"}`,
			ExpectedVersion: domain.AnyVersion,
		})
		if err != nil {
			t.Fatalf("second SaveSessionState: %v", err)
		}
		if v2 != 2 {
			t.Fatalf("version = %d, want 2", v2)
		}

		got, err := repo.GetConciergeSession(ctx, "s-save")
		if err != nil {
			t.Fatalf("GetConciergeSession: %v", err)
		}
		if got.SessionData == nil || *got.SessionData != `{"state":"standard_agent"}` {
			t.Fatalf("unexpected session data: %v", got.SessionData)
		}
		if got.SessionType != string(domain.AgentStandard) || got.Version != 2 {
			t.Fatalf("unexpected row: type=%q version=%d", got.SessionType, got.Version)
		}
	})

	t.Run("SaveCompareAndSwap", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		mustCreate(t, repo, "s-cas", 7)

		v, err := repo.SaveSessionState(ctx, domain.SessionStateUpdate{
			SessionID: "s-cas", SessionType: "standard", SessionData: "{}", ExpectedVersion: 0,
		})
		if err != nil || v != 1 {
			t.Fatalf("CAS at version 0: v=%d err=%v", v, err)
		}

		_, err = repo.SaveSessionState(ctx, domain.SessionStateUpdate{
			SessionID: "s-cas", SessionType: "event", SessionData: `{"lost":true}`, ExpectedVersion: 0,
		})
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}

		got, err := repo.GetConciergeSession(ctx, "s-cas")
		if err != nil {
			t.Fatalf("GetConciergeSession: %v", err)
		}
		if *got.SessionData != "{}" || got.Version != 1 {
			t.Fatalf("losing write must not land: data=%q version=%d", *got.SessionData, got.Version)
		}
	})

	t.Run("SaveMissingSession", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.SaveSessionState(context.Background(), domain.SessionStateUpdate{
			SessionID: "ghost", SessionType: "standard", SessionData: "{}", ExpectedVersion: domain.AnyVersion,
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		mustCreate(t, repo, "s-status", 3)

		if err := repo.UpdateSessionStatus(ctx, "s-status", domain.SessionStatusEnded); err != nil {
			t.Fatalf("UpdateSessionStatus: %v", err)
		}
		got, _ := repo.GetConciergeSession(ctx, "s-status")
		if !got.IsEnded() {
			t.Fatalf("expected ended session, got status %q", got.SessionStatus)
		}
		if err := repo.UpdateSessionStatus(ctx, "ghost", domain.SessionStatusEnded); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListByContractor", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b", "c"} {
			if err := repo.CreateConciergeSession(ctx, &domain.ConciergeSession{
				SessionID:    id,
				ContractorID: 5,
				StartedAt:    base.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		mustCreate(t, repo, "other", 6)

		sessions, err := repo.ListSessionsByContractor(ctx, 5, 2)
		if err != nil {
			t.Fatalf("ListSessionsByContractor: %v", err)
		}
		if len(sessions) != 2 {
			t.Fatalf("expected 2 sessions, got %d", len(sessions))
		}
		if sessions[0].SessionID != "c" || sessions[1].SessionID != "b" {
			t.Fatalf("unexpected order: %s, %s", sessions[0].SessionID, sessions[1].SessionID)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		mustCreate(t, repo, "s-del", 1)
		if err := repo.DeleteConciergeSession(ctx, "s-del"); err != nil {
			t.Fatalf("DeleteConciergeSession: %v", err)
		}
		got, err := repo.GetConciergeSession(ctx, "s-del")
		if err != nil || got != nil {
			t.Fatalf("expected deleted session, got %+v err=%v", got, err)
		}
	})

	t.Run("ActiveEventRegistration", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		regs := []domain.EventRegistration{
			{ContractorID: 9, EventID: 1, EventName: "Past", EventDate: "2026-02-20", EventStatus: domain.EventStatusRegistered},
			{ContractorID: 9, EventID: 2, EventName: "Today", EventDate: "2026-03-01", EventStatus: domain.EventStatusCheckedIn},
			{ContractorID: 9, EventID: 3, EventName: "Tomorrow", EventDate: "2026-03-02", EventStatus: "cancelled"},
			{ContractorID: 10, EventID: 4, EventName: "Someone else", EventDate: "2026-03-01", EventStatus: domain.EventStatusRegistered},
		}
		for i := range regs {
			if err := repo.UpsertEventRegistration(ctx, &regs[i]); err != nil {
				t.Fatalf("UpsertEventRegistration: %v", err)
			}
		}

		statuses := []string{domain.EventStatusRegistered, domain.EventStatusCheckedIn, domain.EventStatusAttending}
		got, err := repo.ActiveEventRegistration(ctx, 9, statuses, "2026-02-28", "2026-03-02")
		if err != nil {
			t.Fatalf("ActiveEventRegistration: %v", err)
		}
		if got == nil || got.EventID != 2 {
			t.Fatalf("expected event 2, got %+v", got)
		}

		// Upsert moves the cancelled event into the active set.
		regs[2].EventStatus = domain.EventStatusRegistered
		if err := repo.UpsertEventRegistration(ctx, &regs[2]); err != nil {
			t.Fatalf("UpsertEventRegistration: %v", err)
		}
		got, err = repo.ActiveEventRegistration(ctx, 9, statuses, "2026-02-28", "2026-03-02")
		if err != nil {
			t.Fatalf("ActiveEventRegistration: %v", err)
		}
		if got == nil || got.EventID != 3 {
			t.Fatalf("expected latest event 3, got %+v", got)
		}

		got, err = repo.ActiveEventRegistration(ctx, 9, statuses, "2026-04-01", "2026-04-03")
		if err != nil || got != nil {
			t.Fatalf("expected no registration outside window, got %+v err=%v", got, err)
		}
		got, err = repo.ActiveEventRegistration(ctx, 9, nil, "2026-02-28", "2026-03-02")
		if err != nil || got != nil {
			t.Fatalf("expected nil for empty status set, got %+v err=%v", got, err)
		}
	})

	t.Run("TimestampEventDateStoredAsDay", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		reg := domain.EventRegistration{
			ContractorID: 9, EventID: 7, EventName: "Morning Keynote",
			EventDate: "2026-10-18T09:00:00Z", EventStatus: domain.EventStatusRegistered,
		}
		if err := repo.UpsertEventRegistration(ctx, &reg); err != nil {
			t.Fatalf("UpsertEventRegistration: %v", err)
		}

		statuses := []string{domain.EventStatusRegistered}
		got, err := repo.ActiveEventRegistration(ctx, 9, statuses, "2026-10-16", "2026-10-18")
		if err != nil {
			t.Fatalf("ActiveEventRegistration: %v", err)
		}
		if got == nil || got.EventID != 7 {
			t.Fatalf("expected event 7 on the window's last day, got %+v", got)
		}
		if got.EventDate != "2026-10-18" {
			t.Fatalf("EventDate = %q, want 2026-10-18", got.EventDate)
		}
	})
}

func mustCreate(t *testing.T, repo Repository, sessionID string, contractorID int64) {
	t.Helper()
	if err := repo.CreateConciergeSession(context.Background(), &domain.ConciergeSession{
		SessionID:    sessionID,
		ContractorID: contractorID,
	}); err != nil {
		t.Fatalf("create %s: %v", sessionID, err)
	}
}
