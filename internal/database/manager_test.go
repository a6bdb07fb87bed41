package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"joybridge/internal/config"
	"joybridge/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.DatabaseConfig{
		Path:    filepath.Join(t.TempDir(), "archive.db"),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func completedSession(id string) (*types.Session, *types.SessionSummary) {
	start := time.Now().Add(-20 * time.Minute)
	end := time.Now()
	session := &types.Session{
		ID:                id,
		StudentID:         "student-1",
		ClassID:           "class-1",
		TeacherID:         "teacher-1",
		Subject:           "fractions",
		LearningObjective: "compare fractions",
		Status:            types.SessionCompleted,
		StartTime:         start,
		EndTime:           &end,
		EndReason:         types.EndReasonCompleted,
		CurrentJoyLevel:   0.8,
		CelebrationCount:  2,
		JoyMoments: []types.JoyMoment{
			{ID: "m1", Type: "breakthrough", JoyImpact: 0.2, TriggeredBy: "tracker", Timestamp: start.Add(time.Minute)},
			{ID: "m2", Type: "celebration", JoyImpact: 0.1, Timestamp: start.Add(2 * time.Minute)},
		},
		AdaptationsApplied: 1,
		InteractionCount:   42,
	}
	summary := &types.SessionSummary{
		SessionID:       id,
		TotalJoyMoments: 2,
		FinalJoyLevel:   0.8,
		DurationSeconds: end.Sub(start).Seconds(),
		EndReason:       types.EndReasonCompleted,
		Recommendations: []string{"build_on_momentum_next_session"},
	}
	return session, summary
}

func TestArchiveAndGetSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	session, summary := completedSession("s1")
	if err := m.ArchiveSession(ctx, session, summary); err != nil {
		t.Fatalf("ArchiveSession failed: %v", err)
	}

	got, err := m.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.StudentID != "student-1" || got.Status != types.SessionCompleted {
		t.Errorf("Unexpected session: %+v", got)
	}
	if got.CurrentJoyLevel != 0.8 {
		t.Errorf("Expected final joy 0.8, got %f", got.CurrentJoyLevel)
	}
	if len(got.JoyMoments) != 2 {
		t.Fatalf("Expected 2 joy moments, got %d", len(got.JoyMoments))
	}
	if got.JoyMoments[0].Type != "breakthrough" {
		t.Errorf("Expected chronological moment order, got %s first", got.JoyMoments[0].Type)
	}
	if got.EndTime == nil || got.EndReason != types.EndReasonCompleted {
		t.Errorf("Expected terminal fields persisted: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetSession(context.Background(), "nope")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestArchiveSessionIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	session, summary := completedSession("s1")
	if err := m.ArchiveSession(ctx, session, summary); err != nil {
		t.Fatalf("First archive failed: %v", err)
	}
	if err := m.ArchiveSession(ctx, session, summary); err != nil {
		t.Fatalf("Re-archive failed: %v", err)
	}

	got, _ := m.GetSession(ctx, "s1")
	if len(got.JoyMoments) != 2 {
		t.Errorf("Expected no duplicated moments, got %d", len(got.JoyMoments))
	}
}

func TestArchiveAdaptationEvents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	resolved := time.Now()
	events := []*types.AdaptationEvent{
		{
			ID: "e1", SessionID: "s1", TriggerType: types.TriggerEngagementDrop,
			Confidence: 0.67, RequestedAction: "increase_interactivity",
			Status: types.AdaptationSucceeded, CreatedAt: resolved.Add(-time.Minute), ResolvedAt: &resolved,
		},
		{
			ID: "e2", SessionID: "s1", TriggerType: types.TriggerConfusion,
			Confidence: 0.9, Status: types.AdaptationFailed, Detail: "generation failed",
			CreatedAt: resolved.Add(-30 * time.Second), ResolvedAt: &resolved,
		},
		{
			ID: "e3", SessionID: "other", TriggerType: types.TriggerManual,
			Confidence: 1.0, Status: types.AdaptationSucceeded, CreatedAt: resolved,
		},
	}
	for _, event := range events {
		if err := m.ArchiveAdaptationEvent(ctx, event); err != nil {
			t.Fatalf("ArchiveAdaptationEvent failed: %v", err)
		}
	}

	got, err := m.GetAdaptationEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("GetAdaptationEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events for s1, got %d", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e2" {
		t.Errorf("Expected chronological order, got %s then %s", got[0].ID, got[1].ID)
	}
	if got[1].Detail != "generation failed" {
		t.Errorf("Expected failure detail persisted, got %q", got[1].Detail)
	}
}

func TestHealthCheck(t *testing.T) {
	m := newTestManager(t)

	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			session, summary := completedSession("s" + string(rune('0'+n)))
			session.JoyMoments[0].ID = session.ID + "-m1"
			session.JoyMoments[1].ID = session.ID + "-m2"
			done <- m.ArchiveSession(ctx, session, summary)
		}(i)
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Concurrent archive failed: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		if _, err := m.GetSession(ctx, "s"+string(rune('0'+i))); err != nil {
			t.Errorf("Session s%d missing: %v", i, err)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	m := newTestManager(t)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}
