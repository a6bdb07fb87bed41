package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"joybridge/internal/config"
	"joybridge/internal/metrics"
	"joybridge/pkg/interfaces"
	"joybridge/pkg/types"
)

// Joy levels at which a milestone is recorded. Milestones are a set: each
// fires once per session.
var joyMilestones = []struct {
	level float64
	name  string
}{
	{0.5, "halfway_to_joy"},
	{0.75, "joy_momentum"},
	{0.95, "peak_joy"},
}

// engagementSample is one point of the rolling engagement window.
type engagementSample struct {
	value float64
	at    time.Time
}

// state wraps a session with the manager-private rolling window. The window
// never leaves the manager; snapshots carry only derived values.
type state struct {
	session types.Session
	samples []engagementSample
}

// Manager owns the full lifecycle of sessions and joy moments. All mutation
// goes through its methods under one mutex, which serializes concurrent
// telemetry against the same session; callers only ever receive copies.
type Manager struct {
	mu     sync.RWMutex
	active map[string]*state

	cfg       config.SessionConfig
	readiness interfaces.ReadinessChecker
	content   interfaces.ContentClient
	history   interfaces.HistoryStore
	metrics   *metrics.Metrics

	// broadcast publishes celebrations and lifecycle events to classroom
	// dashboards. Assigned once during wiring.
	broadcast interfaces.Broadcaster
}

// NewManager creates a session manager.
func NewManager(cfg config.SessionConfig, readiness interfaces.ReadinessChecker, content interfaces.ContentClient, history interfaces.HistoryStore, m *metrics.Metrics) *Manager {
	return &Manager{
		active:    make(map[string]*state),
		cfg:       cfg,
		readiness: readiness,
		content:   content,
		history:   history,
		metrics:   m,
	}
}

// SetBroadcaster wires the outbound event sink. Must be called before the
// first session is created.
func (m *Manager) SetBroadcaster(b interfaces.Broadcaster) {
	m.broadcast = b
}

// CreateSessionResult bundles everything a session_start_request gets back.
type CreateSessionResult struct {
	Session           *types.SessionSnapshot `json:"session"`
	InitialExperience *types.Experience      `json:"initial_experience"`
	Welcome           map[string]any         `json:"welcome"`
}

// CreateSession validates the request, gates on system readiness, and
// requests the mandatory initial experience from the content collaborator.
// The content call happens outside the lock: it is the one external
// dependency of session creation and must not block other sessions.
func (m *Manager) CreateSession(ctx context.Context, req *types.CreateSessionRequest) (*CreateSessionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !m.readiness.IsSystemReady() {
		return nil, &types.ServiceUnavailableError{
			Missing:    m.readiness.MissingComponents(),
			RetryAfter: 30 * time.Second,
		}
	}

	timeLimit := m.cfg.DefaultTimeLimit
	if req.TimeLimitSeconds > 0 {
		timeLimit = time.Duration(req.TimeLimitSeconds) * time.Second
	}

	now := time.Now()
	session := types.Session{
		ID:                uuid.New().String(),
		StudentID:         req.StudentID,
		ClassID:           req.ClassID,
		TeacherID:         req.TeacherID,
		Subject:           req.Subject,
		LearningObjective: req.LearningObjective,
		Status:            types.SessionActive,
		StartTime:         now,
		TimeLimit:         timeLimit,
		EstimatedEndTime:  now.Add(timeLimit),
		CurrentJoyLevel:   0.5,
		EngagementTrend:   types.TrendStable,
	}

	// The first experience is mandatory: if the content collaborator cannot
	// produce it, session creation fails rather than starting an empty
	// session.
	experience, err := m.content.InitialExperience(ctx, &types.ExperienceRequest{
		SessionID:         session.ID,
		StudentID:         session.StudentID,
		Subject:           session.Subject,
		LearningObjective: session.LearningObjective,
	})
	if err != nil {
		return nil, &types.AdaptationError{SessionID: session.ID, Cause: err}
	}

	st := &state{session: session}
	m.mu.Lock()
	m.active[session.ID] = st
	snapshot := m.snapshotLocked(st, now)
	m.mu.Unlock()

	m.metrics.SessionsCreated.Inc()
	log.Printf("Session created: id=%s student=%s class=%s objective=%q", session.ID, session.StudentID, session.ClassID, session.LearningObjective)

	return &CreateSessionResult{
		Session:           snapshot,
		InitialExperience: experience,
		Welcome: map[string]any{
			"message":   fmt.Sprintf("Welcome back, %s! Let's make learning joyful.", session.StudentID),
			"objective": session.LearningObjective,
		},
	}, nil
}

// LiveInsights is the derived guidance attached to session detail reads.
type LiveInsights struct {
	EngagementTrend    string   `json:"engagement_trend"`
	RecommendedActions []string `json:"recommended_actions"`
}

// SessionDetails combines the raw session projection with derived metrics
// and optional inclusions.
type SessionDetails struct {
	*types.SessionSnapshot
	JoyMoments []types.JoyMoment `json:"joy_moments,omitempty"`
	Insights   *LiveInsights     `json:"insights,omitempty"`
}

// GetSessionDetails returns the projection for one active session.
func (m *Manager) GetSessionDetails(sessionID string, includeMoments, includeInsights bool) (*SessionDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, exists := m.active[sessionID]
	if !exists {
		return nil, types.NewNotFoundError("session", sessionID)
	}

	details := &SessionDetails{SessionSnapshot: m.snapshotLocked(st, time.Now())}
	if includeMoments {
		details.JoyMoments = append([]types.JoyMoment(nil), st.session.JoyMoments...)
	}
	if includeInsights {
		details.Insights = &LiveInsights{
			EngagementTrend:    st.session.EngagementTrend,
			RecommendedActions: recommendedActions(st),
		}
	}
	return details, nil
}

// UpdateSession applies a typed patch. Only status and currentJoyLevel are
// mutable through this path; the patch type itself is the allow-list.
func (m *Manager) UpdateSession(sessionID string, patch *types.SessionPatch) (*types.SessionSnapshot, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.active[sessionID]
	if !exists {
		return nil, types.NewNotFoundError("session", sessionID)
	}
	if st.session.Status == types.SessionCompleted {
		return nil, ErrSessionCompleted
	}

	if patch.Status != nil {
		st.session.Status = *patch.Status
	}
	if patch.CurrentJoyLevel != nil {
		st.session.CurrentJoyLevel = types.Clamp01(*patch.CurrentJoyLevel)
	}
	return m.snapshotLocked(st, time.Now()), nil
}

// EndSession transitions a session to its terminal state, computes the
// summary, and moves the record from the active set to the historical store.
// Ending an already-ended session returns ErrSessionAlreadyEnded.
func (m *Manager) EndSession(ctx context.Context, sessionID, reason string) (*types.SessionSummary, error) {
	if !types.IsValidEndReason(reason) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEndReason, reason)
	}

	m.mu.Lock()
	st, exists := m.active[sessionID]
	if !exists {
		m.mu.Unlock()
		// Distinguish unknown sessions from ones already archived.
		if _, err := m.history.GetSession(ctx, sessionID); err == nil {
			return nil, ErrSessionAlreadyEnded
		}
		return nil, types.NewNotFoundError("session", sessionID)
	}

	now := time.Now()
	st.session.Status = types.SessionCompleted
	st.session.EndTime = &now
	st.session.EndReason = reason
	session := st.session
	delete(m.active, sessionID)
	m.mu.Unlock()

	summary := &types.SessionSummary{
		SessionID:        session.ID,
		TotalJoyMoments:  len(session.JoyMoments),
		CelebrationCount: session.CelebrationCount,
		FinalJoyLevel:    session.CurrentJoyLevel,
		Adaptations:      session.AdaptationsApplied,
		DurationSeconds:  now.Sub(session.StartTime).Seconds(),
		EndReason:        reason,
		Recommendations:  finalRecommendations(&session),
	}

	if err := m.history.ArchiveSession(ctx, &session, summary); err != nil {
		// The session is already terminal in memory; archive failure is
		// reported but does not resurrect it.
		log.Printf("Failed to archive session %s: %v", sessionID, err)
	}

	m.metrics.SessionsEnded.WithLabelValues(reason).Inc()
	log.Printf("Session ended: id=%s reason=%s joy=%.2f moments=%d", sessionID, reason, session.CurrentJoyLevel, len(session.JoyMoments))
	return summary, nil
}

// RecordJoyMoment appends a moment and applies its signed impact to the
// session's joy level, clamped to [0,1]. Moments are immutable once stored.
func (m *Manager) RecordJoyMoment(sessionID string, moment types.JoyMoment) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.active[sessionID]
	if !exists {
		return 0, types.NewNotFoundError("session", sessionID)
	}
	if st.session.Status == types.SessionCompleted {
		return 0, ErrSessionCompleted
	}

	if moment.ID == "" {
		moment.ID = uuid.New().String()
	}
	if moment.Timestamp.IsZero() {
		moment.Timestamp = time.Now()
	}
	st.session.JoyMoments = append(st.session.JoyMoments, moment)
	st.session.CurrentJoyLevel = types.Clamp01(st.session.CurrentJoyLevel + moment.JoyImpact)
	m.recordMilestonesLocked(st)

	m.metrics.JoyMoments.Inc()
	return st.session.CurrentJoyLevel, nil
}

// TriggerCelebration broadcasts a celebration to the session's classroom
// subscribers. The only session mutation is the celebration counter.
func (m *Manager) TriggerCelebration(sessionID string, payload json.RawMessage) error {
	m.mu.Lock()
	st, exists := m.active[sessionID]
	if !exists {
		m.mu.Unlock()
		return types.NewNotFoundError("session", sessionID)
	}
	st.session.CelebrationCount++
	classID := st.session.ClassID
	m.mu.Unlock()

	m.metrics.Celebrations.Inc()
	if m.broadcast != nil {
		m.broadcast.BroadcastToClassroom(classID, &types.EventEnvelope{
			Type:      types.EventCelebration,
			SessionID: sessionID,
			ClassID:   classID,
			Payload:   payload,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// RecordEngagementSample adds a point to the rolling engagement window and
// recomputes the trend. Values are clamped to [0,1] before entering the
// window.
func (m *Manager) RecordEngagementSample(sessionID string, value float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.active[sessionID]
	if !exists {
		return types.NewNotFoundError("session", sessionID)
	}
	if st.session.Status == types.SessionCompleted {
		return ErrSessionCompleted
	}

	if at.IsZero() {
		at = time.Now()
	}
	st.samples = append(st.samples, engagementSample{value: types.Clamp01(value), at: at})
	st.pruneWindow(at, m.cfg.EngagementWindow)
	st.session.EngagementTrend = st.trend()
	return nil
}

// RecordInteraction counts one student interaction against the session.
func (m *Manager) RecordInteraction(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.active[sessionID]
	if !exists {
		return types.NewNotFoundError("session", sessionID)
	}
	st.session.InteractionCount++
	return nil
}

// ApplyAdaptation records a successfully applied adaptation. Results that
// arrive after the session completed are rejected so terminal state is never
// reopened; the adaptation engine treats that rejection as a discard, not an
// error to surface.
func (m *Manager) ApplyAdaptation(sessionID, eventID string) error {
	m.mu.Lock()
	st, exists := m.active[sessionID]
	if !exists {
		m.mu.Unlock()
		return types.NewNotFoundError("session", sessionID)
	}
	st.session.AdaptationsApplied++
	classID := st.session.ClassID
	m.mu.Unlock()

	if m.broadcast != nil {
		payload, _ := json.Marshal(map[string]string{"event_id": eventID})
		m.broadcast.BroadcastToClassroom(classID, &types.EventEnvelope{
			Type:      types.EventAdaptationApplied,
			SessionID: sessionID,
			ClassID:   classID,
			Payload:   payload,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// Snapshot returns a point-in-time copy of one active session.
func (m *Manager) Snapshot(sessionID string) (*types.SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, exists := m.active[sessionID]
	if !exists {
		return nil, types.NewNotFoundError("session", sessionID)
	}
	return m.snapshotLocked(st, time.Now()), nil
}

// Snapshots returns copies of all active sessions matching the filter.
func (m *Manager) Snapshots(filter types.SessionFilter) []*types.SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	out := make([]*types.SessionSnapshot, 0, len(m.active))
	for _, st := range m.active {
		if filter.StudentID != "" && st.session.StudentID != filter.StudentID {
			continue
		}
		if filter.ClassID != "" && st.session.ClassID != filter.ClassID {
			continue
		}
		if filter.Status != "" && st.session.Status != filter.Status {
			continue
		}
		out = append(out, m.snapshotLocked(st, now))
	}
	return out
}

// CalculateAverageJoyLevel averages joy across the active set. Zero when no
// sessions are active.
func (m *Manager) CalculateAverageJoyLevel() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.active) == 0 {
		return 0
	}
	var total float64
	for _, st := range m.active {
		total += st.session.CurrentJoyLevel
	}
	return total / float64(len(m.active))
}

// ActiveCount reports the size of the active set.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// DrainActiveSessions ends every active session with the system_shutdown
// reason. Part of the graceful shutdown sequence.
func (m *Manager) DrainActiveSessions(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.EndSession(ctx, id, types.EndReasonShutdown); err != nil {
			log.Printf("Failed to drain session %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("Drained %d active sessions", len(ids))
	}
}

// snapshotLocked builds the read-only projection. Caller holds at least the
// read lock.
func (m *Manager) snapshotLocked(st *state, now time.Time) *types.SessionSnapshot {
	elapsed := now.Sub(st.session.StartTime)
	progress := 0.0
	if st.session.TimeLimit > 0 {
		progress = types.Clamp01(float64(elapsed) / float64(st.session.TimeLimit))
	}
	remaining := st.session.TimeLimit - elapsed
	if remaining < 0 {
		remaining = 0
	}

	snapshot := &types.SessionSnapshot{
		Session:            st.session,
		Elapsed:            elapsed,
		ProgressPercentage: progress,
		TimeRemaining:      remaining,
		EngagementSamples:  len(st.samples),
	}
	// Deep-copy the slices so snapshot holders never alias live state.
	snapshot.JoyMoments = append([]types.JoyMoment(nil), st.session.JoyMoments...)
	snapshot.MilestonesReached = append([]string(nil), st.session.MilestonesReached...)
	if len(st.samples) > 0 {
		snapshot.CurrentEngagement = st.samples[len(st.samples)-1].value
	}
	return snapshot
}

func (m *Manager) recordMilestonesLocked(st *state) {
	reached := make(map[string]bool, len(st.session.MilestonesReached))
	for _, name := range st.session.MilestonesReached {
		reached[name] = true
	}
	for _, milestone := range joyMilestones {
		if st.session.CurrentJoyLevel >= milestone.level && !reached[milestone.name] {
			st.session.MilestonesReached = append(st.session.MilestonesReached, milestone.name)
		}
	}
}

// pruneWindow drops samples older than the rolling window.
func (s *state) pruneWindow(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := s.samples[:0]
	for _, sample := range s.samples {
		if sample.at.After(cutoff) {
			kept = append(kept, sample)
		}
	}
	s.samples = kept
}

// trend compares the older half of the window with the newer half. A 0.05
// dead band keeps noisy-but-flat signals labeled stable.
func (s *state) trend() string {
	if len(s.samples) < 4 {
		return types.TrendStable
	}
	mid := len(s.samples) / 2
	older := average(s.samples[:mid])
	newer := average(s.samples[mid:])
	switch {
	case newer-older > 0.05:
		return types.TrendRising
	case older-newer > 0.05:
		return types.TrendFalling
	default:
		return types.TrendStable
	}
}

func average(samples []engagementSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range samples {
		total += s.value
	}
	return total / float64(len(samples))
}

func recommendedActions(st *state) []string {
	engagement := 0.0
	if len(st.samples) > 0 {
		engagement = st.samples[len(st.samples)-1].value
	}
	switch {
	case st.session.EngagementTrend == types.TrendFalling && engagement < 0.3:
		return []string{"check_in_with_student", "switch_activity"}
	case st.session.EngagementTrend == types.TrendRising && engagement > 0.8:
		return []string{"advance_difficulty", "offer_challenge"}
	case st.session.CurrentJoyLevel < 0.3:
		return []string{"celebrate_small_wins"}
	default:
		return []string{"continue_current_path"}
	}
}

func finalRecommendations(session *types.Session) []string {
	var recs []string
	if session.CurrentJoyLevel >= 0.7 {
		recs = append(recs, "build_on_momentum_next_session")
	} else if session.CurrentJoyLevel < 0.4 {
		recs = append(recs, "revisit_objective_with_different_approach")
	}
	if session.AdaptationsApplied >= 3 {
		recs = append(recs, "review_difficulty_calibration")
	}
	if len(recs) == 0 {
		recs = append(recs, "continue_steady_progress")
	}
	return recs
}
