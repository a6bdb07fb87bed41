package adaptation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"joybridge/internal/config"
	"joybridge/internal/metrics"
	"joybridge/pkg/types"
)

// mockContent simulates the content-generation collaborator with controllable
// latency and failure.
type mockContent struct {
	mu         sync.Mutex
	adaptErr   error
	pingErr    error
	adaptDelay time.Duration
	adaptCalls int
	lastReq    *types.AdaptationRequest
}

func (m *mockContent) InitialExperience(ctx context.Context, req *types.ExperienceRequest) (*types.Experience, error) {
	return &types.Experience{ID: "exp-initial"}, nil
}

func (m *mockContent) Adapt(ctx context.Context, req *types.AdaptationRequest) (*types.Experience, error) {
	m.mu.Lock()
	m.adaptCalls++
	m.lastReq = req
	delay := m.adaptDelay
	err := m.adaptErr
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &types.Experience{ID: "exp-adapted", SessionID: req.SessionID}, nil
}

func (m *mockContent) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockContent) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adaptCalls
}

func (m *mockContent) request() *types.AdaptationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

// mockSessions serves snapshots and records applied adaptations.
type mockSessions struct {
	mu      sync.Mutex
	ended   map[string]bool
	applied []string
}

func newMockSessions() *mockSessions {
	return &mockSessions{ended: make(map[string]bool)}
}

func (m *mockSessions) Snapshot(sessionID string) (*types.SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended[sessionID] {
		return nil, types.NewNotFoundError("session", sessionID)
	}
	snapshot := &types.SessionSnapshot{}
	snapshot.ID = sessionID
	snapshot.ClassID = "class-1"
	snapshot.CurrentJoyLevel = 0.6
	return snapshot, nil
}

func (m *mockSessions) Snapshots(filter types.SessionFilter) []*types.SessionSnapshot {
	return nil
}

func (m *mockSessions) ApplyAdaptation(sessionID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended[sessionID] {
		return types.NewNotFoundError("session", sessionID)
	}
	m.applied = append(m.applied, eventID)
	return nil
}

func (m *mockSessions) appliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func (m *mockSessions) end(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[sessionID] = true
}

// mockHistory records archived adaptation events.
type mockHistory struct {
	mu     sync.Mutex
	events []*types.AdaptationEvent
}

func (m *mockHistory) ArchiveSession(ctx context.Context, session *types.Session, summary *types.SessionSummary) error {
	return nil
}

func (m *mockHistory) ArchiveAdaptationEvent(ctx context.Context, event *types.AdaptationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.events = append(m.events, &copied)
	return nil
}

func (m *mockHistory) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return nil, types.NewNotFoundError("session", sessionID)
}

func (m *mockHistory) GetAdaptationEvents(ctx context.Context, sessionID string) ([]*types.AdaptationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AdaptationEvent
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockHistory) HealthCheck(ctx context.Context) error { return nil }
func (m *mockHistory) Close() error                          { return nil }

func (m *mockHistory) archivedStatuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Status
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *mockContent, *mockSessions, *mockHistory) {
	t.Helper()
	content := &mockContent{}
	sessions := newMockSessions()
	history := &mockHistory{}
	e := NewEngine(config.Default().Adaptation, sessions, sessions, content, history, metrics.New())
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return e, content, sessions, history
}

// waitFor polls until the condition holds or the deadline passes. Dispatch
// runs on its own goroutine, so tests observe results asynchronously.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func engagementSignal(sessionID string, value float64) *types.Signal {
	return &types.Signal{SessionID: sessionID, Kind: types.SignalEngagement, Value: value, Timestamp: time.Now()}
}

func TestEngineRequiresInitialization(t *testing.T) {
	e := NewEngine(config.Default().Adaptation, newMockSessions(), newMockSessions(), &mockContent{}, &mockHistory{}, metrics.New())

	if e.Ready() {
		t.Error("Engine should not be ready before Initialize")
	}
	_, err := e.ProcessSignal(engagementSignal("s1", 0.1))
	if !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("Expected ErrEngineNotReady, got %v", err)
	}
}

func TestInitializeDegradedWhenContentUnreachable(t *testing.T) {
	content := &mockContent{pingErr: errors.New("connection refused")}
	e := NewEngine(config.Default().Adaptation, newMockSessions(), newMockSessions(), content, &mockHistory{}, metrics.New())

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize must not fail on unreachable collaborator: %v", err)
	}
	if e.Ready() {
		t.Error("Expected degraded capability with unreachable collaborator")
	}

	// Signals are still accepted; dispatch failures resolve per event.
	if _, err := e.ProcessSignal(engagementSignal("s1", 0.5)); err != nil {
		t.Errorf("Degraded engine should still accept signals: %v", err)
	}
}

func TestEngagementDropTrigger(t *testing.T) {
	e, content, sessions, _ := newTestEngine(t)

	// Above the threshold: no trigger.
	event, err := e.ProcessSignal(engagementSignal("s1", 0.5))
	if err != nil || event != nil {
		t.Fatalf("Expected no trigger at 0.5, got event=%v err=%v", event, err)
	}

	// Below the threshold: confidence scales with the depth of the drop.
	event, err = e.ProcessSignal(engagementSignal("s1", 0.15))
	if err != nil {
		t.Fatalf("ProcessSignal failed: %v", err)
	}
	if event == nil {
		t.Fatal("Expected engagement_drop trigger at 0.15")
	}
	if event.TriggerType != types.TriggerEngagementDrop {
		t.Errorf("Expected engagement_drop, got %s", event.TriggerType)
	}
	if event.Confidence < 0.49 || event.Confidence > 0.51 {
		t.Errorf("Expected confidence 0.5 for engagement 0.15, got %f", event.Confidence)
	}

	waitFor(t, time.Second, func() bool { return sessions.appliedCount() == 1 })
	if content.calls() != 1 {
		t.Errorf("Expected 1 adapt call, got %d", content.calls())
	}
	req := content.request()
	if req.Engagement != 0.15 {
		t.Errorf("Expected engagement 0.15 in request, got %f", req.Engagement)
	}

	// Deeper drop, higher confidence: (0.3-0.1)/0.3.
	event, err = e.ProcessSignal(engagementSignal("s2", 0.1))
	if err != nil || event == nil {
		t.Fatalf("Expected trigger at 0.1, got event=%v err=%v", event, err)
	}
	if event.Confidence < 0.66 || event.Confidence > 0.67 {
		t.Errorf("Expected confidence ~0.667 for engagement 0.1, got %f", event.Confidence)
	}
}

func TestConfusionWindowTrigger(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	now := time.Now()

	confusion := func(at time.Time) *types.Signal {
		return &types.Signal{SessionID: "s1", Kind: types.SignalConfusion, Value: 1, Timestamp: at}
	}

	// Two recent signals plus one outside the window: below threshold.
	if ev, _ := e.ProcessSignal(confusion(now.Add(-2 * time.Minute))); ev != nil {
		t.Fatal("Unexpected trigger on first confusion signal")
	}
	if ev, _ := e.ProcessSignal(confusion(now.Add(-10 * time.Second))); ev != nil {
		t.Fatal("Unexpected trigger on second confusion signal")
	}
	if ev, _ := e.ProcessSignal(confusion(now.Add(-5 * time.Second))); ev != nil {
		t.Fatal("Expected expired signal not to count toward threshold")
	}

	// Third signal inside the window crosses the threshold.
	event, err := e.ProcessSignal(confusion(now))
	if err != nil {
		t.Fatalf("ProcessSignal failed: %v", err)
	}
	if event == nil || event.TriggerType != types.TriggerConfusion {
		t.Fatalf("Expected confusion trigger, got %+v", event)
	}
	if event.RequestedAction != "simplify_content" {
		t.Errorf("Expected simplify_content action, got %s", event.RequestedAction)
	}
}

func TestMasteryTrigger(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	mastery := func() *types.Signal {
		return &types.Signal{SessionID: "s1", Kind: types.SignalMastery, Value: 1, Timestamp: time.Now()}
	}

	// Mastery signals alone do not fire without high engagement.
	e.ProcessSignal(mastery())
	if ev, _ := e.ProcessSignal(mastery()); ev != nil {
		t.Fatal("Mastery must not trigger without high engagement")
	}

	// High engagement with the accumulated mastery count fires.
	event, err := e.ProcessSignal(engagementSignal("s1", 0.9))
	if err != nil {
		t.Fatalf("ProcessSignal failed: %v", err)
	}
	if event == nil || event.TriggerType != types.TriggerMastery {
		t.Fatalf("Expected mastery trigger, got %+v", event)
	}
	if event.RequestedAction != "advance_difficulty" {
		t.Errorf("Expected advance_difficulty, got %s", event.RequestedAction)
	}
}

func TestSinglePendingEventPerSession(t *testing.T) {
	e, content, sessions, _ := newTestEngine(t)
	content.adaptDelay = 100 * time.Millisecond

	event, _ := e.ProcessSignal(engagementSignal("s1", 0.1))
	if event == nil {
		t.Fatal("Expected trigger")
	}

	// While the first event is in flight, further triggers are suppressed.
	suppressed, err := e.ProcessSignal(engagementSignal("s1", 0.05))
	if err != nil {
		t.Fatalf("ProcessSignal failed: %v", err)
	}
	if suppressed != nil {
		t.Error("Expected trigger suppression while event in flight")
	}
	if pending := e.PendingEvent("s1"); pending == nil || pending.ID != event.ID {
		t.Error("Expected first event still pending")
	}

	// A different session is unaffected.
	other, _ := e.ProcessSignal(engagementSignal("s2", 0.1))
	if other == nil {
		t.Error("In-flight event on s1 must not suppress s2")
	}

	waitFor(t, time.Second, func() bool { return e.PendingEvent("s1") == nil })
	if sessions.appliedCount() < 1 {
		t.Error("Expected first event applied after dispatch")
	}

	// With the slot free, triggers fire again.
	again, _ := e.ProcessSignal(engagementSignal("s1", 0.1))
	if again == nil {
		t.Error("Expected new trigger after previous event resolved")
	}
}

func TestDispatchFailureResolvesEvent(t *testing.T) {
	e, content, sessions, history := newTestEngine(t)
	content.adaptErr = errors.New("generation failed")

	event, _ := e.ProcessSignal(engagementSignal("s1", 0.1))
	if event == nil {
		t.Fatal("Expected trigger")
	}

	waitFor(t, time.Second, func() bool { return e.PendingEvent("s1") == nil })
	if sessions.appliedCount() != 0 {
		t.Error("Failed dispatch must not apply an adaptation")
	}

	statuses := history.archivedStatuses()
	if len(statuses) != 1 || statuses[0] != types.AdaptationFailed {
		t.Errorf("Expected one failed event archived, got %v", statuses)
	}

	stats := e.GetStats()
	if stats.Failed[types.TriggerEngagementDrop] != 1 {
		t.Errorf("Expected 1 failed engagement_drop, got %+v", stats.Failed)
	}
}

func TestLateResultDiscardedAfterSessionEnds(t *testing.T) {
	e, content, sessions, _ := newTestEngine(t)
	content.adaptDelay = 50 * time.Millisecond

	event, _ := e.ProcessSignal(engagementSignal("s1", 0.1))
	if event == nil {
		t.Fatal("Expected trigger")
	}

	// Session ends while content is being generated.
	sessions.end("s1")

	waitFor(t, time.Second, func() bool { return e.PendingEvent("s1") == nil })
	if sessions.appliedCount() != 0 {
		t.Error("Late result must be discarded, not applied")
	}
}

func TestManualAdaptationRequest(t *testing.T) {
	e, content, sessions, _ := newTestEngine(t)

	event, err := e.RequestAdaptation("s1", "switch_modality")
	if err != nil {
		t.Fatalf("RequestAdaptation failed: %v", err)
	}
	if event.TriggerType != types.TriggerManual {
		t.Errorf("Expected manual trigger, got %s", event.TriggerType)
	}
	if event.Confidence != 1.0 {
		t.Errorf("Expected confidence 1.0, got %f", event.Confidence)
	}

	waitFor(t, time.Second, func() bool { return sessions.appliedCount() == 1 })
	if content.request().RequestedAction != "switch_modality" {
		t.Errorf("Expected requested action forwarded, got %s", content.request().RequestedAction)
	}
}

func TestManualRequestRespectsInFlight(t *testing.T) {
	e, content, _, _ := newTestEngine(t)
	content.adaptDelay = 100 * time.Millisecond

	if _, err := e.RequestAdaptation("s1", ""); err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	if _, err := e.RequestAdaptation("s1", ""); !errors.Is(err, ErrAdaptationPending) {
		t.Errorf("Expected ErrAdaptationPending, got %v", err)
	}
}

func TestClearSession(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	e.ProcessSignal(&types.Signal{SessionID: "s1", Kind: types.SignalConfusion, Value: 1, Timestamp: time.Now()})
	e.ProcessSignal(&types.Signal{SessionID: "s1", Kind: types.SignalConfusion, Value: 1, Timestamp: time.Now()})
	e.ClearSession("s1")

	// Tracking restarted from zero: two more signals stay below threshold.
	e.ProcessSignal(&types.Signal{SessionID: "s1", Kind: types.SignalConfusion, Value: 1, Timestamp: time.Now()})
	event, _ := e.ProcessSignal(&types.Signal{SessionID: "s1", Kind: types.SignalConfusion, Value: 1, Timestamp: time.Now()})
	if event != nil {
		t.Error("Expected cleared session to lose accumulated confusion signals")
	}

	stats := e.GetStats()
	if stats.Tracked != 1 {
		t.Errorf("Expected 1 tracked session, got %d", stats.Tracked)
	}
}

func TestUnknownSignalKind(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	_, err := e.ProcessSignal(&types.Signal{SessionID: "s1", Kind: "vibes", Value: 1})
	if !errors.Is(err, ErrUnknownSignalKind) {
		t.Errorf("Expected ErrUnknownSignalKind, got %v", err)
	}
}
