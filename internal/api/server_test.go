package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"joybridge/internal/adaptation"
	"joybridge/internal/config"
	"joybridge/internal/coordinator"
	"joybridge/internal/hub"
	"joybridge/internal/metrics"
	"joybridge/internal/orchestrator"
	"joybridge/internal/registry"
	"joybridge/internal/session"
	"joybridge/pkg/types"
)

type mockConn struct {
	id string
}

func (m *mockConn) WriteJSON(v any) error { return nil }
func (m *mockConn) Close() error          { return nil }
func (m *mockConn) ConnectionID() string  { return m.id }

type mockContent struct{}

func (mockContent) InitialExperience(ctx context.Context, req *types.ExperienceRequest) (*types.Experience, error) {
	return &types.Experience{ID: "exp-1", SessionID: req.SessionID}, nil
}
func (mockContent) Adapt(ctx context.Context, req *types.AdaptationRequest) (*types.Experience, error) {
	return &types.Experience{ID: "exp-2"}, nil
}
func (mockContent) Ping(ctx context.Context) error { return nil }

type mockHistory struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

func newMockHistory() *mockHistory {
	return &mockHistory{sessions: make(map[string]*types.Session)}
}

func (m *mockHistory) ArchiveSession(ctx context.Context, s *types.Session, sum *types.SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}
func (m *mockHistory) ArchiveAdaptationEvent(ctx context.Context, e *types.AdaptationEvent) error {
	return nil
}
func (m *mockHistory) GetSession(ctx context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, types.NewNotFoundError("session", id)
}
func (m *mockHistory) GetAdaptationEvents(ctx context.Context, id string) ([]*types.AdaptationEvent, error) {
	return nil, nil
}
func (m *mockHistory) HealthCheck(ctx context.Context) error { return nil }
func (m *mockHistory) Close() error                          { return nil }

type mockProfiles struct{}

func (mockProfiles) Profile(ctx context.Context, id string) (*types.StudentProfile, error) {
	if id == "unknown" {
		return nil, types.NewNotFoundError("student", id)
	}
	return &types.StudentProfile{StudentID: id, DisplayName: "Sam"}, nil
}
func (mockProfiles) Ping(ctx context.Context) error { return nil }
func (mockProfiles) Close() error                   { return nil }

type fixture struct {
	server   *Server
	registry *registry.Registry
	sessions *session.Manager
}

// newFixture wires the full component graph behind the REST surface, with
// required collaborator types registered so the system is ready.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	m := metrics.New()

	reg := registry.New(cfg.Registry, m)
	h := hub.New(reg)
	history := newMockHistory()

	sessions := session.NewManager(cfg.Session, reg, mockContent{}, history, m)
	sessions.SetBroadcaster(h)

	engine := adaptation.NewEngine(cfg.Adaptation, sessions, sessions, mockContent{}, history, m)
	engine.SetBroadcaster(h)
	if err := engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Engine initialize failed: %v", err)
	}

	coord := coordinator.New(sessions, engine, mockProfiles{}, m)
	coord.SetBroadcaster(h)
	orch := orchestrator.New(sessions, engine, h, cfg.Adaptation.EngagementLowThreshold, cfg.Adaptation.EngagementHighThreshold)

	for i, componentType := range []string{types.ComponentContentGeneration, types.ComponentEngagementTracking} {
		_, err := reg.RegisterComponent(&mockConn{id: "conn-" + string(rune('a'+i))}, &types.ComponentDescriptor{
			ID:   componentType + "-1",
			Type: componentType,
		})
		if err != nil {
			t.Fatalf("Failed to register %s: %v", componentType, err)
		}
	}

	server := NewServer(cfg.HTTP, sessions, engine, coord, orch, reg, history, m, nil)
	return &fixture{server: server, registry: reg, sessions: sessions}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/sessions",
		`{"student_id":"student-1","class_id":"class-1","teacher_id":"t1","learning_objective":"long division"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Create failed: status %d body %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	json.Unmarshal(rec.Body.Bytes(), &result)
	return result.Session.ID
}

func TestCreateSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	id := f.createSession(t)
	if id == "" {
		t.Fatal("Expected session id in response")
	}

	// Missing required field.
	rec := f.do(t, http.MethodPost, "/api/sessions", `{"student_id":"student-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing objective, got %d", rec.Code)
	}

	// Unknown fields rejected.
	rec = f.do(t, http.MethodPost, "/api/sessions", `{"student_id":"s","learning_objective":"x","sneaky":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestCreateSessionServiceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.registry.HandleDisconnection("conn-a")

	rec := f.do(t, http.MethodPost, "/api/sessions",
		`{"student_id":"student-1","learning_objective":"long division"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createSession(t)
	f.createSession(t)

	rec := f.do(t, http.MethodGet, "/api/sessions?class_id=class-1&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("List failed: %d", rec.Code)
	}
	var body struct {
		Sessions []json.RawMessage `json:"sessions"`
		Total    int               `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 || len(body.Sessions) != 1 {
		t.Errorf("Expected total=2 page=1, got total=%d page=%d", body.Total, len(body.Sessions))
	}
}

func TestGetSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)

	rec := f.do(t, http.MethodGet, "/api/sessions/"+id+"?include=moments,insights", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Get failed: %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["insights"] == nil {
		t.Error("Expected insights included")
	}

	rec = f.do(t, http.MethodGet, "/api/sessions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestPatchSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)

	rec := f.do(t, http.MethodPatch, "/api/sessions/"+id, `{"status":"paused"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Patch failed: %d %s", rec.Code, rec.Body.String())
	}

	// Fields outside the allow-list are rejected.
	rec = f.do(t, http.MethodPatch, "/api/sessions/"+id, `{"student_id":"other"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for disallowed field, got %d", rec.Code)
	}

	// Completed is not reachable via patch.
	rec = f.do(t, http.MethodPatch, "/api/sessions/"+id, `{"status":"completed"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for completed status, got %d", rec.Code)
	}
}

func TestEndSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)

	rec := f.do(t, http.MethodDelete, "/api/sessions/"+id+"?reason=teacher_request", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("End failed: %d %s", rec.Code, rec.Body.String())
	}
	var summary types.SessionSummary
	json.Unmarshal(rec.Body.Bytes(), &summary)
	if summary.EndReason != types.EndReasonTeacherRequest {
		t.Errorf("Expected teacher_request reason, got %s", summary.EndReason)
	}

	// Second end is a conflict.
	rec = f.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for already-ended session, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/api/sessions/"+id+"?reason=rage_quit", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid reason, got %d", rec.Code)
	}
}

func TestCelebrateEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+id+"/celebrate", `{"message":"High five!"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Celebrate failed: %d", rec.Code)
	}

	snapshot, _ := f.sessions.Snapshot(id)
	if snapshot.CelebrationCount != 1 {
		t.Errorf("Expected celebration recorded, got %d", snapshot.CelebrationCount)
	}
}

func TestSessionAnalyticsEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)
	f.sessions.RecordJoyMoment(id, types.JoyMoment{Type: "breakthrough", JoyImpact: 0.2})

	rec := f.do(t, http.MethodGet, "/api/sessions/"+id+"/analytics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Analytics failed: %d", rec.Code)
	}
	var body struct {
		JoyTimeline []map[string]any `json:"joy_timeline"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.JoyTimeline) != 1 {
		t.Errorf("Expected 1 timeline entry, got %d", len(body.JoyTimeline))
	}

	// Completed sessions answer from the archive.
	f.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	rec = f.do(t, http.MethodGet, "/api/sessions/"+id+"/analytics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected archived analytics, got %d", rec.Code)
	}
}

func TestSessionHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)

	rec := f.do(t, http.MethodGet, "/api/sessions/"+id+"/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Session health failed: %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["adaptation_pending"] != false {
		t.Errorf("Expected no pending adaptation, got %v", body["adaptation_pending"])
	}
}

func TestRequestAdaptationEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+id+"/adaptations", `{"action":"switch_modality"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Adaptation request failed: %d %s", rec.Code, rec.Body.String())
	}
	var event types.AdaptationEvent
	json.Unmarshal(rec.Body.Bytes(), &event)
	if event.TriggerType != types.TriggerManual {
		t.Errorf("Expected manual trigger, got %s", event.TriggerType)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/missing/adaptations", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestClassroomAnalyticsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createSession(t)

	rec := f.do(t, http.MethodGet, "/api/classrooms/class-1/analytics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Classroom analytics failed: %d", rec.Code)
	}
	var overview types.ClassroomOverview
	json.Unmarshal(rec.Body.Bytes(), &overview)
	if overview.SessionCount != 1 {
		t.Errorf("Expected 1 session, got %d", overview.SessionCount)
	}
}

func TestStudentProfileEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/students/student-1/profile", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Profile failed: %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/students/unknown/profile", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected healthy, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ready"] != true {
		t.Errorf("Expected ready=true, got %v", body["ready"])
	}

	// Losing a required collaborator degrades health.
	f.registry.HandleDisconnection("conn-a")
	rec = f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after collaborator loss, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createSession(t)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Metrics failed: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "joybridge_sessions_created_total") {
		t.Error("Expected sessions counter in metrics output")
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS headers on preflight")
	}
}
