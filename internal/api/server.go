package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"joybridge/internal/adaptation"
	"joybridge/internal/config"
	"joybridge/internal/coordinator"
	"joybridge/internal/metrics"
	"joybridge/internal/orchestrator"
	"joybridge/internal/registry"
	"joybridge/internal/session"
	"joybridge/pkg/interfaces"
	"joybridge/pkg/types"
)

// Server is the REST surface over the hub's components.
type Server struct {
	httpServer *http.Server

	sessions *session.Manager
	engine   *adaptation.Engine
	coord    *coordinator.Coordinator
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	history  interfaces.HistoryStore
	metrics  *metrics.Metrics
}

// NewServer builds the router and the underlying http.Server. The websocket
// handler is mounted alongside the REST routes so both surfaces share one
// listener.
func NewServer(cfg config.HTTPConfig, sessions *session.Manager, engine *adaptation.Engine, coord *coordinator.Coordinator, orch *orchestrator.Orchestrator, reg *registry.Registry, history interfaces.HistoryStore, m *metrics.Metrics, ws http.Handler) *Server {
	s := &Server{
		sessions: sessions,
		engine:   engine,
		coord:    coord,
		orch:     orch,
		registry: reg,
		history:  history,
		metrics:  m,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Patch("/", s.handlePatchSession)
				r.Delete("/", s.handleEndSession)
				r.Post("/celebrate", s.handleCelebrate)
				r.Get("/analytics", s.handleSessionAnalytics)
				r.Get("/health", s.handleSessionHealth)
				r.Post("/adaptations", s.handleRequestAdaptation)
			})
		})
		r.Get("/classrooms/{classID}/analytics", s.handleClassroomAnalytics)
		r.Get("/students/{studentID}/profile", s.handleStudentProfile)
	})
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	if ws != nil {
		r.Handle("/ws", ws)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	log.Printf("HTTP server listening: addr=%s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.sessions.CreateSession(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snapshots := s.sessions.Snapshots(types.SessionFilter{
		StudentID: q.Get("student_id"),
		ClassID:   q.Get("class_id"),
		Status:    q.Get("status"),
	})

	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)
	total := len(snapshots)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": snapshots[offset:end],
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	include := r.URL.Query().Get("include")
	details, err := s.sessions.GetSessionDetails(
		chi.URLParam(r, "sessionID"),
		strings.Contains(include, "moments"),
		strings.Contains(include, "insights"),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	var patch types.SessionPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	snapshot, err := s.sessions.UpdateSession(chi.URLParam(r, "sessionID"), &patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = types.EndReasonCompleted
	}
	sessionID := chi.URLParam(r, "sessionID")

	summary, err := s.sessions.EndSession(r.Context(), sessionID, reason)
	if err != nil {
		if errors.Is(err, session.ErrInvalidEndReason) {
			s.writeError(w, types.NewValidationError("reason", "unknown end reason"))
			return
		}
		s.writeError(w, err)
		return
	}
	s.engine.ClearSession(sessionID)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCelebrate(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, types.NewValidationError("body", "malformed JSON"))
			return
		}
	}
	if err := s.sessions.TriggerCelebration(chi.URLParam(r, "sessionID"), payload); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"celebrated": true})
}

func (s *Server) handleSessionAnalytics(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// Active sessions answer from memory; completed ones from the archive.
	snapshot, err := s.sessions.Snapshot(sessionID)
	if err == nil {
		writeJSON(w, http.StatusOK, analyticsBody(&snapshot.Session, snapshot.CurrentEngagement, nil))
		return
	}
	archived, archiveErr := s.history.GetSession(r.Context(), sessionID)
	if archiveErr != nil {
		s.writeError(w, err)
		return
	}
	events, _ := s.history.GetAdaptationEvents(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, analyticsBody(archived, 0, events))
}

func analyticsBody(sess *types.Session, engagement float64, events []*types.AdaptationEvent) map[string]any {
	timeline := make([]map[string]any, 0, len(sess.JoyMoments))
	for _, moment := range sess.JoyMoments {
		timeline = append(timeline, map[string]any{
			"at":         moment.Timestamp,
			"type":       moment.Type,
			"joy_impact": moment.JoyImpact,
		})
	}
	body := map[string]any{
		"session_id":          sess.ID,
		"status":              sess.Status,
		"current_joy_level":   sess.CurrentJoyLevel,
		"joy_timeline":        timeline,
		"celebration_count":   sess.CelebrationCount,
		"adaptations_applied": sess.AdaptationsApplied,
		"interaction_count":   sess.InteractionCount,
		"milestones_reached":  sess.MilestonesReached,
	}
	if sess.Status != types.SessionCompleted {
		body["current_engagement"] = engagement
	}
	if events != nil {
		body["adaptation_events"] = events
	}
	return body
}

func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.sessions.Snapshot(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	pending := s.engine.PendingEvent(snapshot.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":          snapshot.ID,
		"status":              snapshot.Status,
		"elapsed_seconds":     snapshot.Elapsed.Seconds(),
		"progress_percentage": snapshot.ProgressPercentage,
		"time_remaining":      snapshot.TimeRemaining.Seconds(),
		"engagement_trend":    snapshot.EngagementTrend,
		"current_engagement":  snapshot.CurrentEngagement,
		"adaptation_pending":  pending != nil,
	})
}

func (s *Server) handleRequestAdaptation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.sessions.Snapshot(sessionID); err != nil {
		s.writeError(w, err)
		return
	}

	var body struct {
		Action string `json:"action"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	event, err := s.engine.RequestAdaptation(sessionID, body.Action)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

func (s *Server) handleClassroomAnalytics(w http.ResponseWriter, r *http.Request) {
	overview, err := s.orch.GetClassroomOverview(chi.URLParam(r, "classID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleStudentProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.coord.GetStudentProfile(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.registry.GetHealthSummary()
	ready := s.registry.IsSystemReady()

	storeHealthy := true
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.history.HealthCheck(ctx); err != nil {
		storeHealthy = false
	}

	status := http.StatusOK
	if !ready || !storeHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":             ready,
		"readiness":         s.registry.GetSystemReadiness(),
		"components":        summary,
		"history_store":     storeHealthy,
		"active_sessions":   s.sessions.ActiveCount(),
		"average_joy_level": s.sessions.CalculateAverageJoyLevel(),
		"adaptation_ready":  s.engine.Ready(),
	})
}

// writeError maps the error taxonomy onto HTTP status codes. Internal faults
// answer with a generic message; the detail stays in the log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	var code string
	message := err.Error()

	var unavailable *types.ServiceUnavailableError
	switch {
	case errors.Is(err, types.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, types.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrSessionAlreadyEnded),
		errors.Is(err, session.ErrSessionCompleted),
		errors.Is(err, adaptation.ErrAdaptationPending):
		status, code = http.StatusConflict, "conflict"
	case errors.As(err, &unavailable):
		status, code = http.StatusServiceUnavailable, "service_unavailable"
		if unavailable.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(unavailable.RetryAfter.Seconds())))
		}
	case errors.Is(err, types.ErrServiceUnavailable):
		status, code = http.StatusServiceUnavailable, "service_unavailable"
	case errors.Is(err, types.ErrAdaptationFailed):
		status, code = http.StatusBadGateway, "adaptation_failed"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
		message = "internal error"
		log.Printf("Internal error on API: %v", err)
	}

	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

// decodeJSON decodes a request body with unknown fields rejected, keeping
// the patch allow-list enforceable at the boundary.
func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return types.NewValidationError("body", "malformed or unknown fields: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			log.Printf("HTTP %s %s status=%d duration=%s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Truncate(time.Millisecond))
		}
	})
}
