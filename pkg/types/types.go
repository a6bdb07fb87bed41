package types

import (
	"encoding/json"
	"time"
)

// Component types participating in the event channel. Required types gate
// system readiness; the rest are observers.
const (
	ComponentContentGeneration  = "content_generation"
	ComponentEngagementTracking = "engagement_tracking"
	ComponentDashboard          = "dashboard"
	ComponentDemoHarness        = "demo_harness"
)

// Component health states. Transitions happen only via heartbeat timeout or
// explicit disconnection; re-registration resets to healthy.
const (
	ComponentHealthy   = "healthy"
	ComponentDegraded  = "degraded"
	ComponentUnhealthy = "unhealthy"
)

// Session lifecycle states. Completed is terminal for every mutation path.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
)

// Engagement trend labels derived from the rolling sample window.
const (
	TrendRising  = "rising"
	TrendStable  = "stable"
	TrendFalling = "falling"
)

// Adaptation trigger types evaluated by the adaptation engine.
const (
	TriggerEngagementDrop = "engagement_drop"
	TriggerConfusion      = "confusion"
	TriggerMastery        = "mastery"
	TriggerManual         = "manual"
)

// AdaptationEvent outcomes. Pending -> Dispatched -> {Succeeded | Failed}.
const (
	AdaptationPending    = "pending"
	AdaptationDispatched = "dispatched"
	AdaptationSucceeded  = "succeeded"
	AdaptationFailed     = "failed"
)

// Accepted reasons for ending a session.
const (
	EndReasonCompleted      = "completed"
	EndReasonTimeout        = "timeout"
	EndReasonStudentRequest = "student_request"
	EndReasonTeacherRequest = "teacher_request"
	EndReasonShutdown       = "system_shutdown"
)

// Inbound event types on the channel surface.
const (
	EventRegisterComponent  = "register_component"
	EventComponentHeartbeat = "component_heartbeat"
	EventSessionStart       = "session_start_request"
	EventEngagementUpdate   = "engagement_update"
	EventTrustEvent         = "trust_event"
	EventStudentInteraction = "student_interaction"
	EventAdaptationRequest  = "adaptation_request"
	EventTeacherRequest     = "teacher_request"
)

// Outbound event types.
const (
	EventRegistrationConfirmed     = "registration_confirmed"
	EventRegistrationError         = "registration_error"
	EventSessionStarted            = "session_started"
	EventSessionError              = "session_error"
	EventEngagementUpdateProcessed = "engagement_update_processed"
	EventAdaptationResponse        = "adaptation_response"
	EventAdaptationError           = "adaptation_error"
	EventTeacherResponse           = "teacher_response"
	EventTeacherError              = "teacher_error"
	EventComponentStatusChanged    = "component_status_changed"
	EventCelebration               = "celebration"
	EventTelemetryBroadcast        = "telemetry"
	EventAdaptationApplied         = "adaptation_applied"
	EventClassroomMessage          = "classroom_broadcast"
	EventError                     = "error"
)

// Normalized telemetry signal kinds forwarded to the adaptation engine.
const (
	SignalEngagement = "engagement"
	SignalConfusion  = "confusion"
	SignalMastery    = "mastery"
)

// EventEnvelope is the single wire frame for the bidirectional event channel.
// Payload stays raw until the typed handler for the event category decodes it,
// so each handler owns its own request shape.
type EventEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	ClassID   string          `json:"class_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ComponentDescriptor is what a collaborator presents when registering.
// Dashboards list the classrooms they want fan-out for.
type ComponentDescriptor struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
	Classrooms   []string `json:"classrooms,omitempty"`
}

// Component is a registered external collaborator and its liveness state.
type Component struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Classrooms    []string  `json:"classrooms,omitempty"`
	ConnectionID  string    `json:"connection_id"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// JoyMoment is a discrete recorded event contributing a signed delta to a
// session's joy level. Immutable once recorded.
type JoyMoment struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	JoyImpact   float64   `json:"joy_impact"`
	TriggeredBy string    `json:"triggered_by"`
}

// Session is a bounded interaction between one student and the system.
// Owned exclusively by the session manager; everything else sees snapshots.
type Session struct {
	ID                 string        `json:"id"`
	StudentID          string        `json:"student_id"`
	ClassID            string        `json:"class_id"`
	TeacherID          string        `json:"teacher_id"`
	Subject            string        `json:"subject"`
	LearningObjective  string        `json:"learning_objective"`
	Status             string        `json:"status"`
	StartTime          time.Time     `json:"start_time"`
	TimeLimit          time.Duration `json:"time_limit"`
	EstimatedEndTime   time.Time     `json:"estimated_end_time"`
	EndTime            *time.Time    `json:"end_time,omitempty"`
	EndReason          string        `json:"end_reason,omitempty"`
	CurrentJoyLevel    float64       `json:"current_joy_level"`
	JoyMoments         []JoyMoment   `json:"joy_moments,omitempty"`
	CelebrationCount   int           `json:"celebration_count"`
	EngagementTrend    string        `json:"engagement_trend"`
	AdaptationsApplied int           `json:"adaptations_applied"`
	MilestonesReached  []string      `json:"milestones_reached,omitempty"`
	InteractionCount   int           `json:"interaction_count"`
}

// SessionSnapshot is the read-only projection handed to components that must
// never mutate session state (adaptation engine, orchestrator, API reads).
type SessionSnapshot struct {
	Session
	Elapsed            time.Duration `json:"elapsed"`
	ProgressPercentage float64       `json:"progress_percentage"`
	TimeRemaining      time.Duration `json:"time_remaining"`
	CurrentEngagement  float64       `json:"current_engagement"`
	EngagementSamples  int           `json:"engagement_samples"`
}

// SessionPatch is the explicit allow-list of mutable fields for updates.
// Anything else is rejected at the boundary.
type SessionPatch struct {
	Status          *string  `json:"status,omitempty"`
	CurrentJoyLevel *float64 `json:"current_joy_level,omitempty"`
}

// SessionFilter scopes list queries.
type SessionFilter struct {
	StudentID string
	ClassID   string
	Status    string
}

// CreateSessionRequest carries session_start_request payloads and the REST
// create body.
type CreateSessionRequest struct {
	StudentID         string `json:"student_id"`
	ClassID           string `json:"class_id"`
	TeacherID         string `json:"teacher_id"`
	Subject           string `json:"subject"`
	LearningObjective string `json:"learning_objective"`
	TimeLimitSeconds  int    `json:"time_limit_seconds,omitempty"`
}

// SessionSummary is computed once when a session ends.
type SessionSummary struct {
	SessionID        string   `json:"session_id"`
	TotalJoyMoments  int      `json:"total_joy_moments"`
	CelebrationCount int      `json:"celebration_count"`
	FinalJoyLevel    float64  `json:"final_joy_level"`
	Adaptations      int      `json:"adaptations"`
	DurationSeconds  float64  `json:"duration_seconds"`
	EndReason        string   `json:"end_reason"`
	Recommendations  []string `json:"recommendations,omitempty"`
}

// Experience is initial or adapted content returned by the content-generation
// collaborator. Content stays schemaless; the hub only transports it.
type Experience struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Objective  string         `json:"objective"`
	Difficulty string         `json:"difficulty,omitempty"`
	Content    map[string]any `json:"content,omitempty"`
}

// ExperienceRequest asks the content service for the first experience of a
// new session.
type ExperienceRequest struct {
	SessionID         string `json:"session_id"`
	StudentID         string `json:"student_id"`
	Subject           string `json:"subject"`
	LearningObjective string `json:"learning_objective"`
}

// AdaptationEvent records one trigger evaluation and its dispatch outcome.
// At most one non-terminal event exists per session at a time.
type AdaptationEvent struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	TriggerType     string     `json:"trigger_type"`
	Confidence      float64    `json:"confidence"`
	RequestedAction string     `json:"requested_action"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Detail          string     `json:"detail,omitempty"`
}

// AdaptationRequest is the outbound call to the content service when an
// adaptation event is dispatched.
type AdaptationRequest struct {
	SessionID       string  `json:"session_id"`
	TriggerType     string  `json:"trigger_type"`
	Confidence      float64 `json:"confidence"`
	RequestedAction string  `json:"requested_action"`
	CurrentJoyLevel float64 `json:"current_joy_level"`
	Engagement      float64 `json:"engagement"`
}

// Signal is a normalized telemetry observation addressed to one session.
type Signal struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Value     float64   `json:"value"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClassroomOverview is the derived, recomputed-on-read aggregation of all
// sessions scoped to a classroom.
type ClassroomOverview struct {
	ClassID           string  `json:"class_id"`
	SessionCount      int     `json:"session_count"`
	AverageJoyLevel   float64 `json:"average_joy_level"`
	AverageEngagement float64 `json:"average_engagement"`
	StrugglingCount   int     `json:"struggling_count"`
	ExcellingCount    int     `json:"excelling_count"`
	AdaptationRate    float64 `json:"adaptation_rate"`
	TotalInteractions int     `json:"total_interactions"`
}

// StudentProfile is the unified view served by the external data collaborator.
type StudentProfile struct {
	StudentID     string             `json:"student_id"`
	DisplayName   string             `json:"display_name,omitempty"`
	Interests     []string           `json:"interests,omitempty"`
	MasteryLevels map[string]float64 `json:"mastery_levels,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clamp01 bounds a metric value to [0,1]. Joy levels and engagement always
// pass through here before being stored.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
