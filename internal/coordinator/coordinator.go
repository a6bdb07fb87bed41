package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"joybridge/internal/adaptation"
	"joybridge/internal/metrics"
	"joybridge/internal/session"
	"joybridge/pkg/interfaces"
	"joybridge/pkg/types"
)

// Coordinator ingests telemetry envelopes from the event channel, applies
// them to session state, and forwards normalized signals to the adaptation
// engine. It owns the lifecycle of the outbound data-collaborator clients.
type Coordinator struct {
	sessions *session.Manager
	engine   *adaptation.Engine
	profiles interfaces.ProfileClient
	metrics  *metrics.Metrics

	broadcast interfaces.Broadcaster

	// unhealthy marks the data collaborator unreachable so readiness
	// reporting can surface it. Set by InitializeConnections.
	markUnhealthy func(reason string)
}

// New creates a data coordinator.
func New(sessions *session.Manager, engine *adaptation.Engine, profiles interfaces.ProfileClient, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		engine:   engine,
		profiles: profiles,
		metrics:  m,
	}
}

// SetBroadcaster wires the classroom fan-out sink.
func (c *Coordinator) SetBroadcaster(b interfaces.Broadcaster) {
	c.broadcast = b
}

// SetUnhealthyMarker wires the callback used to flag the data collaborator
// when its connection cannot be established.
func (c *Coordinator) SetUnhealthyMarker(mark func(reason string)) {
	c.markUnhealthy = mark
}

// InitializeConnections verifies the outbound collaborator clients. A failed
// probe fails fast and marks the collaborator unhealthy rather than retrying
// silently; profile reads will then return ServiceUnavailable.
func (c *Coordinator) InitializeConnections(ctx context.Context) error {
	if err := c.profiles.Ping(ctx); err != nil {
		if c.markUnhealthy != nil {
			c.markUnhealthy("profile store unreachable: " + err.Error())
		}
		log.Printf("Profile store unreachable: %v", err)
		return &types.ServiceUnavailableError{Missing: []string{"profile_store"}}
	}
	log.Printf("Data coordinator connections initialized")
	return nil
}

// CloseConnections releases the outbound clients during shutdown.
func (c *Coordinator) CloseConnections() {
	if err := c.profiles.Close(); err != nil {
		log.Printf("Failed to close profile client: %v", err)
	}
}

// engagementPayload is the engagement_update envelope body.
type engagementPayload struct {
	Engagement float64 `json:"engagement"`
	Confusion  bool    `json:"confusion,omitempty"`
	Mastery    bool    `json:"mastery,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// HandleEngagementUpdate ingests one engagement_update envelope: update the
// session's rolling window, forward the normalized signal to the engine, and
// fan the event out to classroom dashboards. Returns the processed ack body.
func (c *Coordinator) HandleEngagementUpdate(event *types.EventEnvelope) (map[string]any, error) {
	if event.SessionID == "" {
		return nil, types.NewValidationError("session_id", "required")
	}

	var payload engagementPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, types.NewValidationError("payload", "malformed engagement payload")
	}
	if payload.Engagement < 0 || payload.Engagement > 1 {
		return nil, types.NewValidationError("engagement", "must be within [0,1]")
	}

	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if err := c.sessions.RecordEngagementSample(event.SessionID, payload.Engagement, at); err != nil {
		return nil, err
	}
	c.metrics.TelemetryEvents.WithLabelValues(types.EventEngagementUpdate).Inc()

	triggered := c.forward(&types.Signal{
		SessionID: event.SessionID,
		Kind:      types.SignalEngagement,
		Value:     payload.Engagement,
		Source:    payload.Source,
		Timestamp: at,
	})
	if payload.Confusion {
		c.forward(&types.Signal{SessionID: event.SessionID, Kind: types.SignalConfusion, Value: 1, Source: payload.Source, Timestamp: at})
	}
	if payload.Mastery {
		c.forward(&types.Signal{SessionID: event.SessionID, Kind: types.SignalMastery, Value: 1, Source: payload.Source, Timestamp: at})
	}

	c.fanOut(event)

	ack := map[string]any{
		"session_id": event.SessionID,
		"engagement": payload.Engagement,
	}
	if triggered != nil {
		ack["adaptation_event_id"] = triggered.ID
		ack["adaptation_trigger"] = triggered.TriggerType
	}
	return ack, nil
}

// trustPayload is the trust_event envelope body. Trust events carry joy
// moments: breakthroughs, celebrations, and setbacks from the engagement
// tracker.
type trustPayload struct {
	MomentType  string  `json:"moment_type"`
	JoyImpact   float64 `json:"joy_impact"`
	TriggeredBy string  `json:"triggered_by,omitempty"`
	Confusion   bool    `json:"confusion,omitempty"`
}

// HandleTrustEvent ingests one trust_event envelope as a joy moment.
func (c *Coordinator) HandleTrustEvent(event *types.EventEnvelope) error {
	if event.SessionID == "" {
		return types.NewValidationError("session_id", "required")
	}

	var payload trustPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return types.NewValidationError("payload", "malformed trust payload")
	}
	if payload.MomentType == "" {
		return types.NewValidationError("moment_type", "required")
	}

	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := c.sessions.RecordJoyMoment(event.SessionID, types.JoyMoment{
		Type:        payload.MomentType,
		JoyImpact:   payload.JoyImpact,
		TriggeredBy: payload.TriggeredBy,
		Timestamp:   at,
	}); err != nil {
		return err
	}
	c.metrics.TelemetryEvents.WithLabelValues(types.EventTrustEvent).Inc()

	if payload.Confusion {
		c.forward(&types.Signal{SessionID: event.SessionID, Kind: types.SignalConfusion, Value: 1, Timestamp: at})
	}

	c.fanOut(event)
	return nil
}

// HandleStudentInteraction counts one interaction and fans it out.
func (c *Coordinator) HandleStudentInteraction(event *types.EventEnvelope) error {
	if event.SessionID == "" {
		return types.NewValidationError("session_id", "required")
	}
	if err := c.sessions.RecordInteraction(event.SessionID); err != nil {
		return err
	}
	c.metrics.TelemetryEvents.WithLabelValues(types.EventStudentInteraction).Inc()
	c.fanOut(event)
	return nil
}

// GetStudentProfile serves the unified profile through the external data
// collaborator.
func (c *Coordinator) GetStudentProfile(ctx context.Context, studentID string) (*types.StudentProfile, error) {
	if !types.IsValidID(studentID) {
		return nil, types.NewValidationError("student_id", "invalid identifier")
	}
	return c.profiles.Profile(ctx, studentID)
}

// forward hands a normalized signal to the engine. Engine-side errors never
// fail telemetry ingestion; the signal is simply not evaluated.
func (c *Coordinator) forward(signal *types.Signal) *types.AdaptationEvent {
	event, err := c.engine.ProcessSignal(signal)
	if err != nil {
		log.Printf("Signal dropped by adaptation engine: session=%s kind=%s: %v", signal.SessionID, signal.Kind, err)
		return nil
	}
	return event
}

// fanOut rebroadcasts raw telemetry to the session's classroom dashboards.
// Per-recipient delivery failures are handled inside the broadcaster.
func (c *Coordinator) fanOut(event *types.EventEnvelope) {
	if c.broadcast == nil {
		return
	}

	classID := event.ClassID
	if classID == "" {
		snapshot, err := c.sessions.Snapshot(event.SessionID)
		if err != nil {
			return
		}
		classID = snapshot.ClassID
	}
	if classID == "" {
		return
	}

	c.broadcast.BroadcastToClassroom(classID, &types.EventEnvelope{
		Type:      types.EventTelemetryBroadcast,
		SessionID: event.SessionID,
		ClassID:   classID,
		Payload:   event.Payload,
		Timestamp: time.Now(),
	})
}
