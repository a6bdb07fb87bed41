package orchestrator

import (
	"encoding/json"
	"log"
	"time"

	"joybridge/internal/adaptation"
	"joybridge/pkg/interfaces"
	"joybridge/pkg/types"
)

// Orchestrator serves classroom-level views and teacher commands. Everything
// it returns is derived from session snapshots and recomputed on read; it
// holds no state of its own.
type Orchestrator struct {
	sessions  interfaces.SessionReader
	engine    *adaptation.Engine
	broadcast interfaces.Broadcaster

	// Thresholds classifying sessions as struggling/excelling. Shared with
	// the adaptation trigger rules so the classroom view and the engine agree
	// on what "struggling" means.
	lowThreshold  float64
	highThreshold float64
}

// New creates an orchestrator.
func New(sessions interfaces.SessionReader, engine *adaptation.Engine, broadcast interfaces.Broadcaster, lowThreshold, highThreshold float64) *Orchestrator {
	return &Orchestrator{
		sessions:      sessions,
		engine:        engine,
		broadcast:     broadcast,
		lowThreshold:  lowThreshold,
		highThreshold: highThreshold,
	}
}

// GetClassroomOverview aggregates all active sessions scoped to a classroom.
func (o *Orchestrator) GetClassroomOverview(classID string) (*types.ClassroomOverview, error) {
	if !types.IsValidID(classID) {
		return nil, types.NewValidationError("class_id", "invalid identifier")
	}

	snapshots := o.sessions.Snapshots(types.SessionFilter{ClassID: classID})
	overview := &types.ClassroomOverview{
		ClassID:      classID,
		SessionCount: len(snapshots),
	}
	if len(snapshots) == 0 {
		return overview, nil
	}

	var joyTotal, engagementTotal float64
	var adaptations int
	for _, s := range snapshots {
		joyTotal += s.CurrentJoyLevel
		engagementTotal += s.CurrentEngagement
		adaptations += s.AdaptationsApplied
		overview.TotalInteractions += s.InteractionCount
		if s.CurrentEngagement < o.lowThreshold {
			overview.StrugglingCount++
		} else if s.CurrentEngagement > o.highThreshold {
			overview.ExcellingCount++
		}
	}
	overview.AverageJoyLevel = joyTotal / float64(len(snapshots))
	overview.AverageEngagement = engagementTotal / float64(len(snapshots))
	overview.AdaptationRate = float64(adaptations) / float64(len(snapshots))
	return overview, nil
}

// teacherPayload is the teacher_request envelope body.
type teacherPayload struct {
	Command   string          `json:"command"`
	TeacherID string          `json:"teacher_id"`
	Message   json.RawMessage `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Action    string          `json:"action,omitempty"`
}

// Teacher commands.
const (
	CommandBroadcast = "broadcast"
	CommandOverview  = "overview"
	CommandAdapt     = "request_adaptation"
)

// HandleTeacherRequest dispatches a teacher command scoped by classroom
// membership: the requester must be the teacher of record for every session
// in the classroom they address. Returns the teacher_response body.
func (o *Orchestrator) HandleTeacherRequest(event *types.EventEnvelope) (map[string]any, error) {
	if event.ClassID == "" {
		return nil, types.NewValidationError("class_id", "required")
	}

	var payload teacherPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, types.NewValidationError("payload", "malformed teacher payload")
	}
	if payload.TeacherID == "" {
		return nil, types.NewValidationError("teacher_id", "required")
	}
	if err := o.authorize(event.ClassID, payload.TeacherID); err != nil {
		return nil, err
	}

	switch payload.Command {
	case CommandBroadcast:
		if len(payload.Message) == 0 {
			return nil, types.NewValidationError("message", "required for broadcast")
		}
		o.broadcast.BroadcastToClassroom(event.ClassID, &types.EventEnvelope{
			Type:      types.EventClassroomMessage,
			ClassID:   event.ClassID,
			Payload:   payload.Message,
			Timestamp: time.Now(),
		})
		log.Printf("Classroom broadcast: class=%s teacher=%s", event.ClassID, payload.TeacherID)
		return map[string]any{"command": payload.Command, "delivered": true}, nil

	case CommandOverview:
		overview, err := o.GetClassroomOverview(event.ClassID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"command": payload.Command, "overview": overview}, nil

	case CommandAdapt:
		if payload.SessionID == "" {
			return nil, types.NewValidationError("session_id", "required for request_adaptation")
		}
		snapshot, err := o.sessions.Snapshot(payload.SessionID)
		if err != nil {
			return nil, err
		}
		if snapshot.ClassID != event.ClassID {
			return nil, types.NewValidationError("session_id", "session not in this classroom")
		}
		adaptationEvent, err := o.engine.RequestAdaptation(payload.SessionID, payload.Action)
		if err != nil {
			return nil, err
		}
		return map[string]any{"command": payload.Command, "event": adaptationEvent}, nil

	default:
		return nil, types.NewValidationError("command", "unknown teacher command")
	}
}

// authorize verifies classroom membership: every session in the classroom
// must name the requester as its teacher. An empty classroom authorizes
// trivially; there is nothing to act on yet.
func (o *Orchestrator) authorize(classID, teacherID string) error {
	for _, s := range o.sessions.Snapshots(types.SessionFilter{ClassID: classID}) {
		if s.TeacherID != "" && s.TeacherID != teacherID {
			return types.NewValidationError("teacher_id", "not the teacher of this classroom")
		}
	}
	return nil
}
