package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"joybridge/internal/adaptation"
	"joybridge/internal/coordinator"
	"joybridge/internal/orchestrator"
	"joybridge/internal/session"
	"joybridge/pkg/interfaces"
	"joybridge/pkg/types"
)

// Bind registers the typed handlers for every inbound event type. Called
// once during wiring, after all components exist and before Start.
func (h *Hub) Bind(sessions *session.Manager, coord *coordinator.Coordinator, engine *adaptation.Engine, orch *orchestrator.Orchestrator) {
	h.RegisterHandler(types.EventRegisterComponent, h.handleRegister)
	h.RegisterHandler(types.EventComponentHeartbeat, h.handleHeartbeat)

	h.RegisterHandler(types.EventSessionStart, func(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope) {
		var req types.CreateSessionRequest
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			h.replyTyped(conn, event, types.EventSessionError, nil, types.NewValidationError("payload", "malformed session request"))
			return
		}
		result, err := sessions.CreateSession(ctx, &req)
		if err != nil {
			h.replyTyped(conn, event, types.EventSessionError, nil, err)
			return
		}
		h.replyTyped(conn, event, types.EventSessionStarted, result, nil)
	})

	h.RegisterHandler(types.EventEngagementUpdate, func(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope) {
		ack, err := coord.HandleEngagementUpdate(event)
		if err != nil {
			h.replyError(conn, event, err)
			return
		}
		h.replyTyped(conn, event, types.EventEngagementUpdateProcessed, ack, nil)
	})

	h.RegisterHandler(types.EventTrustEvent, func(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope) {
		if err := coord.HandleTrustEvent(event); err != nil {
			h.replyError(conn, event, err)
		}
	})

	h.RegisterHandler(types.EventStudentInteraction, func(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope) {
		if err := coord.HandleStudentInteraction(event); err != nil {
			h.replyError(conn, event, err)
		}
	})

	h.RegisterHandler(types.EventAdaptationRequest, func(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope) {
		var req struct {
			Action string `json:"action,omitempty"`
		}
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &req); err != nil {
				h.replyTyped(conn, event, types.EventAdaptationError, nil, types.NewValidationError("payload", "malformed adaptation request"))
				return
			}
		}
		if event.SessionID == "" {
			h.replyTyped(conn, event, types.EventAdaptationError, nil, types.NewValidationError("session_id", "required"))
			return
		}
		adaptationEvent, err := engine.RequestAdaptation(event.SessionID, req.Action)
		if err != nil {
			h.replyTyped(conn, event, types.EventAdaptationError, nil, err)
			return
		}
		h.replyTyped(conn, event, types.EventAdaptationResponse, adaptationEvent, nil)
	})

	h.RegisterHandler(types.EventTeacherRequest, func(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope) {
		response, err := orch.HandleTeacherRequest(event)
		if err != nil {
			h.replyTyped(conn, event, types.EventTeacherError, nil, err)
			return
		}
		h.replyTyped(conn, event, types.EventTeacherResponse, response, nil)
	})
}

func (h *Hub) handleRegister(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope) {
	var desc types.ComponentDescriptor
	if err := json.Unmarshal(event.Payload, &desc); err != nil {
		h.replyTyped(conn, event, types.EventRegistrationError, nil, types.NewValidationError("payload", "malformed component descriptor"))
		return
	}
	component, err := h.registry.RegisterComponent(conn, &desc)
	if err != nil {
		h.replyTyped(conn, event, types.EventRegistrationError, nil, err)
		return
	}
	h.replyTyped(conn, event, types.EventRegistrationConfirmed, component, nil)
}

func (h *Hub) handleHeartbeat(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope) {
	h.registry.UpdateHeartbeat(conn.ConnectionID(), event.Payload)
}

// replyTyped sends a success or error event back on the originating
// connection, preserving the request correlation id.
func (h *Hub) replyTyped(conn interfaces.Sender, request *types.EventEnvelope, eventType string, body any, failure error) {
	if conn == nil {
		return
	}

	var payload json.RawMessage
	if failure != nil {
		payload = errorPayload(failure)
	} else if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Printf("Failed to marshal reply payload: type=%s: %v", eventType, err)
			return
		}
		payload = data
	}

	envelope := &types.EventEnvelope{
		Type:      eventType,
		RequestID: request.RequestID,
		SessionID: request.SessionID,
		ClassID:   request.ClassID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(envelope); err != nil {
		log.Printf("Failed to send reply: type=%s conn=%s: %v", eventType, conn.ConnectionID(), err)
	}
}

// replyError answers with the generic error event type.
func (h *Hub) replyError(conn interfaces.Sender, request *types.EventEnvelope, failure error) {
	h.replyTyped(conn, request, types.EventError, nil, failure)
}

// errorPayload encodes an error with its taxonomy code. Internal faults get
// a generic message outward; the detail stays in the log.
func errorPayload(err error) json.RawMessage {
	code := "internal_error"
	message := "internal error"
	switch {
	case errors.Is(err, types.ErrValidation):
		code, message = "validation_error", err.Error()
	case errors.Is(err, types.ErrNotFound):
		code, message = "not_found", err.Error()
	case errors.Is(err, types.ErrServiceUnavailable):
		code, message = "service_unavailable", err.Error()
	case errors.Is(err, types.ErrAdaptationFailed):
		code, message = "adaptation_failed", err.Error()
	case errors.Is(err, session.ErrSessionAlreadyEnded), errors.Is(err, session.ErrSessionCompleted):
		code, message = "session_completed", err.Error()
	case errors.Is(err, adaptation.ErrAdaptationPending):
		code, message = "adaptation_pending", err.Error()
	default:
		log.Printf("Internal error on event channel: %v", err)
	}
	data, _ := json.Marshal(map[string]string{"code": code, "error": message})
	return data
}
