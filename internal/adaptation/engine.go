package adaptation

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"joybridge/internal/config"
	"joybridge/internal/metrics"
	"joybridge/pkg/interfaces"
	"joybridge/pkg/types"
)

// tracker accumulates per-session telemetry between trigger evaluations.
// Confusion keeps timestamps so the rolling window can expire entries;
// mastery is a monotonic count reset when a mastery adaptation fires.
type tracker struct {
	engagement   float64
	hasSample    bool
	confusionAt  []time.Time
	masteryCount int
}

// Engine evaluates telemetry signals against the trigger rules and drives
// adaptation events through their lifecycle. It holds no session state of its
// own: sessions are read through snapshots and mutated only through the
// AdaptationSink, so a stuck dispatch can never corrupt a session.
type Engine struct {
	mu       sync.Mutex
	trackers map[string]*tracker
	pending  map[string]*types.AdaptationEvent // sessionID -> non-terminal event

	cfg      config.AdaptationConfig
	sessions interfaces.SessionReader
	sink     interfaces.AdaptationSink
	content  interfaces.ContentClient
	history  interfaces.HistoryStore
	metrics  *metrics.Metrics

	broadcast interfaces.Broadcaster

	initialized      bool
	contentReachable bool

	// Dispatch outcomes since startup, by trigger type.
	succeeded map[string]int
	failed    map[string]int
}

// NewEngine creates an adaptation engine.
func NewEngine(cfg config.AdaptationConfig, sessions interfaces.SessionReader, sink interfaces.AdaptationSink, content interfaces.ContentClient, history interfaces.HistoryStore, m *metrics.Metrics) *Engine {
	return &Engine{
		trackers:  make(map[string]*tracker),
		pending:   make(map[string]*types.AdaptationEvent),
		cfg:       cfg,
		sessions:  sessions,
		sink:      sink,
		content:   content,
		history:   history,
		metrics:   m,
		succeeded: make(map[string]int),
		failed:    make(map[string]int),
	}
}

// SetBroadcaster wires the outbound event sink. Must be called before
// Initialize.
func (e *Engine) SetBroadcaster(b interfaces.Broadcaster) {
	e.broadcast = b
}

// Initialize probes the content collaborator and arms the engine. An
// unreachable collaborator degrades capability (Ready reports false, dispatch
// failures will resolve events as failed) but does not abort startup: the
// registry readiness gate is what keeps sessions from starting. Signals
// arriving before Initialize are dropped with an error.
func (e *Engine) Initialize(ctx context.Context) error {
	reachable := true
	if err := e.content.Ping(ctx); err != nil {
		reachable = false
		log.Printf("Adaptation engine degraded: content collaborator unreachable: %v", err)
	}

	e.mu.Lock()
	e.initialized = true
	e.contentReachable = reachable
	e.mu.Unlock()

	log.Printf("Adaptation engine initialized: low=%.2f high=%.2f confusion=%d/%s mastery=%d reachable=%v",
		e.cfg.EngagementLowThreshold, e.cfg.EngagementHighThreshold,
		e.cfg.ConfusionThreshold, e.cfg.ConfusionWindow, e.cfg.MasteryThreshold, reachable)
	return nil
}

// Ready reports full capability: initialized and content collaborator
// reachable at the last probe.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized && e.contentReachable
}

// ProcessSignal folds one telemetry observation into the session's tracker
// and evaluates the trigger rules. When a rule fires and no adaptation is in
// flight for the session, a new event is created and dispatched
// asynchronously; the returned event is the pending record, nil when nothing
// fired.
func (e *Engine) ProcessSignal(signal *types.Signal) (*types.AdaptationEvent, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil, ErrEngineNotReady
	}

	tr, exists := e.trackers[signal.SessionID]
	if !exists {
		tr = &tracker{}
		e.trackers[signal.SessionID] = tr
	}

	at := signal.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	switch signal.Kind {
	case types.SignalEngagement:
		tr.engagement = types.Clamp01(signal.Value)
		tr.hasSample = true
	case types.SignalConfusion:
		tr.confusionAt = append(tr.confusionAt, at)
	case types.SignalMastery:
		tr.masteryCount++
	default:
		e.mu.Unlock()
		return nil, ErrUnknownSignalKind
	}

	tr.expireConfusion(at, e.cfg.ConfusionWindow)

	// At most one non-terminal event per session: while one is in flight,
	// triggers are evaluated but suppressed.
	if _, inFlight := e.pending[signal.SessionID]; inFlight {
		e.mu.Unlock()
		return nil, nil
	}

	trigger, confidence, action := e.evaluateLocked(tr)
	if trigger == "" {
		e.mu.Unlock()
		return nil, nil
	}

	event := e.createEventLocked(signal.SessionID, trigger, confidence, action)

	// Firing consumes the accumulated evidence so the same window cannot
	// retrigger immediately after the event resolves.
	switch trigger {
	case types.TriggerConfusion:
		tr.confusionAt = nil
	case types.TriggerMastery:
		tr.masteryCount = 0
	}
	engagement := tr.engagement
	snapshot := *event
	e.mu.Unlock()

	go e.dispatch(event, engagement)
	return &snapshot, nil
}

// RequestAdaptation creates a manual adaptation event on behalf of a teacher
// or demo harness, bypassing the threshold rules but not the one-in-flight
// constraint.
func (e *Engine) RequestAdaptation(sessionID, requestedAction string) (*types.AdaptationEvent, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil, ErrEngineNotReady
	}
	if _, inFlight := e.pending[sessionID]; inFlight {
		e.mu.Unlock()
		return nil, ErrAdaptationPending
	}
	if requestedAction == "" {
		requestedAction = "adjust_difficulty"
	}
	event := e.createEventLocked(sessionID, types.TriggerManual, 1.0, requestedAction)

	engagement := 0.0
	if tr, ok := e.trackers[sessionID]; ok {
		engagement = tr.engagement
	}
	snapshot := *event
	e.mu.Unlock()

	go e.dispatch(event, engagement)
	return &snapshot, nil
}

// PendingEvent returns a copy of the in-flight event for a session, nil when
// none.
func (e *Engine) PendingEvent(sessionID string) *types.AdaptationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	event, exists := e.pending[sessionID]
	if !exists {
		return nil
	}
	copied := *event
	return &copied
}

// ClearSession drops all tracking state for a session. Called when the
// session ends; an in-flight dispatch for the session resolves normally but
// its result is discarded by the sink.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trackers, sessionID)
	delete(e.pending, sessionID)
}

// Stats summarizes dispatch outcomes since startup.
type Stats struct {
	InFlight  int            `json:"in_flight"`
	Tracked   int            `json:"tracked_sessions"`
	Succeeded map[string]int `json:"succeeded_by_trigger"`
	Failed    map[string]int `json:"failed_by_trigger"`
}

// GetStats returns a copy of the engine's counters.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		InFlight:  len(e.pending),
		Tracked:   len(e.trackers),
		Succeeded: make(map[string]int, len(e.succeeded)),
		Failed:    make(map[string]int, len(e.failed)),
	}
	for k, v := range e.succeeded {
		stats.Succeeded[k] = v
	}
	for k, v := range e.failed {
		stats.Failed[k] = v
	}
	return stats
}

// evaluateLocked applies the trigger rules in priority order: confusion
// outranks engagement drop (repeated confusion is the stronger distress
// signal), mastery only fires when engagement is already high.
func (e *Engine) evaluateLocked(tr *tracker) (trigger string, confidence float64, action string) {
	if len(tr.confusionAt) >= e.cfg.ConfusionThreshold {
		return types.TriggerConfusion, 0.9, "simplify_content"
	}
	if tr.hasSample && tr.engagement < e.cfg.EngagementLowThreshold {
		low := e.cfg.EngagementLowThreshold
		return types.TriggerEngagementDrop, (low - tr.engagement) / low, "increase_interactivity"
	}
	if tr.hasSample && tr.engagement > e.cfg.EngagementHighThreshold && tr.masteryCount >= e.cfg.MasteryThreshold {
		return types.TriggerMastery, 0.85, "advance_difficulty"
	}
	return "", 0, ""
}

func (e *Engine) createEventLocked(sessionID, trigger string, confidence float64, action string) *types.AdaptationEvent {
	event := &types.AdaptationEvent{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		TriggerType:     trigger,
		Confidence:      confidence,
		RequestedAction: action,
		Status:          types.AdaptationPending,
		CreatedAt:       time.Now(),
	}
	e.pending[sessionID] = event
	log.Printf("Adaptation triggered: session=%s trigger=%s confidence=%.2f action=%s",
		sessionID, trigger, confidence, action)
	return event
}

// dispatch runs the asynchronous continuation of one adaptation event:
// request adapted content, apply the result to the session, archive the
// resolved event. Failures resolve the event as failed; they never propagate
// beyond the event.
func (e *Engine) dispatch(event *types.AdaptationEvent, engagement float64) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DispatchTimeout)
	defer cancel()

	e.setStatus(event, types.AdaptationDispatched, "")

	joy := 0.0
	classID := ""
	if snapshot, err := e.sessions.Snapshot(event.SessionID); err == nil {
		joy = snapshot.CurrentJoyLevel
		classID = snapshot.ClassID
	}

	experience, err := e.content.Adapt(ctx, &types.AdaptationRequest{
		SessionID:       event.SessionID,
		TriggerType:     event.TriggerType,
		Confidence:      event.Confidence,
		RequestedAction: event.RequestedAction,
		CurrentJoyLevel: joy,
		Engagement:      engagement,
	})
	if err != nil {
		e.resolve(event, types.AdaptationFailed, err.Error())
		e.broadcastResult(event, classID, nil)
		log.Printf("Adaptation failed: session=%s event=%s: %v", event.SessionID, event.ID, err)
		return
	}

	if err := e.sink.ApplyAdaptation(event.SessionID, event.ID); err != nil {
		// The session ended while content was being generated; the result is
		// discarded without counting as a failure of the content service.
		if errors.Is(err, types.ErrNotFound) {
			e.resolve(event, types.AdaptationFailed, "session ended before result arrived")
			log.Printf("Adaptation discarded: session=%s event=%s ended mid-flight", event.SessionID, event.ID)
			return
		}
		e.resolve(event, types.AdaptationFailed, err.Error())
		e.broadcastResult(event, classID, nil)
		return
	}

	e.resolve(event, types.AdaptationSucceeded, "")
	e.broadcastResult(event, classID, experience)
	log.Printf("Adaptation applied: session=%s event=%s trigger=%s", event.SessionID, event.ID, event.TriggerType)
}

func (e *Engine) setStatus(event *types.AdaptationEvent, status, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	event.Status = status
	event.Detail = detail
}

// resolve marks the event terminal, frees the session's in-flight slot, and
// archives the record.
func (e *Engine) resolve(event *types.AdaptationEvent, status, detail string) {
	now := time.Now()

	e.mu.Lock()
	event.Status = status
	event.Detail = detail
	event.ResolvedAt = &now
	if current, ok := e.pending[event.SessionID]; ok && current.ID == event.ID {
		delete(e.pending, event.SessionID)
	}
	if status == types.AdaptationSucceeded {
		e.succeeded[event.TriggerType]++
	} else {
		e.failed[event.TriggerType]++
	}
	copied := *event
	e.mu.Unlock()

	e.metrics.AdaptationEvents.WithLabelValues(event.TriggerType, status).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.history.ArchiveAdaptationEvent(ctx, &copied); err != nil {
		log.Printf("Failed to archive adaptation event %s: %v", event.ID, err)
	}
}

func (e *Engine) broadcastResult(event *types.AdaptationEvent, classID string, experience *types.Experience) {
	if e.broadcast == nil {
		return
	}

	eventType := types.EventAdaptationResponse
	if event.Status == types.AdaptationFailed {
		eventType = types.EventAdaptationError
	}
	payload, err := json.Marshal(map[string]any{
		"event":      event,
		"experience": experience,
	})
	if err != nil {
		log.Printf("Failed to marshal adaptation broadcast: %v", err)
		return
	}
	e.broadcast.BroadcastToClassroom(classID, &types.EventEnvelope{
		Type:      eventType,
		SessionID: event.SessionID,
		ClassID:   classID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// expireConfusion drops confusion timestamps older than the rolling window.
func (t *tracker) expireConfusion(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := t.confusionAt[:0]
	for _, at := range t.confusionAt {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.confusionAt = kept
}
