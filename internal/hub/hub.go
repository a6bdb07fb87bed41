package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"joybridge/internal/registry"
	"joybridge/pkg/interfaces"
	"joybridge/pkg/types"
)

// HandlerFunc processes one inbound event on the dispatch goroutine. The
// connection is the event's origin; replies go back through it.
type HandlerFunc func(ctx context.Context, conn interfaces.Sender, event *types.EventEnvelope)

// inbound pairs an event with the connection it arrived on.
type inbound struct {
	conn  interfaces.Sender
	event *types.EventEnvelope
}

// Hub is the single dispatch point of the event channel. Events are enqueued
// non-blocking from connection read pumps and processed by one run goroutine,
// which gives handlers a serialized view of the channel without per-handler
// locking. Outbound fan-out (the Broadcaster side) goes directly to the
// per-connection write queues and never touches the dispatch goroutine.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	running  bool

	registry *registry.Registry

	eventQueue chan inbound

	// Dropped inbound events since startup; the queue sheds load rather
	// than blocking read pumps.
	dropped int64
}

const eventQueueSize = 1000

// New creates the hub over a component registry.
func New(reg *registry.Registry) *Hub {
	return &Hub{
		handlers:   make(map[string]HandlerFunc),
		registry:   reg,
		eventQueue: make(chan inbound, eventQueueSize),
	}
}

// RegisterHandler binds a handler to an inbound event type. Must complete
// before Start; the handler map is not mutated afterwards.
func (h *Hub) RegisterHandler(eventType string, handler HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[eventType] = handler
}

// Start launches the dispatch goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	go h.run(ctx)
	log.Printf("Hub started: handlers=%d queue=%d", len(h.handlers), eventQueueSize)
	return nil
}

// Submit enqueues one inbound event. Never blocks: when the queue is full the
// event is dropped and counted, and the caller gets ErrQueueFull to report
// back to the peer.
func (h *Hub) Submit(conn interfaces.Sender, event *types.EventEnvelope) error {
	if event == nil {
		return ErrNilEvent
	}
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	select {
	case h.eventQueue <- inbound{conn: conn, event: event}:
		return nil
	default:
		h.mu.Lock()
		h.dropped++
		dropped := h.dropped
		h.mu.Unlock()
		log.Printf("Event dropped, queue full: type=%s total_dropped=%d", event.Type, dropped)
		return ErrQueueFull
	}
}

// HandleDisconnection forwards a closed connection to the registry.
func (h *Hub) HandleDisconnection(connectionID string) {
	h.registry.HandleDisconnection(connectionID)
}

// DroppedEvents reports the shed-load counter.
func (h *Hub) DroppedEvents() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case in := <-h.eventQueue:
			h.dispatch(ctx, in)
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			log.Printf("Hub stopped: dropped=%d", h.dropped)
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, in inbound) {
	h.mu.RLock()
	handler, exists := h.handlers[in.event.Type]
	h.mu.RUnlock()

	if !exists {
		log.Printf("Unknown event type: %s", in.event.Type)
		h.replyError(in.conn, in.event, types.NewValidationError("type", "unknown event type"))
		return
	}
	handler(ctx, in.conn, in.event)
}

// BroadcastToClassroom implements interfaces.Broadcaster. Delivery failures
// are per recipient: a slow or dead dashboard never affects the others.
func (h *Hub) BroadcastToClassroom(classID string, event *types.EventEnvelope) {
	h.deliver(h.registry.ClassroomSubscribers(classID), event)
}

// BroadcastToDashboards implements interfaces.Broadcaster.
func (h *Hub) BroadcastToDashboards(event *types.EventEnvelope) {
	h.deliver(h.registry.DashboardConnections(), event)
}

func (h *Hub) deliver(conns []interfaces.Sender, event *types.EventEnvelope) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, conn := range conns {
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("Broadcast delivery failed: conn=%s type=%s: %v", conn.ConnectionID(), event.Type, err)
		}
	}
}
