package registry

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"joybridge/internal/config"
	"joybridge/internal/metrics"
	"joybridge/pkg/interfaces"
	"joybridge/pkg/types"
)

// Component types whose presence (and non-unhealthy status) define system
// readiness. Dashboards and demo harnesses are observers only.
var requiredTypes = []string{
	types.ComponentContentGeneration,
	types.ComponentEngagementTracking,
}

// record pairs a component with the connection it registered over. The
// connection is kept so disconnection cleanup and broadcast lookups stay O(1).
type record struct {
	component types.Component
	conn      interfaces.Sender
}

// Registry tracks which external collaborators are connected and healthy and
// gates readiness on the required component types. It exclusively owns
// Component records; everything else reads copies.
type Registry struct {
	mu           sync.RWMutex
	components   map[string]*record // componentID -> record
	byConnection map[string]string  // connectionID -> componentID

	cfg     config.RegistryConfig
	metrics *metrics.Metrics

	// notify publishes component status changes to dashboard subscribers.
	// Assigned once during wiring, before any connection arrives.
	notify func(event *types.EventEnvelope)

	running bool
	ready   bool // last aggregate readiness, for transition logging
}

// New creates a component registry.
func New(cfg config.RegistryConfig, m *metrics.Metrics) *Registry {
	return &Registry{
		components:   make(map[string]*record),
		byConnection: make(map[string]string),
		cfg:          cfg,
		metrics:      m,
	}
}

// SetNotifier wires the status-change broadcast sink. Must be called before
// Start.
func (r *Registry) SetNotifier(notify func(event *types.EventEnvelope)) {
	r.notify = notify
}

// RegisterComponent validates a descriptor and stores the connection to
// component mapping. Re-registration of a known component id replaces the
// previous connection and resets its status to healthy.
func (r *Registry) RegisterComponent(conn interfaces.Sender, desc *types.ComponentDescriptor) (*types.Component, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	component := types.Component{
		ID:            desc.ID,
		Type:          desc.Type,
		Status:        types.ComponentHealthy,
		LastHeartbeat: now,
		Capabilities:  desc.Capabilities,
		Classrooms:    desc.Classrooms,
		ConnectionID:  conn.ConnectionID(),
		RegisteredAt:  now,
	}

	r.mu.Lock()
	if existing, exists := r.components[desc.ID]; exists {
		delete(r.byConnection, existing.component.ConnectionID)
		if existing.conn != nil && existing.conn.ConnectionID() != conn.ConnectionID() {
			// Close the stale connection asynchronously to avoid holding the
			// lock across a network teardown.
			stale := existing.conn
			go func() {
				if err := stale.Close(); err != nil {
					log.Printf("Failed to close replaced connection: %v", err)
				}
			}()
		}
	} else {
		r.metrics.ConnectedComponents.WithLabelValues(desc.Type).Inc()
	}
	r.components[desc.ID] = &record{component: component, conn: conn}
	r.byConnection[conn.ConnectionID()] = desc.ID
	r.mu.Unlock()

	log.Printf("Component registered: id=%s type=%s conn=%s", desc.ID, desc.Type, conn.ConnectionID())
	r.recomputeReadiness()
	return &component, nil
}

// UpdateHeartbeat resets the TTL clock for the component behind a
// connection. Unknown connections are a no-op: heartbeats may race with
// disconnection cleanup.
func (r *Registry) UpdateHeartbeat(connectionID string, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	componentID, exists := r.byConnection[connectionID]
	if !exists {
		return
	}
	rec := r.components[componentID]
	rec.component.LastHeartbeat = time.Now()
	if rec.component.Status != types.ComponentHealthy {
		rec.component.Status = types.ComponentHealthy
		log.Printf("Component recovered via heartbeat: id=%s", componentID)
	}
}

// CheckComponentHealth sweeps all components against the heartbeat TTL:
// age > TTL marks unhealthy, age > TTL/2 marks degraded. Status changes emit
// a notification side effect. The sweep only reads timestamps and writes
// statuses, so it tolerates concurrent registration.
func (r *Registry) CheckComponentHealth() {
	now := time.Now()
	var changed []types.Component

	r.mu.Lock()
	for id, rec := range r.components {
		age := now.Sub(rec.component.LastHeartbeat)
		next := rec.component.Status
		switch {
		case age > r.cfg.HeartbeatTTL:
			next = types.ComponentUnhealthy
		case age > r.cfg.HeartbeatTTL/2:
			next = types.ComponentDegraded
		}
		if next != rec.component.Status {
			rec.component.Status = next
			changed = append(changed, rec.component)
			log.Printf("Component status changed: id=%s status=%s heartbeat_age=%s", id, next, age.Truncate(time.Second))
		}
	}
	r.mu.Unlock()

	for i := range changed {
		r.notifyStatusChange(&changed[i])
	}
	if len(changed) > 0 {
		r.recomputeReadiness()
	}
}

// HandleDisconnection removes the component behind a closed connection and
// recomputes readiness. Idempotent: unknown connections are ignored.
func (r *Registry) HandleDisconnection(connectionID string) {
	r.mu.Lock()
	componentID, exists := r.byConnection[connectionID]
	var removed *types.Component
	if exists {
		delete(r.byConnection, connectionID)
		if rec, ok := r.components[componentID]; ok {
			// Only drop the component if this connection is still the one it
			// registered over; a re-registration may have replaced it already.
			if rec.component.ConnectionID == connectionID {
				delete(r.components, componentID)
				r.metrics.ConnectedComponents.WithLabelValues(rec.component.Type).Dec()
				c := rec.component
				c.Status = types.ComponentUnhealthy
				removed = &c
			}
		}
	}
	r.mu.Unlock()

	if removed != nil {
		log.Printf("Component disconnected: id=%s type=%s", removed.ID, removed.Type)
		r.notifyStatusChange(removed)
		r.recomputeReadiness()
	}
}

// IsSystemReady reports whether all required component types are present and
// not unhealthy.
func (r *Registry) IsSystemReady() bool {
	return len(r.MissingComponents()) == 0
}

// MissingComponents lists required component types that are absent or
// unhealthy, for ServiceUnavailable detail.
func (r *Registry) MissingComponents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	present := make(map[string]bool)
	for _, rec := range r.components {
		if rec.component.Status != types.ComponentUnhealthy {
			present[rec.component.Type] = true
		}
	}

	var missing []string
	for _, required := range requiredTypes {
		if !present[required] {
			missing = append(missing, required)
		}
	}
	return missing
}

// GetSystemReadiness returns the per-type presence map for diagnostics.
func (r *Registry) GetSystemReadiness() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	readiness := make(map[string]bool, len(requiredTypes))
	for _, required := range requiredTypes {
		readiness[required] = false
	}
	for _, rec := range r.components {
		if rec.component.Status != types.ComponentUnhealthy {
			readiness[rec.component.Type] = true
		}
	}
	return readiness
}

// GetHealthSummary returns component counts by status for health endpoints.
func (r *Registry) GetHealthSummary() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := map[string]int{
		types.ComponentHealthy:   0,
		types.ComponentDegraded:  0,
		types.ComponentUnhealthy: 0,
	}
	for _, rec := range r.components {
		summary[rec.component.Status]++
	}
	return summary
}

// Component returns a copy of one component record.
func (r *Registry) Component(id string) (*types.Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.components[id]
	if !exists {
		return nil, ErrUnknownComponent
	}
	c := rec.component
	return &c, nil
}

// Components returns copies of all registered components.
func (r *Registry) Components() []*types.Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Component, 0, len(r.components))
	for _, rec := range r.components {
		c := rec.component
		out = append(out, &c)
	}
	return out
}

// ClassroomSubscribers returns the connections of dashboards subscribed to a
// classroom, for event fan-out.
func (r *Registry) ClassroomSubscribers(classID string) []interfaces.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []interfaces.Sender
	for _, rec := range r.components {
		if rec.component.Type != types.ComponentDashboard || rec.conn == nil {
			continue
		}
		for _, subscribed := range rec.component.Classrooms {
			if subscribed == classID {
				conns = append(conns, rec.conn)
				break
			}
		}
	}
	return conns
}

// DashboardConnections returns every connected dashboard regardless of
// classroom scope.
func (r *Registry) DashboardConnections() []interfaces.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []interfaces.Sender
	for _, rec := range r.components {
		if rec.component.Type == types.ComponentDashboard && rec.conn != nil {
			conns = append(conns, rec.conn)
		}
	}
	return conns
}

// Start runs the two periodic loops: the component-health sweep and the
// aggregate system-health evaluation. Both operate on snapshots and never
// block event dispatch.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRegistryRunning
	}
	r.running = true
	r.mu.Unlock()

	go r.sweepLoop(ctx)
	go r.evaluationLoop(ctx)
	return nil
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CheckComponentHealth()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			summary := r.GetHealthSummary()
			log.Printf("System health: ready=%v healthy=%d degraded=%d unhealthy=%d",
				r.IsSystemReady(), summary[types.ComponentHealthy],
				summary[types.ComponentDegraded], summary[types.ComponentUnhealthy])
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) notifyStatusChange(c *types.Component) {
	if r.notify == nil {
		return
	}
	payload, err := json.Marshal(c)
	if err != nil {
		log.Printf("Failed to marshal component status notification: %v", err)
		return
	}
	r.notify(&types.EventEnvelope{
		Type:      types.EventComponentStatusChanged,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// recomputeReadiness logs readiness transitions so operators can see when
// the required collaborators come and go.
func (r *Registry) recomputeReadiness() {
	ready := r.IsSystemReady()

	r.mu.Lock()
	changed := ready != r.ready
	r.ready = ready
	r.mu.Unlock()

	if changed {
		if ready {
			log.Printf("System ready: all required components registered")
		} else {
			log.Printf("System not ready: missing %v", r.MissingComponents())
		}
	}
}
