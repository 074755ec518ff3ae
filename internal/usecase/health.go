package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"conductor-ai/internal/domain"
)

// ComponentHealth is the failure record of one component.
type ComponentHealth struct {
	Component string    `json:"component"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error"`
	LastAt    time.Time `json:"last_at"`
}

// HealthMonitor records unrecoverable failures. Each report is logged at
// error level and published as an EventHealthReport.
type HealthMonitor struct {
	bus    domain.EventBus // may be nil
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	components map[string]*ComponentHealth
}

var _ domain.HealthReporter = (*HealthMonitor)(nil)

// NewHealthMonitor creates a monitor. bus may be nil.
func NewHealthMonitor(bus domain.EventBus, logger *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		components: make(map[string]*ComponentHealth),
	}
}

// Report implements domain.HealthReporter.
func (h *HealthMonitor) Report(ctx context.Context, component string, err error, fields map[string]string) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	now := h.now()

	h.mu.Lock()
	c, ok := h.components[component]
	if !ok {
		c = &ComponentHealth{Component: component}
		h.components[component] = c
	}
	c.Failures++
	c.LastError = msg
	c.LastAt = now
	failures := c.Failures
	h.mu.Unlock()

	attrs := []any{"component", component, "failures", failures, "error", msg}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	h.logger.Error("health report", attrs...)

	if h.bus == nil {
		return
	}
	payload, mErr := json.Marshal(domain.HealthPayload{Component: component, Error: msg, Fields: fields})
	if mErr != nil {
		return
	}
	h.bus.Publish(ctx, domain.Event{
		Type:      domain.EventHealthReport,
		Timestamp: now,
		ActorID:   fields[domain.HealthFieldActor],
		Payload:   payload,
	})
}

// Snapshot returns the failure records sorted by component name.
func (h *HealthMonitor) Snapshot() []ComponentHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ComponentHealth, 0, len(h.components))
	for _, c := range h.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
