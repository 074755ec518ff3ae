package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"conductor-ai/internal/adapter/provider"
	"conductor-ai/internal/domain"
	"conductor-ai/internal/usecase"
)

// ProviderStatuser reports provider availability.
type ProviderStatuser interface {
	Status(ctx context.Context) []provider.ProviderStatus
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Orchestrator *usecase.Orchestrator
	Sessions     *usecase.SessionRegistry
	Limiter      *usecase.RateLimiter
	Providers    ProviderStatuser
	Journal      domain.TaskJournal     // can be nil
	Health       *usecase.HealthMonitor // can be nil
	RateClasses  []string               // classes reported by ratelimit.status
	Bus          domain.EventBus
	Logger       *slog.Logger
}

// RegisterRESTHandlers registers HTTP REST endpoints on the gateway server.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	if deps.Bus != nil {
		deps.Bus.Subscribe(domain.EventTaskCompleted, func(context.Context, domain.Event) {
			metrics.TasksCompleted.Add(1)
		})
		deps.Bus.Subscribe(domain.EventTaskFailed, func(context.Context, domain.Event) {
			metrics.TasksFailed.Add(1)
		})
		deps.Bus.Subscribe(domain.EventTaskCancelled, func(context.Context, domain.Event) {
			metrics.TasksCancelled.Add(1)
		})
		deps.Bus.Subscribe(domain.EventTaskDelegated, func(context.Context, domain.Event) {
			metrics.Delegations.Add(1)
		})
		deps.Bus.Subscribe(domain.EventProviderSwitch, func(context.Context, domain.Event) {
			metrics.ProviderSwitches.Add(1)
		})
		deps.Bus.Subscribe(domain.EventSessionCreated, func(context.Context, domain.Event) {
			metrics.SessionsTotal.Add(1)
		})
	}

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(bearerToken(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(deps, startTime)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(deps, startTime, metrics)))

	return metrics
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("task.run", taskRunHandler(deps))
	s.RegisterHandler("task.cancel", taskCancelHandler(deps))
	s.RegisterHandler("task.status", taskStatusHandler(deps))
	s.RegisterHandler("session.list", sessionListHandler(deps))
	s.RegisterHandler("ratelimit.status", rateLimitStatusHandler(deps))
	s.RegisterHandler("provider.list", providerListHandler(deps))

	if deps.Journal != nil {
		s.RegisterHandler("task.list", taskListHandler(deps))
	}
	if deps.Health != nil {
		s.RegisterHandler("health.status", healthStatusHandler(deps))
	}
}

// --- tasks ---

type taskRunRequest struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Prompt         string `json:"prompt"`
	Workspace      string `json:"workspace,omitempty"`
}

type taskRunResponse struct {
	TaskID string `json:"task_id"`
}

// taskRunHandler admits a task and returns immediately. Task output reaches
// the client as forwarded task.* events.
func taskRunHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req taskRunRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ConversationID == "" || req.Role == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		id, err := deps.Orchestrator.Run(ctx, usecase.RunRequest{
			ActorID:        client.Name,
			ConversationID: req.ConversationID,
			Role:           req.Role,
			Prompt:         req.Prompt,
			Workspace:      req.Workspace,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(taskRunResponse{TaskID: id})
	}
}

type taskCancelRequest struct {
	TaskID         string `json:"task_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role,omitempty"`
}

// taskCancelHandler cancels one task by ID, or a whole session by
// (conversation, role).
func taskCancelHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req taskCancelRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}

		var cancelled bool
		switch {
		case req.TaskID != "":
			rec, err := deps.Orchestrator.TaskStatus(ctx, req.TaskID)
			if err != nil {
				return nil, err
			}
			if rec.Key.ActorID != client.Name {
				return nil, domain.NewDomainError("task.cancel", domain.ErrTaskNotFound, req.TaskID)
			}
			cancelled = deps.Orchestrator.CancelTask(req.TaskID)
		case req.ConversationID != "" && req.Role != "":
			cancelled = deps.Orchestrator.Cancel(client.Name, req.ConversationID, req.Role)
		default:
			return nil, domain.ErrRPCInvalidPayload
		}
		return json.Marshal(map[string]bool{"cancelled": cancelled})
	}
}

type taskStatusRequest struct {
	TaskID string `json:"task_id"`
}

func taskStatusHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req taskStatusRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.TaskID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		rec, err := deps.Orchestrator.TaskStatus(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if rec.Key.ActorID != client.Name {
			return nil, domain.NewDomainError("task.status", domain.ErrTaskNotFound, req.TaskID)
		}
		return json.Marshal(rec)
	}
}

type taskListRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

func taskListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req taskListRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ConversationID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		recs, err := deps.Journal.ListByConversation(ctx, client.Name, req.ConversationID, req.Limit)
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = []domain.TaskRecord{}
		}
		return json.Marshal(recs)
	}
}

// --- sessions ---

type sessionListRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

func sessionListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req sessionListRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.ErrRPCInvalidPayload
			}
		}

		if req.ConversationID != "" {
			return json.Marshal(deps.Sessions.ListActive(client.Name, req.ConversationID))
		}
		out := []domain.SessionSummary{}
		for _, s := range deps.Sessions.All() {
			if s.Key.ActorID == client.Name {
				out = append(out, s)
			}
		}
		return json.Marshal(out)
	}
}

// --- quota ---

func rateLimitStatusHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		out := make([]usecase.RateStatus, 0, len(deps.RateClasses))
		for _, class := range deps.RateClasses {
			out = append(out, deps.Limiter.Status(client.Name, class))
		}
		return json.Marshal(out)
	}
}

// --- providers & health ---

func providerListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return json.Marshal(deps.Providers.Status(probeCtx))
	}
}

func healthStatusHandler(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Health.Snapshot())
	}
}
