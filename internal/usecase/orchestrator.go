package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/tracer"
	"conductor-ai/internal/security"
)

// Orchestrator defaults.
const (
	DefaultMaxDelegationDepth = 3
	DefaultTaskTimeout        = 10 * time.Minute
	DefaultSummaryEntries     = 6
	recentTaskCap             = 512
)

// errTaskCancelled is the cancellation cause for CancelTask and Shutdown.
var errTaskCancelled = errors.New("task cancelled")

// ProviderSource resolves a provider by name.
type ProviderSource interface {
	Get(name string) (domain.Provider, error)
}

// OrchestratorConfig tunes task execution.
type OrchestratorConfig struct {
	MaxDelegationDepth int
	TaskTimeout        time.Duration
	SummaryEntries     int
	FlushInterval      time.Duration
	FlushBytes         int
}

// OrchestratorDeps holds the collaborators of an Orchestrator. Workspaces,
// Journal, Health and Bus are optional.
type OrchestratorDeps struct {
	Agents     map[string]*domain.AgentConfig
	Chains     *FallbackChain
	Providers  ProviderSource
	Sessions   *SessionRegistry
	Limiter    *RateLimiter
	Guard      *security.PathGuard
	Parser     *DirectiveParser
	Workspaces domain.WorkspaceResolver
	Journal    domain.TaskJournal
	Health     domain.HealthReporter
	Bus        domain.EventBus
	Logger     *slog.Logger
}

// RunRequest asks for one prompt to be run under a role.
type RunRequest struct {
	ActorID        string
	ConversationID string
	Role           string
	Prompt         string
	// Workspace overrides the conversation's mapped workspace. Relative paths
	// are resolved against the workspace root.
	Workspace string
	// Sink receives the task's output. It may be nil when the caller only
	// follows the event bus or waits on Execute.
	Sink domain.Sink

	parentID string
	depth    int
}

// TaskResult is the terminal outcome of a task and the tasks it delegated to.
type TaskResult struct {
	TaskID   string              `json:"task_id"`
	State    domain.TaskState    `json:"state"`
	Text     string              `json:"text,omitempty"`
	Final    *domain.FinalResult `json:"final,omitempty"`
	Provider string              `json:"provider,omitempty"`
	Model    string              `json:"model,omitempty"`
	Attempts []domain.Attempt    `json:"attempts,omitempty"`
	Children []*TaskResult       `json:"children,omitempty"`
	Err      error               `json:"-"`

	directive *Directive
}

// task is the live state of one admitted task.
type task struct {
	mu        sync.Mutex
	id        string
	parentID  string
	key       domain.SessionKey
	depth     int
	state     domain.TaskState
	provider  string
	model     string
	attempts  []domain.Attempt
	startedAt time.Time
	cancel    context.CancelCauseFunc
	stopping  bool
}

func (t *task) record() domain.TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.TaskRecord{
		ID:        t.id,
		ParentID:  t.parentID,
		Key:       t.key,
		Depth:     t.depth,
		State:     t.state,
		Provider:  t.provider,
		Model:     t.model,
		Attempts:  append([]domain.Attempt(nil), t.attempts...),
		StartedAt: t.startedAt,
	}
}

// Orchestrator admits tasks, routes them through the fallback chain, streams
// provider output to the caller and delegates to other roles on request.
//
// Each task moves Admitted → Routed → Streaming → Completed|Failed|Cancelled.
// A provider-level failure loops back to Routed with the failed candidate
// recorded; anything else ends the task.
type Orchestrator struct {
	cfg        OrchestratorConfig
	agents     map[string]*domain.AgentConfig
	chains     *FallbackChain
	providers  ProviderSource
	sessions   *SessionRegistry
	limiter    *RateLimiter
	guard      *security.PathGuard
	parser     *DirectiveParser
	workspaces domain.WorkspaceResolver
	journal    domain.TaskJournal
	health     domain.HealthReporter
	bus        domain.EventBus
	logger     *slog.Logger
	now        func() time.Time // for testing

	mu     sync.Mutex
	tasks  map[string]*task
	recent map[string]domain.TaskRecord
	order  []string
	closed bool
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Chains == nil || deps.Providers == nil || deps.Sessions == nil || deps.Limiter == nil || deps.Guard == nil {
		return nil, fmt.Errorf("%w: orchestrator requires chains, providers, sessions, limiter and guard", domain.ErrInvalidConfig)
	}
	if cfg.MaxDelegationDepth < 0 {
		cfg.MaxDelegationDepth = DefaultMaxDelegationDepth
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.SummaryEntries <= 0 {
		cfg.SummaryEntries = DefaultSummaryEntries
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parser := deps.Parser
	if parser == nil {
		p, err := NewDirectiveParser(agentSet(deps.Agents), logger)
		if err != nil {
			return nil, err
		}
		parser = p
	}

	return &Orchestrator{
		cfg:        cfg,
		agents:     deps.Agents,
		chains:     deps.Chains,
		providers:  deps.Providers,
		sessions:   deps.Sessions,
		limiter:    deps.Limiter,
		guard:      deps.Guard,
		parser:     parser,
		workspaces: deps.Workspaces,
		journal:    deps.Journal,
		health:     deps.Health,
		bus:        deps.Bus,
		logger:     logger,
		now:        time.Now,
		tasks:      make(map[string]*task),
		recent:     make(map[string]domain.TaskRecord),
	}, nil
}

// agentSet adapts the role table to domain.RoleSet.
type agentSet map[string]*domain.AgentConfig

func (a agentSet) HasRole(role string) bool {
	_, ok := a[role]
	return ok
}

// admission is everything decided synchronously before a task starts.
type admission struct {
	task      *task
	agent     *domain.AgentConfig
	session   *Session
	workspace string
	ctx       context.Context
	req       RunRequest
}

// Run admits a task and executes it in the background. Admission failures
// (empty input, unknown role, delegation depth, workspace escape, rate limit)
// are returned synchronously and leave no trace in the session registry.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (string, error) {
	adm, err := o.admit(ctx, req)
	if err != nil {
		return "", err
	}
	go func() {
		defer o.wg.Done()
		o.execute(adm)
	}()
	return adm.task.id, nil
}

// Execute admits a task and runs it to completion, including any delegated
// sub-tasks. The returned error is the task's terminal error, if any.
func (o *Orchestrator) Execute(ctx context.Context, req RunRequest) (*TaskResult, error) {
	adm, err := o.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	defer o.wg.Done()
	res := o.execute(adm)
	return res, res.Err
}

func (o *Orchestrator) admit(ctx context.Context, req RunRequest) (*admission, error) {
	const op = "Orchestrator.Run"

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return nil, domain.NewDomainError(op, domain.ErrEmptyInput, "prompt is empty")
	}
	agent, ok := o.agents[req.Role]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrRoleNotFound, req.Role)
	}
	if req.depth > o.cfg.MaxDelegationDepth {
		return nil, domain.NewDomainError(op, domain.ErrDelegationDepth,
			fmt.Sprintf("depth %d exceeds %d", req.depth, o.cfg.MaxDelegationDepth))
	}

	requested := req.Workspace
	if requested == "" && o.workspaces != nil {
		requested = o.workspaces.WorkspaceFor(req.ConversationID)
	}
	workspace, err := o.guard.Resolve(requested)
	if err != nil {
		return nil, err
	}

	// Requests rejected during shutdown spend no quota.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrUnavailable, "orchestrator is shutting down")
	}
	if err := o.limiter.Admit(req.ActorID, agent.ActionClass()); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.wg.Add(1)
	o.mu.Unlock()

	key := domain.SessionKey{ActorID: req.ActorID, ConversationID: req.ConversationID, Role: req.Role}
	sess := o.sessions.acquire(key, agent)

	timeout := o.cfg.TaskTimeout
	if agent.Timeout > 0 {
		timeout = agent.Timeout
	}
	base := context.WithoutCancel(ctx)
	taskCtx, cancel := context.WithCancelCause(base)
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, timeout)
	stopSession := context.AfterFunc(sess.ctx, func() { cancel(context.Cause(sess.ctx)) })
	cancelAll := func(cause error) {
		cancel(cause)
		cancelTimeout()
		stopSession()
	}

	t := &task{
		id:        generateULID(o.now()),
		parentID:  req.parentID,
		key:       key,
		depth:     req.depth,
		state:     domain.TaskAdmitted,
		startedAt: o.now(),
		cancel:    cancelAll,
	}

	o.mu.Lock()
	o.tasks[t.id] = t
	o.mu.Unlock()

	o.logger.Info("task admitted",
		"task_id", t.id,
		"parent_task_id", t.parentID,
		"key", key.String(),
		"depth", t.depth,
		"workspace", workspace,
	)

	return &admission{task: t, agent: agent, session: sess, workspace: workspace, ctx: taskCtx, req: req}, nil
}

// execute drives an admitted task to a terminal state.
func (o *Orchestrator) execute(adm *admission) *TaskResult {
	t, sess, req := adm.task, adm.session, adm.req
	ctx, span := tracer.StartSpan(adm.ctx, "orchestrator.task")
	span.SetAttributes(tracer.SessionAttrs(req.ActorID, req.ConversationID, req.Role)...)
	span.SetAttributes(tracer.StringAttr("task.id", t.id), tracer.IntAttr("task.depth", t.depth))

	res := o.stream(ctx, adm)

	t.cancel(nil)
	o.sessions.release(sess)
	o.finish(t, res)
	tracer.Finish(span, res.Err)

	if res.State == domain.TaskCompleted {
		o.delegate(adm, res)
	}
	return res
}

// stream runs the Routed/Streaming loop until a candidate succeeds, the chain
// is exhausted, a task-level error occurs or the task is cancelled.
func (o *Orchestrator) stream(ctx context.Context, adm *admission) *TaskResult {
	t, sess, req := adm.task, adm.session, adm.req
	history := sess.History()
	var prev *Candidate

	for {
		if ctx.Err() != nil {
			return o.cancelled(ctx, adm)
		}

		o.transition(t, domain.TaskRouted)
		cand, err := o.chains.Select(req.Role, t.attemptsSnapshot())
		if err != nil {
			if len(t.attemptsSnapshot()) > 0 {
				o.reportHealth(ctx, "orchestrator", err, map[string]string{
					"task_id":               t.id,
					"role":                  req.Role,
					domain.HealthFieldActor: req.ActorID,
				})
			}
			return o.fail(ctx, adm, err)
		}

		if prev != nil {
			last := t.lastAttempt()
			o.deliver(ctx, req, domain.TaskEvent{
				TaskID:   t.id,
				Kind:     domain.TaskProviderSwitch,
				Provider: cand.Provider,
				Model:    cand.Model,
				Switch: &domain.ProviderSwitch{
					FromProvider: prev.Provider,
					FromModel:    prev.Model,
					ToProvider:   cand.Provider,
					ToModel:      cand.Model,
					Class:        last.Class,
					Reason:       last.Reason,
				},
			})
			o.logger.Warn("provider switch",
				"task_id", t.id,
				"from", prev.String(),
				"to", cand.String(),
				"class", string(last.Class),
			)
		}
		c := cand
		prev = &c

		p, err := o.providers.Get(cand.Provider)
		if err != nil {
			t.addAttempt(cand, domain.FailureUnavailable, "not-registered")
			continue
		}

		t.mu.Lock()
		t.provider, t.model = cand.Provider, cand.Model
		t.mu.Unlock()
		o.transition(t, domain.TaskStreaming)

		final, err := o.attempt(ctx, adm, p, cand, history)
		if err == nil {
			return o.complete(ctx, adm, cand, final)
		}
		if ctx.Err() != nil {
			return o.cancelled(ctx, adm)
		}
		if !domain.IsProviderFailure(err) {
			return o.fail(ctx, adm, err)
		}

		var pe *domain.ProviderError
		reason := ""
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		class := domain.ClassOf(err)
		t.addAttempt(cand, class, reason)
		o.logger.Warn("provider failed",
			"task_id", t.id,
			"provider", cand.Provider,
			"model", cand.Model,
			"class", string(class),
			"error", err,
		)
		if class == domain.FailureAuth {
			o.reportHealth(ctx, "provider:"+cand.Provider, err, map[string]string{
				"task_id":               t.id,
				"model":                 cand.Model,
				domain.HealthFieldActor: req.ActorID,
			})
		}
	}
}

// attempt executes one candidate with chunks coalesced and attributed to it.
func (o *Orchestrator) attempt(ctx context.Context, adm *admission, p domain.Provider, cand Candidate, history []domain.HistoryEntry) (*domain.FinalResult, error) {
	t, sess, req := adm.task, adm.session, adm.req

	ctx, span := tracer.StartSpan(ctx, "provider."+string(p.Kind())+".execute")
	span.SetAttributes(tracer.StringAttr("provider", cand.Provider), tracer.StringAttr("model", cand.Model))

	co := NewCoalescer(o.cfg.FlushInterval, o.cfg.FlushBytes, func(text string) {
		o.deliver(ctx, req, domain.TaskEvent{
			TaskID:   t.id,
			Kind:     domain.TaskChunk,
			Provider: cand.Provider,
			Model:    cand.Model,
			Text:     text,
		})
	})

	final, err := p.Execute(ctx, domain.ExecuteRequest{
		Agent:        adm.agent,
		Model:        cand.Model,
		Prompt:       req.Prompt,
		History:      history,
		Workspace:    adm.workspace,
		ResumeHandle: sess.ResumeHandle(),
	}, func(text string) {
		sess.touch(o.now())
		co.Write(text)
	})
	co.Close()
	tracer.Finish(span, err)
	return final, err
}

func (o *Orchestrator) complete(ctx context.Context, adm *admission, cand Candidate, final *domain.FinalResult) *TaskResult {
	t, sess, req := adm.task, adm.session, adm.req
	now := o.now()

	sess.appendHistory(now,
		domain.HistoryEntry{Role: domain.HistoryUser, Text: req.Prompt, Timestamp: now},
		domain.HistoryEntry{Role: domain.HistoryAssistant, Text: final.Text, Timestamp: now},
	)
	sess.setResumeHandle(final.ResumeHandle)

	parsed := o.parser.Parse(final.Text)
	model := final.Model
	if model == "" {
		model = cand.Model
	}

	o.transition(t, domain.TaskCompleted)
	o.deliver(ctx, req, domain.TaskEvent{
		TaskID:   t.id,
		Kind:     domain.TaskFinal,
		Provider: cand.Provider,
		Model:    model,
		Text:     parsed.Text,
		Final:    final,
	})

	res := o.result(t, domain.TaskCompleted, nil)
	res.Text = parsed.Text
	res.Final = final
	res.Model = model
	res.directive = parsed.Directive
	return res
}

func (o *Orchestrator) fail(ctx context.Context, adm *admission, err error) *TaskResult {
	t, req := adm.task, adm.req
	o.transition(t, domain.TaskFailed)

	attempts := t.attemptsSnapshot()
	o.deliver(ctx, req, domain.TaskEvent{
		TaskID: t.id,
		Kind:   domain.TaskError,
		Error: &domain.ErrorSummary{
			Code:     domain.ErrorCodeOf(err),
			Message:  err.Error(),
			Attempts: attempts,
		},
	})
	o.logger.Error("task failed", "task_id", t.id, "key", t.key.String(), "attempts", len(attempts), "error", err)
	return o.result(t, domain.TaskFailed, err)
}

func (o *Orchestrator) cancelled(ctx context.Context, adm *admission) *TaskResult {
	t, req := adm.task, adm.req
	o.transition(t, domain.TaskCanceled)

	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	o.deliver(ctx, req, domain.TaskEvent{
		TaskID: t.id,
		Kind:   domain.TaskCancelled,
		Error:  &domain.ErrorSummary{Code: domain.CodeCancelled, Message: cause.Error()},
	})
	o.logger.Info("task cancelled", "task_id", t.id, "key", t.key.String(), "cause", cause)
	return o.result(t, domain.TaskCanceled, fmt.Errorf("task %s: %w", t.id, cause))
}

func (o *Orchestrator) result(t *task, state domain.TaskState, err error) *TaskResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &TaskResult{
		TaskID:   t.id,
		State:    state,
		Provider: t.provider,
		Model:    t.model,
		Attempts: append([]domain.Attempt(nil), t.attempts...),
		Err:      err,
	}
}

func (t *task) attemptsSnapshot() []domain.Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Attempt(nil), t.attempts...)
}

func (t *task) lastAttempt() domain.Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.attempts) == 0 {
		return domain.Attempt{}
	}
	return t.attempts[len(t.attempts)-1]
}

func (t *task) addAttempt(c Candidate, class domain.FailureClass, reason string) {
	t.mu.Lock()
	t.attempts = append(t.attempts, domain.Attempt{
		Provider: c.Provider,
		Model:    c.Model,
		Rank:     c.Rank,
		Class:    class,
		Reason:   reason,
	})
	t.mu.Unlock()
}

func (o *Orchestrator) transition(t *task, to domain.TaskState) {
	t.mu.Lock()
	from := t.state
	if from.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.mu.Unlock()
	o.logger.Debug("task transition", "task_id", t.id, "from", string(from), "to", string(to))
}

// deliver stamps ev and hands it to the request's sink and the event bus.
// Delivery ignores task cancellation so the final flush and the cancellation
// notice still reach the caller.
func (o *Orchestrator) deliver(ctx context.Context, req RunRequest, ev domain.TaskEvent) {
	ctx = context.WithoutCancel(ctx)
	ev.ParentTaskID = req.parentID
	ev.Key = domain.SessionKey{ActorID: req.ActorID, ConversationID: req.ConversationID, Role: req.Role}
	ev.Timestamp = o.now()

	if req.Sink != nil {
		req.Sink.Deliver(ctx, ev)
	}
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		o.logger.Warn("marshal task event", "task_id", ev.TaskID, "error", err)
		return
	}
	o.bus.Publish(ctx, domain.Event{
		Type:      taskEventType(ev.Kind),
		Timestamp: ev.Timestamp,
		SessionID: ev.Key.String(),
		ActorID:   req.ActorID,
		Payload:   payload,
	})
}

func taskEventType(k domain.TaskEventKind) domain.EventType {
	switch k {
	case domain.TaskChunk:
		return domain.EventTaskChunk
	case domain.TaskFinal:
		return domain.EventTaskCompleted
	case domain.TaskError:
		return domain.EventTaskFailed
	case domain.TaskProviderSwitch:
		return domain.EventProviderSwitch
	case domain.TaskCancelled:
		return domain.EventTaskCancelled
	case domain.TaskDelegated:
		return domain.EventTaskDelegated
	default:
		return domain.EventTaskChunk
	}
}

// finish journals a terminal task and moves it from the live table to the
// recent-results table.
func (o *Orchestrator) finish(t *task, res *TaskResult) {
	rec := t.record()
	rec.EndedAt = o.now()
	if res.Err != nil {
		rec.ErrorCode = domain.ErrorCodeOf(res.Err)
		rec.ErrorMessage = res.Err.Error()
	}

	o.mu.Lock()
	delete(o.tasks, t.id)
	o.recent[t.id] = rec
	o.order = append(o.order, t.id)
	if len(o.order) > recentTaskCap {
		delete(o.recent, o.order[0])
		o.order = o.order[1:]
	}
	o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.Record(context.Background(), rec); err != nil {
			o.logger.Warn("journal task", "task_id", t.id, "error", err)
		}
	}
	o.logger.Info("task finished",
		"task_id", t.id,
		"state", string(rec.State),
		"provider", rec.Provider,
		"model", rec.Model,
		"duration", rec.EndedAt.Sub(rec.StartedAt),
	)
}

// delegate runs the sub-task requested by a completed task's directive.
func (o *Orchestrator) delegate(parent *admission, res *TaskResult) {
	d := res.directive
	if d == nil {
		return
	}
	t, req := parent.task, parent.req

	child := RunRequest{
		ActorID:        req.ActorID,
		ConversationID: req.ConversationID,
		Role:           d.Agent,
		Prompt:         o.delegationPrompt(parent, d),
		Workspace:      parent.workspace,
		Sink:           req.Sink,
		parentID:       t.id,
		depth:          t.depth + 1,
	}
	adm, err := o.admit(parent.ctx, child)
	if err != nil {
		o.logger.Warn("delegation refused", "task_id", t.id, "role", d.Agent, "error", err)
		o.deliver(parent.ctx, req, domain.TaskEvent{
			TaskID: t.id,
			Kind:   domain.TaskError,
			Error:  &domain.ErrorSummary{Code: domain.ErrorCodeOf(err), Message: "delegation to " + d.Agent + ": " + err.Error()},
		})
		res.Children = append(res.Children, &TaskResult{State: domain.TaskFailed, Err: err})
		return
	}

	o.deliver(parent.ctx, req, domain.TaskEvent{
		TaskID:     t.id,
		Kind:       domain.TaskDelegated,
		Delegation: &domain.Delegation{ChildTaskID: adm.task.id, Role: d.Agent, Reason: d.Reason},
	})
	defer o.wg.Done()
	// Cancelling the delegating session also cancels the sub-task.
	stop := context.AfterFunc(parent.session.ctx, func() { adm.task.cancel(context.Cause(parent.session.ctx)) })
	defer stop()
	res.Children = append(res.Children, o.execute(adm))
}

// delegationPrompt prefixes the delegated prompt with a summary of the
// delegating session.
func (o *Orchestrator) delegationPrompt(parent *admission, d *Directive) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[system] Delegated by role %q (task %s).\n", parent.req.Role, parent.task.id)
	if d.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", d.Reason)
	}

	history := parent.session.History()
	if n := len(history); n > o.cfg.SummaryEntries {
		history = history[n-o.cfg.SummaryEntries:]
	}
	if len(history) > 0 {
		b.WriteString("Context from the delegating session:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s: %s\n", h.Role, clip(h.Text, 500))
		}
	}
	b.WriteString("\n")
	b.WriteString(d.Prompt)
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (o *Orchestrator) reportHealth(ctx context.Context, component string, err error, fields map[string]string) {
	if o.health == nil {
		return
	}
	o.health.Report(context.WithoutCancel(ctx), component, err, fields)
}

// Cancel cancels the session of (actor, conversation, role) and with it any
// task running on it. The session stays registered as Cancelled. It reports
// whether this call cancelled anything; repeated calls are no-ops.
func (o *Orchestrator) Cancel(actorID, conversationID, role string) bool {
	return o.sessions.Cancel(domain.SessionKey{ActorID: actorID, ConversationID: conversationID, Role: role})
}

// CancelTask cancels one running task without touching its session.
// Repeated calls are no-ops.
func (o *Orchestrator) CancelTask(taskID string) bool {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	if t.stopping || t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.stopping = true
	t.mu.Unlock()

	t.cancel(errTaskCancelled)
	return true
}

// TaskStatus returns the state of a live or recently finished task, falling
// back to the journal.
func (o *Orchestrator) TaskStatus(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	o.mu.Lock()
	t, live := o.tasks[taskID]
	rec, recent := o.recent[taskID]
	o.mu.Unlock()

	switch {
	case live:
		r := t.record()
		return &r, nil
	case recent:
		return &rec, nil
	case o.journal != nil:
		return o.journal.Get(ctx, taskID)
	}
	return nil, domain.NewDomainError("Orchestrator.TaskStatus", domain.ErrTaskNotFound, taskID)
}

// Running returns the number of tasks not yet terminal.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// Shutdown stops admitting tasks and waits for running ones. When ctx ends
// first, the remaining tasks are cancelled and waited for.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	o.mu.Lock()
	live := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		live = append(live, t)
	}
	o.mu.Unlock()
	for _, t := range live {
		t.cancel(errTaskCancelled)
	}
	<-done
	return ctx.Err()
}
