package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"conductor-ai/internal/domain"
	"conductor-ai/internal/usecase"
)

// maxMessageLen is the longest message the chat backend accepts.
const maxMessageLen = 2000

// TaskRunner starts and cancels tasks.
type TaskRunner interface {
	Run(ctx context.Context, req usecase.RunRequest) (string, error)
	Cancel(actorID, conversationID, role string) bool
}

// SessionLister lists the sessions of one conversation.
type SessionLister interface {
	ListActive(actorID, conversationID string) []domain.SessionSummary
}

// QuotaReporter reports rate-limit usage.
type QuotaReporter interface {
	Status(actor, class string) usecase.RateStatus
}

// CommandRouterDeps holds the collaborators of a CommandRouter.
type CommandRouterDeps struct {
	Runner   TaskRunner
	Sessions SessionLister
	Quota    QuotaReporter
	Classes  []string
	Logger   *slog.Logger
}

// CommandRouter turns chat messages into orchestrator calls and renders task
// output back to the conversation it came from.
//
//	!run <role> <prompt>
//	!cancel <role>
//	!sessions
//	!quota
//	!help
type CommandRouter struct {
	prefix string
	deps   CommandRouterDeps
	send   func(ctx context.Context, msg domain.OutboundMessage) error
}

// NewCommandRouter creates a router that replies through send. An empty
// prefix defaults to "!".
func NewCommandRouter(prefix string, deps CommandRouterDeps, send func(context.Context, domain.OutboundMessage) error) *CommandRouter {
	if prefix == "" {
		prefix = "!"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &CommandRouter{prefix: prefix, deps: deps, send: send}
}

// Handle is a domain.MessageHandler. Messages without the command prefix are
// ignored.
func (r *CommandRouter) Handle(ctx context.Context, msg domain.InboundMessage) error {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, r.prefix) {
		return nil
	}
	cmd, rest, _ := strings.Cut(strings.TrimPrefix(content, r.prefix), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "run":
		return r.run(ctx, msg, rest)
	case "cancel":
		return r.cancel(ctx, msg, rest)
	case "sessions":
		return r.sessions(ctx, msg)
	case "quota":
		return r.quota(ctx, msg)
	case "help":
		return r.reply(ctx, msg, r.helpText(), false)
	default:
		return r.reply(ctx, msg, fmt.Sprintf("unknown command %q, try %shelp", cmd, r.prefix), true)
	}
}

func (r *CommandRouter) run(ctx context.Context, msg domain.InboundMessage, args string) error {
	role, prompt, _ := strings.Cut(args, " ")
	if role == "" || strings.TrimSpace(prompt) == "" {
		return r.reply(ctx, msg, "usage: "+r.prefix+"run <role> <prompt>", true)
	}

	renderer := &taskRenderer{router: r, msg: msg}
	_, err := r.deps.Runner.Run(ctx, usecase.RunRequest{
		ActorID:        msg.ActorID,
		ConversationID: msg.ConversationID,
		Role:           role,
		Prompt:         prompt,
		Sink:           renderer,
	})
	if err != nil {
		return r.reply(ctx, msg, describeError(err), true)
	}
	return nil
}

func (r *CommandRouter) cancel(ctx context.Context, msg domain.InboundMessage, role string) error {
	if role == "" {
		return r.reply(ctx, msg, "usage: "+r.prefix+"cancel <role>", true)
	}
	if !r.deps.Runner.Cancel(msg.ActorID, msg.ConversationID, role) {
		return r.reply(ctx, msg, fmt.Sprintf("no active session for %s", role), false)
	}
	return r.reply(ctx, msg, fmt.Sprintf("cancelled %s", role), false)
}

func (r *CommandRouter) sessions(ctx context.Context, msg domain.InboundMessage) error {
	list := r.deps.Sessions.ListActive(msg.ActorID, msg.ConversationID)
	if len(list) == 0 {
		return r.reply(ctx, msg, "no active sessions", false)
	}
	var b strings.Builder
	for _, s := range list {
		fmt.Fprintf(&b, "%s: %s, %d in flight, idle %s\n",
			s.Key.Role, s.Status, s.InFlight, time.Since(s.LastActivity).Round(time.Second))
	}
	return r.reply(ctx, msg, strings.TrimRight(b.String(), "\n"), false)
}

func (r *CommandRouter) quota(ctx context.Context, msg domain.InboundMessage) error {
	var b strings.Builder
	for _, class := range r.deps.Classes {
		st := r.deps.Quota.Status(msg.ActorID, class)
		if st.Limit == 0 {
			fmt.Fprintf(&b, "%s: unlimited\n", class)
			continue
		}
		fmt.Fprintf(&b, "%s: %d/%d per %s", class, st.Used, st.Limit, st.Window)
		if st.ResetIn > 0 {
			fmt.Fprintf(&b, ", resets in %s", st.ResetIn.Round(time.Second))
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return r.reply(ctx, msg, "no rate limits configured", false)
	}
	return r.reply(ctx, msg, strings.TrimRight(b.String(), "\n"), false)
}

func (r *CommandRouter) helpText() string {
	p := r.prefix
	return "**Commands**\n" +
		"`" + p + "run <role> <prompt>` start a task for a role\n" +
		"`" + p + "cancel <role>` cancel the role's session\n" +
		"`" + p + "sessions` list sessions in this conversation\n" +
		"`" + p + "quota` show rate-limit usage"
}

// reply sends content to the conversation, split into backend-sized parts.
func (r *CommandRouter) reply(ctx context.Context, msg domain.InboundMessage, content string, isError bool) error {
	for _, part := range splitMessage(content, maxMessageLen) {
		err := r.send(ctx, domain.OutboundMessage{
			ConversationID: msg.ConversationID,
			Content:        part,
			IsError:        isError,
			ReplyToID:      msg.ReplyToID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// taskRenderer is the sink of one task started from chat and any sub-tasks
// it delegates.
type taskRenderer struct {
	router *CommandRouter
	msg    domain.InboundMessage

	mu       sync.Mutex
	streamed map[string]bool // task ID -> chunks already sent
}

// markStreamed reports whether taskID already streamed a chunk and records
// one when set is true.
func (t *taskRenderer) markStreamed(taskID string, set bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamed == nil {
		t.streamed = make(map[string]bool)
	}
	seen := t.streamed[taskID]
	if set {
		t.streamed[taskID] = true
	}
	return seen
}

func (t *taskRenderer) Deliver(ctx context.Context, ev domain.TaskEvent) {
	var (
		content string
		isError bool
	)
	switch ev.Kind {
	case domain.TaskChunk:
		t.markStreamed(ev.TaskID, true)
		content = ev.Text
	case domain.TaskFinal:
		if t.markStreamed(ev.TaskID, false) || ev.Final == nil {
			return
		}
		content = ev.Final.Text
	case domain.TaskProviderSwitch:
		s := ev.Switch
		content = fmt.Sprintf("_%s/%s unavailable (%s), switching to %s/%s_",
			s.FromProvider, s.FromModel, s.Class, s.ToProvider, s.ToModel)
	case domain.TaskError:
		isError = true
		content = fmt.Sprintf("[%s] %s", ev.Error.Code, ev.Error.Message)
	case domain.TaskCancelled:
		content = fmt.Sprintf("%s task cancelled", ev.Key.Role)
	case domain.TaskDelegated:
		content = fmt.Sprintf("_%s delegated to %s_", ev.Key.Role, ev.Delegation.Role)
	}
	if content == "" {
		return
	}
	if err := t.router.reply(ctx, t.msg, content, isError); err != nil {
		t.router.deps.Logger.Warn("chat delivery failed", "task_id", ev.TaskID, "error", err)
	}
}

func describeError(err error) string {
	return fmt.Sprintf("[%s] %s", domain.ErrorCodeOf(err), err)
}

// splitMessage breaks s into parts of at most n bytes, preferring line
// boundaries.
func splitMessage(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var parts []string
	for len(s) > n {
		cut := strings.LastIndexByte(s[:n], '\n')
		if cut <= 0 {
			cut = n
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		parts = append(parts, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
