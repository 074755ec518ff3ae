package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
	"conductor-ai/internal/security"
)

const (
	defaultKillGrace = 3 * time.Second
	maxRecordSize    = 4 * 1024 * 1024
	stderrTail       = 4096
)

// Record tags on the backend's NDJSON stdout.
const (
	tagPartialDelta   = "partial-delta"
	tagFinalResult    = "final-result"
	tagSystemInit     = "system-init"
	tagToolInvocation = "tool-invocation"
)

// SubprocessProvider runs an external agent CLI per execution and reads its
// newline-delimited JSON event stream from stdout. The prompt is written to
// the process's stdin.
type SubprocessProvider struct {
	name      string
	binary    string
	args      []string
	env       []string
	killGrace time.Duration
	guard     *security.PathGuard
	logger    *slog.Logger

	// onSpawn receives the pid of every started backend.
	onSpawn func(pid int)
}

// NewSubprocessProvider creates a subprocess provider. guard, when set,
// re-validates every workspace before the process starts.
func NewSubprocessProvider(cfg config.ProviderConfig, guard *security.PathGuard, logger *slog.Logger) *SubprocessProvider {
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	return &SubprocessProvider{
		name:      cfg.Name,
		binary:    cfg.Binary,
		args:      cfg.Args,
		env:       cfg.Env,
		killGrace: grace,
		guard:     guard,
		logger:    logger,
	}
}

func (p *SubprocessProvider) Name() string              { return p.name }
func (p *SubprocessProvider) Kind() domain.ProviderKind { return domain.KindSubprocess }

// IsAvailable reports whether the backend binary can be found.
func (p *SubprocessProvider) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(p.binary)
	return err == nil
}

// Execute implements domain.Provider. Cancelling ctx terminates the whole
// process group and returns ctx.Err() once the output reader has exited.
func (p *SubprocessProvider) Execute(ctx context.Context, req domain.ExecuteRequest, onChunk domain.ChunkFunc) (*domain.FinalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	workspace := req.Workspace
	if p.guard != nil {
		resolved, err := p.guard.Resolve(workspace)
		if err != nil {
			return nil, err
		}
		workspace = resolved
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, domain.NewProviderError(p.name, req.Model, domain.FailureUnavailable, "spawn", err)
	}
	defer pr.Close()

	stderr := &tailBuffer{max: stderrTail}
	cmd := exec.Command(p.binary, p.buildArgs(req, workspace)...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdin = strings.NewReader(renderPrompt(req))
	cmd.Stdout = pw
	cmd.Stderr = stderr
	cmd.WaitDelay = p.killGrace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, domain.NewProviderError(p.name, req.Model, domain.FailureUnavailable, "spawn", err)
	}
	pw.Close()

	pid := cmd.Process.Pid
	if p.onSpawn != nil {
		p.onSpawn(pid)
	}
	p.logger.Debug("backend started", "provider", p.name, "pid", pid, "model", req.Model)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	lines := make(chan []byte, 16)
	readerDone := make(chan struct{})
	go p.readLines(ctx, pr, lines, readerDone)

	var (
		final   *domain.FinalResult
		failure error
		partial strings.Builder
		waitErr error
		exited  bool
		drain   <-chan time.Time
	)
	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if res, err := p.handleRecord(line, req.Model, onChunk, &partial); res != nil || err != nil {
				final, failure = res, err
			}
		case waitErr = <-waitCh:
			// The lead process is gone; whatever still holds stdout gets the grace period.
			exited = true
			waitCh = nil
			drain = time.After(p.killGrace)
		case <-drain:
			killGroup(pid)
			pr.Close()
			drain = nil
		case <-ctx.Done():
			p.stop(pid, waitCh)
			pr.Close()
			<-readerDone
			p.logger.Debug("backend cancelled", "provider", p.name, "pid", pid)
			return nil, ctx.Err()
		}
	}
	pr.Close()

	if !exited {
		select {
		case waitErr = <-waitCh:
		case <-ctx.Done():
			p.stop(pid, waitCh)
			return nil, ctx.Err()
		}
	}
	killGroup(pid)

	switch {
	case failure != nil:
		return nil, failure
	case final != nil:
		final.Duration = time.Since(start)
		return final, nil
	case waitErr != nil:
		return nil, domain.NewProviderError(p.name, req.Model, domain.FailureUnavailable, "backend-exit",
			fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(stderr.String())))
	case partial.Len() > 0:
		return &domain.FinalResult{Text: partial.String(), Duration: time.Since(start), Model: req.Model}, nil
	default:
		return nil, domain.NewProviderError(p.name, req.Model, domain.FailureUnavailable, "no-output",
			errors.New("backend exited without a result"))
	}
}

// handleRecord processes one stdout record. It returns a non-nil result or
// error only for a final-result record.
func (p *SubprocessProvider) handleRecord(line []byte, model string, onChunk domain.ChunkFunc, partial *strings.Builder) (*domain.FinalResult, error) {
	if !gjson.ValidBytes(line) {
		p.logger.Debug("dropping unparseable record", "provider", p.name, "bytes", len(line))
		return nil, nil
	}

	switch tag := gjson.GetBytes(line, "type").String(); tag {
	case tagPartialDelta:
		text := gjson.GetBytes(line, "text").String()
		if text == "" {
			return nil, nil
		}
		partial.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
		return nil, nil

	case tagFinalResult:
		e, failed := errorMember(line)
		if failed || gjson.GetBytes(line, "is_error").Bool() {
			msg := ""
			if failed {
				msg = e.Get("message").String()
				if msg == "" {
					msg = e.String()
				}
			}
			if msg == "" {
				msg = gjson.GetBytes(line, "text").String()
			}
			return nil, domain.NewProviderError(p.name, model, classifyMessage(msg), "backend-error", errors.New(msg))
		}
		res := &domain.FinalResult{
			Text:         gjson.GetBytes(line, "text").String(),
			Model:        gjson.GetBytes(line, "model").String(),
			ResumeHandle: gjson.GetBytes(line, "session_id").String(),
			RunID:        gjson.GetBytes(line, "run_id").String(),
		}
		if res.Text == "" {
			res.Text = partial.String()
		}
		if res.Model == "" {
			res.Model = model
		}
		return res, nil

	case tagSystemInit, tagToolInvocation:
		p.logger.Debug("backend event", "provider", p.name, "type", tag)
		return nil, nil

	default:
		p.logger.Debug("ignoring record", "provider", p.name, "type", tag)
		return nil, nil
	}
}

// readLines forwards each non-empty stdout line until EOF, a read error, or ctx
// is done. Lines longer than maxRecordSize are drained and dropped so the
// backend never blocks on a full pipe.
func (p *SubprocessProvider) readLines(ctx context.Context, r io.Reader, out chan<- []byte, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	reader := bufio.NewReaderSize(r, 64*1024)
	var (
		buf     []byte
		dropped int
	)
	for {
		chunk, err := reader.ReadSlice('\n')
		if dropped > 0 || len(buf)+len(chunk) > maxRecordSize {
			dropped += len(buf) + len(chunk)
			buf = buf[:0]
		} else {
			buf = append(buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if dropped > 0 {
			p.logger.Debug("dropping oversized record", "provider", p.name, "bytes", dropped)
			dropped = 0
		} else if line := bytes.TrimSpace(buf); len(line) > 0 {
			select {
			case out <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		buf = buf[:0]

		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Debug("backend output ended", "provider", p.name, "error", err)
			}
			return
		}
	}
}

// stop sends SIGTERM to the process group, escalates to SIGKILL after the
// grace period and returns once the lead process has been waited for.
func (p *SubprocessProvider) stop(pid int, waitCh <-chan error) {
	if waitCh == nil {
		killGroup(pid)
		return
	}
	if err := terminateGroup(pid); err != nil {
		p.logger.Debug("terminate backend", "provider", p.name, "pid", pid, "error", err)
	}
	select {
	case <-waitCh:
	case <-time.After(p.killGrace):
		p.logger.Warn("backend ignored SIGTERM, killing", "provider", p.name, "pid", pid)
		killGroup(pid)
		<-waitCh
	}
	// Children that ignored SIGTERM may outlive the lead process.
	killGroup(pid)
}

func (p *SubprocessProvider) buildArgs(req domain.ExecuteRequest, workspace string) []string {
	args := append([]string(nil), p.args...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if a := req.Agent; a != nil {
		if a.Sandbox {
			args = append(args, "--sandbox")
		}
		if a.AutoApprove {
			args = append(args, "--auto-approve")
		}
		if a.SystemPrompt != "" {
			args = append(args, "--system-prompt", a.SystemPrompt)
		}
	}
	if workspace != "" {
		args = append(args, "--workspace", workspace)
	}
	if req.ResumeHandle != "" {
		args = append(args, "--resume", req.ResumeHandle)
	}
	return args
}

// renderPrompt prefixes the session history unless the backend resumes its own.
func renderPrompt(req domain.ExecuteRequest) string {
	if req.ResumeHandle != "" || len(req.History) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	for _, h := range req.History {
		fmt.Fprintf(&b, "[%s] %s\n", h.Role, h.Text)
	}
	b.WriteString("\n")
	b.WriteString(req.Prompt)
	return b.String()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

var _ domain.Provider = (*SubprocessProvider)(nil)
