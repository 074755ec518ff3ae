//go:build unix

package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
)

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newScriptProvider(t *testing.T, body string) *SubprocessProvider {
	t.Helper()
	return NewSubprocessProvider(config.ProviderConfig{
		Name:      "cli",
		Type:      "subprocess",
		Binary:    writeScript(t, body),
		KillGrace: 300 * time.Millisecond,
	}, nil, slog.Default())
}

// processGone reports whether pid no longer exists (or is a zombie waiting to be reaped by init).
func processGone(pid int) bool {
	err := syscall.Kill(pid, 0)
	if errors.Is(err, syscall.ESRCH) {
		return true
	}
	data, readErr := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if readErr != nil {
		return false
	}
	fields := strings.Fields(string(data))
	return len(fields) > 2 && fields[2] == "Z"
}

func TestSubprocessStreamsDeltasAndFinalResult(t *testing.T) {
	p := newScriptProvider(t, `
cat >/dev/null
echo '{"type":"system-init","session_id":"s1"}'
echo '{"type":"partial-delta","text":"Hel"}'
echo 'not json at all'
echo '{"type":"tool-invocation","name":"edit"}'
echo '{"type":"partial-delta","text":"lo"}'
echo '{"type":"final-result","text":"Hello","model":"gen2","session_id":"resume-1","run_id":"r-9"}'
`)

	var chunks []string
	res, err := p.Execute(context.Background(), domain.ExecuteRequest{Model: "gen2", Prompt: "hi"}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, "gen2", res.Model)
	assert.Equal(t, "resume-1", res.ResumeHandle)
	assert.Equal(t, "r-9", res.RunID)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestSubprocessPromptOnStdin(t *testing.T) {
	p := newScriptProvider(t, `
read line
printf '{"type":"final-result","text":"%s"}\n' "$line"
`)
	res, err := p.Execute(context.Background(), domain.ExecuteRequest{Prompt: "echo me"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "echo me", res.Text)
}

func TestSubprocessArgs(t *testing.T) {
	p := newScriptProvider(t, `
printf '{"type":"final-result","text":"%s"}\n' "$*"
`)
	dir := t.TempDir()
	res, err := p.Execute(context.Background(), domain.ExecuteRequest{
		Agent:        &domain.AgentConfig{Role: "builder", Sandbox: true},
		Model:        "gen1",
		Prompt:       "x",
		Workspace:    dir,
		ResumeHandle: "abc",
	}, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "--model gen1")
	assert.Contains(t, res.Text, "--sandbox")
	assert.Contains(t, res.Text, "--workspace "+dir)
	assert.Contains(t, res.Text, "--resume abc")
}

func TestSubprocessPartialTextWithoutFinal(t *testing.T) {
	p := newScriptProvider(t, `
echo '{"type":"partial-delta","text":"only "}'
echo '{"type":"partial-delta","text":"partial"}'
`)
	res, err := p.Execute(context.Background(), domain.ExecuteRequest{Model: "gen2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "only partial", res.Text)
	assert.Equal(t, "gen2", res.Model)
}

func TestSubprocessNoOutput(t *testing.T) {
	p := newScriptProvider(t, "exit 0\n")
	_, err := p.Execute(context.Background(), domain.ExecuteRequest{}, nil)
	require.Error(t, err)

	var pe *domain.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, domain.FailureUnavailable, pe.Class)
	assert.Equal(t, "no-output", pe.Reason)
}

func TestSubprocessNonZeroExit(t *testing.T) {
	p := newScriptProvider(t, `
echo "backend exploded" >&2
exit 3
`)
	_, err := p.Execute(context.Background(), domain.ExecuteRequest{Model: "gen2"}, nil)
	require.Error(t, err)

	var pe *domain.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "backend-exit", pe.Reason)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestSubprocessErrorResultClassified(t *testing.T) {
	p := newScriptProvider(t, `
echo '{"type":"final-result","is_error":true,"text":"Rate limit reached for this account"}'
`)
	_, err := p.Execute(context.Background(), domain.ExecuteRequest{Model: "gen2"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, domain.FailureQuotaExceeded, domain.ClassOf(err))
}

func TestSubprocessNullErrorFieldIsSuccess(t *testing.T) {
	p := newScriptProvider(t, `
echo '{"type":"partial-delta","text":"ok"}'
echo '{"type":"final-result","text":"ok","error":null}'
`)
	res, err := p.Execute(context.Background(), domain.ExecuteRequest{Model: "gen2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
}

func TestSubprocessErrorObjectMessage(t *testing.T) {
	p := newScriptProvider(t, `
echo '{"type":"final-result","error":{"message":"invalid api key"}}'
`)
	_, err := p.Execute(context.Background(), domain.ExecuteRequest{Model: "gen2"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestSubprocessOversizedRecordDropped(t *testing.T) {
	p := newScriptProvider(t, `
cat >/dev/null
echo '{"type":"partial-delta","text":"a"}'
head -c 5000000 /dev/zero | tr '\0' x
echo
echo '{"type":"final-result","text":"done"}'
`)
	var chunks []string
	res, err := p.Execute(context.Background(), domain.ExecuteRequest{Model: "gen2", Prompt: "hi"}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, chunks)
	assert.Equal(t, "done", res.Text)
}

func TestReadLinesSkipsOversizedLine(t *testing.T) {
	p := newScriptProvider(t, "exit 0\n")
	input := "first\n" + strings.Repeat("y", maxRecordSize+10) + "\n\n  second  \nlast"

	out := make(chan []byte, 8)
	done := make(chan struct{})
	p.readLines(context.Background(), strings.NewReader(input), out, done)
	<-done

	var got []string
	for line := range out {
		got = append(got, string(line))
	}
	assert.Equal(t, []string{"first", "second", "last"}, got)
}

func TestSubprocessMissingBinary(t *testing.T) {
	p := NewSubprocessProvider(config.ProviderConfig{Name: "cli", Binary: "/nonexistent/agent-cli"}, nil, slog.Default())
	assert.False(t, p.IsAvailable(context.Background()))

	_, err := p.Execute(context.Background(), domain.ExecuteRequest{}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.FailureUnavailable, domain.ClassOf(err))
}

func TestSubprocessCancelKillsProcessTree(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pidFile := filepath.Join(t.TempDir(), "child.pid")
	p := newScriptProvider(t, `
sleep 60 &
echo $! > `+pidFile+`
echo '{"type":"partial-delta","text":"working"}'
wait
`)

	var mu sync.Mutex
	var leader int
	p.onSpawn = func(pid int) {
		mu.Lock()
		leader = pid
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, domain.ExecuteRequest{Prompt: "long job"}, func(string) {
			once.Do(func() { close(started) })
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("backend never produced output")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	child, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	mu.Lock()
	lead := leader
	mu.Unlock()

	assert.Eventually(t, func() bool { return processGone(lead) && processGone(child) },
		500*time.Millisecond, 20*time.Millisecond, "backend processes still running")
}

func TestSubprocessCancelEscalatesToKill(t *testing.T) {
	p := newScriptProvider(t, `
trap '' TERM
echo '{"type":"partial-delta","text":"stubborn"}'
while true; do sleep 0.05; done
`)
	var mu sync.Mutex
	var leader int
	p.onSpawn = func(pid int) {
		mu.Lock()
		leader = pid
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, domain.ExecuteRequest{}, func(string) { once.Do(func() { close(started) }) })
		done <- err
	}()

	<-started
	begin := time.Now()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.GreaterOrEqual(t, time.Since(begin), p.killGrace)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}

	mu.Lock()
	lead := leader
	mu.Unlock()
	assert.Eventually(t, func() bool { return processGone(lead) }, 500*time.Millisecond, 20*time.Millisecond)
}

func TestSubprocessCancelledBeforeStart(t *testing.T) {
	p := newScriptProvider(t, "echo never\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spawned := false
	p.onSpawn = func(int) { spawned = true }
	_, err := p.Execute(ctx, domain.ExecuteRequest{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, spawned)
}

func TestRenderPromptHistory(t *testing.T) {
	req := domain.ExecuteRequest{
		Prompt: "next",
		History: []domain.HistoryEntry{
			{Role: domain.HistoryUser, Text: "first"},
			{Role: domain.HistoryAssistant, Text: "answer"},
		},
	}
	got := renderPrompt(req)
	assert.Equal(t, "[user] first\n[assistant] answer\n\nnext", got)

	req.ResumeHandle = "r"
	assert.Equal(t, "next", renderPrompt(req))
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	tb.Write([]byte("abc"))
	tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}
