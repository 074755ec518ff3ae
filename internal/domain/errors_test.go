package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Orchestrator.Run", ErrRoleNotFound, "role 'foo'")
	want := "Orchestrator.Run: role 'foo': role not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("PathGuard.Resolve", ErrPathEscape, "/etc/passwd")
	if !errors.Is(err, ErrPathEscape) {
		t.Error("errors.Is should match ErrPathEscape")
	}
}

func TestProviderErrorUnwrapsClassAndCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewProviderError("cloud", "m1", FailureQuotaExceeded, "http-429", cause)

	if !errors.Is(err, ErrQuotaExceeded) {
		t.Error("should match ErrQuotaExceeded")
	}
	if !errors.Is(err, cause) {
		t.Error("should retain the original cause")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("should not match ErrUnavailable")
	}
	want := "cloud/m1: quota_exceeded (http-429): connection refused"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestProviderErrorDefaultsToUnavailable(t *testing.T) {
	err := NewProviderError("cli", "", "", "", nil)
	assert.Equal(t, FailureUnavailable, err.Class)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClassOf(t *testing.T) {
	wrapped := fmt.Errorf("execute: %w", NewProviderError("p", "m", FailureAuth, "", nil))
	assert.Equal(t, FailureAuth, ClassOf(wrapped))
	assert.Equal(t, FailureQuotaExceeded, ClassOf(fmt.Errorf("x: %w", ErrQuotaExceeded)))
	assert.Equal(t, FailureUnavailable, ClassOf(fmt.Errorf("anything")))
}

func TestExhaustedError(t *testing.T) {
	err := &ExhaustedError{Role: "builder", Attempts: []Attempt{
		{Provider: "p1", Model: "m1", Class: FailureQuotaExceeded},
		{Provider: "p2", Model: "m2", Class: FailureUnavailable},
	}}
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.Equal(t, "role builder: all providers exhausted: [p1/m1: quota_exceeded; p2/m2: unavailable]", err.Error())
	assert.Equal(t, CodeAllProvidersExhausted, ErrorCodeOf(err))
}

func TestErrorCodeOf(t *testing.T) {
	assert.Equal(t, CodeRateLimited, ErrorCodeOf(ErrRateLimited))
	assert.Equal(t, CodePathEscape, ErrorCodeOf(NewDomainError("op", ErrPathEscape, "x")))
	assert.Equal(t, CodeEmptyInput, ErrorCodeOf(fmt.Errorf("run: %w", ErrEmptyInput)))
	assert.Equal(t, CodeQuotaExceeded, ErrorCodeOf(NewProviderError("p", "m", FailureQuotaExceeded, "", nil)))
	assert.Equal(t, CodeCancelled, ErrorCodeOf(fmt.Errorf("task: %w", context.Canceled)))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestAgentConfigActionClass(t *testing.T) {
	shell := &AgentConfig{Role: "builder", Capabilities: []string{CapabilityFileEdit, CapabilityShell}}
	plain := &AgentConfig{Role: "reviewer"}
	assert.Equal(t, "shell", shell.ActionClass())
	assert.Equal(t, "task", plain.ActionClass())
}

func TestProviderDescriptorRankOfMissing(t *testing.T) {
	d := ProviderDescriptor{ID: "p", Models: []ModelSpec{{ID: "new", Rank: 1}, {ID: "old", Rank: 2}}}
	r, ok := d.RankOf("old")
	assert.True(t, ok)
	assert.Equal(t, 2, r)
	_, ok = d.RankOf("missing")
	assert.False(t, ok)
}
