package domain

import (
	"context"
	"time"
)

// ProviderKind identifies the execution strategy of a Provider.
type ProviderKind string

const (
	KindSubprocess ProviderKind = "subprocess"
	KindHTTPStream ProviderKind = "http-stream"
	KindLocalREST  ProviderKind = "local-rest"
)

// ModelSpec is one model a provider serves. Lower ranks are newer generations.
type ModelSpec struct {
	ID   string `json:"id"   yaml:"id"`
	Rank int    `json:"rank" yaml:"rank"`
}

// ProviderDescriptor describes a configured provider and the models it serves.
type ProviderDescriptor struct {
	ID     string       `json:"id"`
	Kind   ProviderKind `json:"kind"`
	Models []ModelSpec  `json:"models"`
}

// RankOf returns the generation rank of model, or false if the provider does not serve it.
func (d ProviderDescriptor) RankOf(model string) (int, bool) {
	for _, m := range d.Models {
		if m.ID == model {
			return m.Rank, true
		}
	}
	return 0, false
}

// ExecuteRequest is everything a Provider needs for one execution.
type ExecuteRequest struct {
	Agent        *AgentConfig
	Model        string
	Prompt       string
	History      []HistoryEntry
	Workspace    string // absolute, already validated by PathGuard
	ResumeHandle string
}

// FinalResult is the outcome of a successful execution.
type FinalResult struct {
	Text         string        `json:"text"`
	Duration     time.Duration `json:"duration"`
	Model        string        `json:"model"`
	ResumeHandle string        `json:"resume_handle,omitempty"`
	RunID        string        `json:"run_id,omitempty"`
}

// ChunkFunc receives incremental text in the order the backend produced it.
type ChunkFunc func(text string)

// Provider is a backend execution strategy. Cancelling ctx must stop the
// backend I/O promptly and release any reader before Execute returns.
// Failures are returned as *ProviderError.
type Provider interface {
	Name() string
	Kind() ProviderKind
	Execute(ctx context.Context, req ExecuteRequest, onChunk ChunkFunc) (*FinalResult, error)
	IsAvailable(ctx context.Context) bool
}

// DescribedProvider is implemented by providers that can report their descriptor.
type DescribedProvider interface {
	Provider
	Descriptor() ProviderDescriptor
}
