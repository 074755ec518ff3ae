package usecase

import (
	"fmt"
	"sort"
	"sync"

	"conductor-ai/internal/domain"
)

// Candidate is one (provider, model) entry of a fallback chain.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Rank     int    `json:"rank"`
}

func (c Candidate) String() string { return c.Provider + "/" + c.Model }

// FallbackChain is the ordered, fixed list of candidates for every role.
// Lower rank numbers are newer generations; ranks never grow along a chain,
// so a retry can never land on an older generation than one already tried.
type FallbackChain struct {
	mu     sync.RWMutex
	chains map[string][]Candidate
}

// NewFallbackChain creates an empty chain table.
func NewFallbackChain() *FallbackChain {
	return &FallbackChain{chains: make(map[string][]Candidate)}
}

// SetChain installs the candidate list for role after checking it.
func (f *FallbackChain) SetChain(role string, candidates []Candidate) error {
	if err := validateChain(role, candidates); err != nil {
		return err
	}
	cp := make([]Candidate, len(candidates))
	copy(cp, candidates)

	f.mu.Lock()
	f.chains[role] = cp
	f.mu.Unlock()
	return nil
}

// BuildChain resolves (provider, model) pairs to candidates using the
// descriptors' generation ranks.
func BuildChain(pairs [][2]string, descriptors map[string]domain.ProviderDescriptor) ([]Candidate, error) {
	out := make([]Candidate, 0, len(pairs))
	for _, p := range pairs {
		desc, ok := descriptors[p[0]]
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, p[0])
		}
		rank, ok := desc.RankOf(p[1])
		if !ok {
			return nil, fmt.Errorf("%w: provider %q does not serve model %q", domain.ErrInvalidConfig, p[0], p[1])
		}
		out = append(out, Candidate{Provider: p[0], Model: p[1], Rank: rank})
	}
	return out, nil
}

func validateChain(role string, candidates []Candidate) error {
	if len(candidates) == 0 {
		return fmt.Errorf("%w: chain for role %q is empty", domain.ErrInvalidConfig, role)
	}
	seen := make(map[Candidate]bool, len(candidates))
	for i, c := range candidates {
		if c.Provider == "" || c.Model == "" {
			return fmt.Errorf("%w: chain %q entry %d: provider and model are required", domain.ErrInvalidConfig, role, i)
		}
		key := Candidate{Provider: c.Provider, Model: c.Model}
		if seen[key] {
			return fmt.Errorf("%w: chain %q lists %s twice", domain.ErrInvalidConfig, role, c)
		}
		seen[key] = true
		if i > 0 && c.Rank > candidates[i-1].Rank {
			return fmt.Errorf("%w: chain %q downgrades generation at %s (rank %d after %d)",
				domain.ErrInvalidConfig, role, c, c.Rank, candidates[i-1].Rank)
		}
	}
	return nil
}

// Select returns the first candidate for role that has not been attempted and
// whose rank is no worse than the best rank attempted so far. It returns an
// *domain.ExhaustedError when nothing qualifies.
func (f *FallbackChain) Select(role string, attempted []domain.Attempt) (Candidate, error) {
	f.mu.RLock()
	chain, ok := f.chains[role]
	f.mu.RUnlock()
	if !ok {
		return Candidate{}, &domain.ExhaustedError{Role: role, Attempts: attempted}
	}

	tried := make(map[Candidate]bool, len(attempted))
	floor := 0
	for _, a := range attempted {
		tried[Candidate{Provider: a.Provider, Model: a.Model}] = true
		if floor == 0 || a.Rank < floor {
			floor = a.Rank
		}
	}

	for _, c := range chain {
		if tried[Candidate{Provider: c.Provider, Model: c.Model}] {
			continue
		}
		if floor != 0 && c.Rank > floor {
			continue
		}
		return c, nil
	}
	return Candidate{}, &domain.ExhaustedError{Role: role, Attempts: attempted}
}

// Chain returns a copy of the candidate list for role.
func (f *FallbackChain) Chain(role string) []Candidate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	chain := f.chains[role]
	cp := make([]Candidate, len(chain))
	copy(cp, chain)
	return cp
}

// Roles returns the roles that have a chain, sorted.
func (f *FallbackChain) Roles() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	roles := make([]string, 0, len(f.chains))
	for r := range f.chains {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
