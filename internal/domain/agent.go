package domain

import "time"

// RiskTier grades how much damage a role can do to the workspace.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Capability tags for AgentConfig.
const (
	CapabilityFileEdit = "file-editing"
	CapabilityShell    = "shell-access"
	CapabilityWeb      = "web-access"
	CapabilityDelegate = "delegation"
)

// AgentConfig is a named behavioral preset (a role). It is built once from
// static configuration and never mutated; many sessions share one instance.
type AgentConfig struct {
	Role         string        `json:"role"          yaml:"role"`
	Description  string        `json:"description"   yaml:"description"`
	Model        string        `json:"model"         yaml:"model"`
	SystemPrompt string        `json:"system_prompt" yaml:"system_prompt"`
	Capabilities []string      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Risk         RiskTier      `json:"risk"          yaml:"risk"`
	Provider     string        `json:"provider"      yaml:"provider"`
	Sandbox      bool          `json:"sandbox"       yaml:"sandbox"`
	AutoApprove  bool          `json:"auto_approve"  yaml:"auto_approve"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"-"`
}

// HasCapability reports whether the role carries the given capability tag.
func (a *AgentConfig) HasCapability(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ActionClass returns the rate-limit class for tasks run under this role.
func (a *AgentConfig) ActionClass() string {
	if a.HasCapability(CapabilityShell) {
		return "shell"
	}
	return "task"
}

// RoleSet answers whether a role name is configured.
type RoleSet interface {
	HasRole(role string) bool
}
