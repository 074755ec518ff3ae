package store

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"conductor-ai/internal/domain"
)

// workspaceFile is the on-disk layout of the conversation mapping:
//
//	default: shared
//	conversations:
//	  "1180000000000000": project-a
//	  ops-room: /srv/work/ops
type workspaceFile struct {
	Default       string            `yaml:"default"`
	Conversations map[string]string `yaml:"conversations"`
}

// WorkspaceMap maps conversation IDs to workspace paths loaded from a YAML
// file. Paths are returned as written; the orchestrator checks them against
// the workspace root.
type WorkspaceMap struct {
	path string

	mu    sync.RWMutex
	table workspaceFile
}

var _ domain.WorkspaceResolver = (*WorkspaceMap)(nil)

// LoadWorkspaceMap reads the mapping file at path. An empty path yields an
// empty map that resolves every conversation to the workspace root.
func LoadWorkspaceMap(path string) (*WorkspaceMap, error) {
	m := &WorkspaceMap{path: path}
	if path == "" {
		return m, nil
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the mapping file. On error the previous mapping is kept.
func (m *WorkspaceMap) Reload() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read workspace map: %w", err)
	}
	var wf workspaceFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("parse workspace map %s: %w", m.path, err)
	}
	for conv, p := range wf.Conversations {
		if strings.ContainsRune(p, 0) {
			return fmt.Errorf("workspace map %s: conversation %q: path contains NUL byte", m.path, conv)
		}
	}

	m.mu.Lock()
	m.table = wf
	m.mu.Unlock()
	return nil
}

// WorkspaceFor implements domain.WorkspaceResolver.
func (m *WorkspaceMap) WorkspaceFor(conversationID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.table.Conversations[conversationID]; ok {
		return p
	}
	return m.table.Default
}

// Len returns the number of mapped conversations.
func (m *WorkspaceMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table.Conversations)
}
