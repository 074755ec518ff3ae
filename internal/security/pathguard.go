package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"conductor-ai/internal/domain"
)

// PathGuard confines paths to a workspace root.
type PathGuard struct {
	root string // absolute, resolved workspace root
}

// NewPathGuard creates a guard rooted at the given directory.
func NewPathGuard(root string) (*PathGuard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for workspace root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", resolved)
	}

	return &PathGuard{root: resolved}, nil
}

// Resolve returns the absolute, symlink-free form of requested and fails with
// ErrPathEscape unless it is the root or lies beneath it. Relative paths are
// taken relative to the root. Paths that do not exist yet are checked through
// their nearest existing ancestor.
func (g *PathGuard) Resolve(requested string) (string, error) {
	if requested == "" {
		return g.root, nil
	}
	if strings.ContainsRune(requested, 0) {
		return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathEscape, "path contains NUL byte")
	}

	abs := requested
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathEscape, err.Error())
	}

	if !g.contains(resolved) {
		return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathEscape,
			fmt.Sprintf("resolved %q is outside root %q", resolved, g.root))
	}

	return resolved, nil
}

// Root returns the workspace root directory.
func (g *PathGuard) Root() string { return g.root }

func (g *PathGuard) contains(path string) bool {
	if path == g.root {
		return true
	}
	prefix := g.root
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return strings.HasPrefix(path, prefix)
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-attaches the missing tail.
func resolveExisting(path string) (string, error) {
	var tail []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
