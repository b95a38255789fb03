package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager owns per-task build directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an empty directory for the identifier, discarding leftovers
// from an earlier attempt.
func (m *Manager) Prepare(identifier string) (string, error) {
	dir, err := m.path(identifier)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Scratch creates a sibling directory of the workspace for temporary files
// that must stay out of the build context.
func (m *Manager) Scratch(identifier string) (string, error) {
	return m.Prepare(identifier + ".scratch")
}

// Cleanup removes a workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the identifier.
func (m *Manager) CleanupByID(identifier string) error {
	dir, err := m.path(identifier)
	if err != nil {
		return err
	}
	if err := m.Cleanup(dir + ".scratch"); err != nil {
		return err
	}
	return m.Cleanup(dir)
}

// Sweep removes workspaces untouched for longer than maxAge and returns how
// many were deleted. Builds interrupted by an agent crash leave these behind.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove stale workspace: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) path(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || strings.HasPrefix(identifier, ".") {
		return "", fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return filepath.Join(m.root, identifier), nil
}
