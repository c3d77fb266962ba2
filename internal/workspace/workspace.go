// Package workspace owns the identity-keyed working directories used by the
// resolution and publish engines, the durable metadata record written after a
// successful merge attempt, and the advisory lock serializing operations on
// the same identity.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

// ErrMetadataMissing indicates no successful resolution has been recorded for
// an identity. Publish treats this as "workspace missing; re-run resolution".
var ErrMetadataMissing = errors.New("workspace metadata not found")

// LockTimeout bounds how long a caller waits for another operation on the
// same identity to finish.
const LockTimeout = 10 * time.Minute

// Metadata is the durable record of a successful merge attempt. Its
// ResolvedCommit is the only value ever applied to the base branch.
type Metadata struct {
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	PRNumber       int       `json:"prNumber"`
	HeadRef        string    `json:"headRef"`
	BaseRef        string    `json:"baseRef"`
	HeadSHA        string    `json:"headSha"`
	ResolvedCommit string    `json:"resolvedCommit"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Manager derives workspace paths under an injected root and owns their
// creation and teardown. It holds no per-identity state; all layout is a pure
// function of the identity.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root. The root is created lazily on
// first use.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Path returns the workspace directory for an identity:
// <root>/<owner>/<repo>/<prNumber>/<sha7>. Each field is its own path
// segment, so distinct identities can never collide.
func (m *Manager) Path(id Identity) string {
	return filepath.Join(m.root, id.Owner, id.Repo, strconv.Itoa(id.PRNumber), id.ShortSHA())
}

// SrcDir returns the clone directory inside the workspace.
func (m *Manager) SrcDir(id Identity) string {
	return filepath.Join(m.Path(id), "src")
}

// MetadataPath returns the metadata file location for an identity.
func (m *Manager) MetadataPath(id Identity) string {
	return filepath.Join(m.Path(id), "metadata.json")
}

// EnsureEmpty recreates dir as an empty directory, destroying any prior
// contents.
func (m *Manager) EnsureEmpty(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

// Remove deletes the workspace for an identity. Removal is best-effort:
// failures are logged, never returned.
func (m *Manager) Remove(id Identity) {
	if err := os.RemoveAll(m.Path(id)); err != nil {
		slog.Warn("workspace removal failed", "identity", id.String(), "error", err)
	}
}

// HasClone reports whether the workspace already contains git metadata, in
// which case sync can refresh instead of re-cloning.
func (m *Manager) HasClone(id Identity) bool {
	_, err := os.Stat(filepath.Join(m.SrcDir(id), ".git"))
	return err == nil
}

// WriteMetadata persists the metadata record atomically (temp file + rename).
func (m *Manager) WriteMetadata(id Identity, meta Metadata) error {
	path := m.MetadataPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadMetadata loads the metadata record for an identity. Returns
// ErrMetadataMissing when no resolution has been recorded.
func (m *Manager) ReadMetadata(id Identity) (*Metadata, error) {
	data, err := os.ReadFile(m.MetadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMetadataMissing
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &meta, nil
}

// WithLock acquires an exclusive advisory lock for the identity, runs fn,
// then releases. Concurrent triggers for the same PR/commit serialize here
// instead of racing over the shared directory. Lock files live outside the
// workspace so removing a workspace does not release its lock mid-operation.
func (m *Manager) WithLock(ctx context.Context, id Identity, fn func() error) error {
	lockDir := filepath.Join(m.root, ".locks")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	lockPath := filepath.Join(lockDir,
		fmt.Sprintf("%s__%s__%d__%s.lock", id.Owner, id.Repo, id.PRNumber, id.ShortSHA()))
	fileLock := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("timed out acquiring lock on %s", lockPath)
	}
	defer fileLock.Unlock()

	return fn()
}
