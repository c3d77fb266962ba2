// Package diffstore renders resolved change sets into reviewable HTML
// documents and persists them as flat files under a sanitized,
// collision-resistant key. No expiry and no indexing: direct key lookup only,
// deletion is explicit.
package diffstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrNotFound indicates no artifact exists under the requested key.
var ErrNotFound = errors.New("diff artifact not found")

// Store persists rendered diff documents under an injected root directory.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// path maps a key to its document file. The key is re-sanitized so a caller
// handing us a raw or URL-decoded key can never escape the root.
func (s *Store) path(key string) string {
	return filepath.Join(s.root, Sanitize(key)+".html")
}

// Save renders the patch and persists it, returning the artifact key.
func (s *Store) Save(owner, repo string, prNumber int, headSHA, patch string) (string, error) {
	key := Key(owner, repo, prNumber, headSHA)
	title := fmt.Sprintf("Resolved diff for %s/%s#%d", owner, repo, prNumber)

	html, err := Render(title, patch)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.WriteFile(s.path(key), []byte(html), 0644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", key, err)
	}
	return key, nil
}

// Load returns the rendered document for a key, or ErrNotFound.
func (s *Store) Load(key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading artifact %s: %w", key, err)
	}
	return string(data), nil
}

// Delete removes the artifact for a key. Best-effort: a failed delete leaves
// an orphaned file, which is harmless.
func (s *Store) Delete(key string) {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		slog.Warn("artifact removal failed", "key", key, "error", err)
	}
}
