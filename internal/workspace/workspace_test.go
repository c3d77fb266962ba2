package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() Identity {
	return Identity{Owner: "acme", Repo: "widgets", PRNumber: 42, HeadSHA: "abcdef1234567890"}
}

func TestPathIsStable(t *testing.T) {
	m := NewManager(t.TempDir())
	id := testIdentity()

	assert.Equal(t, m.Path(id), m.Path(id))
}

func TestPathDiffersPerField(t *testing.T) {
	m := NewManager(t.TempDir())
	base := testIdentity()

	variants := []Identity{
		{Owner: "other", Repo: base.Repo, PRNumber: base.PRNumber, HeadSHA: base.HeadSHA},
		{Owner: base.Owner, Repo: "other", PRNumber: base.PRNumber, HeadSHA: base.HeadSHA},
		{Owner: base.Owner, Repo: base.Repo, PRNumber: 43, HeadSHA: base.HeadSHA},
		{Owner: base.Owner, Repo: base.Repo, PRNumber: base.PRNumber, HeadSHA: "0000000999999"},
	}
	for _, v := range variants {
		assert.NotEqual(t, m.Path(base), m.Path(v), "identity %v must not collide", v)
	}
}

func TestPathLayout(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	id := testIdentity()

	assert.Equal(t, filepath.Join(root, "acme", "widgets", "42", "abcdef1"), m.Path(id))
	assert.Equal(t, filepath.Join(m.Path(id), "src"), m.SrcDir(id))
	assert.Equal(t, filepath.Join(m.Path(id), "metadata.json"), m.MetadataPath(id))
}

func TestShortSHA(t *testing.T) {
	assert.Equal(t, "abcdef1", testIdentity().ShortSHA())
	assert.Equal(t, "abc", Identity{HeadSHA: "abc"}.ShortSHA())
}

func TestExternalID(t *testing.T) {
	assert.Equal(t, "42:abcdef1", testIdentity().ExternalID())
}

func TestBranch(t *testing.T) {
	assert.Equal(t, "merge-helper/s3m/42-abcdef1", testIdentity().Branch("s3m"))
}

func TestEnsureEmptyDestroysContents(t *testing.T) {
	m := NewManager(t.TempDir())
	id := testIdentity()
	src := m.SrcDir(id)

	require.NoError(t, os.MkdirAll(src, 0755))
	stale := filepath.Join(src, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	require.NoError(t, m.EnsureEmpty(src))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	info, err := os.Stat(src)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRemoveTolerant(t *testing.T) {
	m := NewManager(t.TempDir())
	id := testIdentity()

	// Removing an absent workspace must not panic or error.
	m.Remove(id)

	require.NoError(t, os.MkdirAll(m.SrcDir(id), 0755))
	m.Remove(id)
	_, err := os.Stat(m.Path(id))
	assert.True(t, os.IsNotExist(err))
}

func TestMetadataRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir())
	id := testIdentity()

	meta := Metadata{
		Owner:          id.Owner,
		Repo:           id.Repo,
		PRNumber:       id.PRNumber,
		HeadRef:        "feature/x",
		BaseRef:        "main",
		HeadSHA:        id.HeadSHA,
		ResolvedCommit: "1111111222222233333334444444555555566666",
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, m.WriteMetadata(id, meta))

	got, err := m.ReadMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, meta, *got)
}

func TestReadMetadataMissing(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.ReadMetadata(testIdentity())
	assert.ErrorIs(t, err, ErrMetadataMissing)
}

func TestHasClone(t *testing.T) {
	m := NewManager(t.TempDir())
	id := testIdentity()

	assert.False(t, m.HasClone(id))
	require.NoError(t, os.MkdirAll(filepath.Join(m.SrcDir(id), ".git"), 0755))
	assert.True(t, m.HasClone(id))
}

func TestWithLockSerializes(t *testing.T) {
	m := NewManager(t.TempDir())
	id := testIdentity()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), id, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "lock must serialize same-identity operations")
}
