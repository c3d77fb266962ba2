package diffstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSHA = "abcdef1234567890abcdef1234567890abcdef12"

const samplePatch = `diff --git a/src/Main.java b/src/Main.java
index 1234567..89abcde 100644
--- a/src/Main.java
+++ b/src/Main.java
@@ -1,4 +1,5 @@
 public class Main {
-    int x = 1;
+    int x = 2;
+    int y = 3;
 }
diff --git a/README.md b/README.md
index 0000000..1111111 100644
--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-old
+new
`

func TestKeyDerivation(t *testing.T) {
	key := Key("acme", "widgets", 42, sampleSHA)
	assert.Equal(t, "acme_widgets_42-"+sampleSHA, key)
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"acme/widgets#42-abc",
		"already_safe_1.2-3",
		"weird key!!/../../etc/passwd",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "sanitize must be idempotent for %q", in)
	}
}

func TestSanitizeBlocksTraversal(t *testing.T) {
	// Dots survive (they are in the key alphabet) but no path separator
	// does, so a joined path can never climb out of the store root.
	s := Sanitize("../../etc/passwd")
	assert.Equal(t, ".._.._etc_passwd", s)
	assert.NotContains(t, s, "/")
	assert.NotContains(t, s, `\`)

	s = Sanitize(`..\..\etc\passwd`)
	assert.Equal(t, ".._.._etc_passwd", s)
}

func TestSaveLoadDelete(t *testing.T) {
	s := NewStore(t.TempDir())

	key, err := s.Save("acme", "widgets", 42, sampleSHA, samplePatch)
	require.NoError(t, err)

	html, err := s.Load(key)
	require.NoError(t, err)
	assert.Contains(t, html, "src/Main.java")
	assert.Contains(t, html, "README.md")

	s.Delete(key)
	_, err = s.Load(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadAcceptsUnsanitizedKey(t *testing.T) {
	s := NewStore(t.TempDir())

	key, err := s.Save("acme", "widgets", 42, sampleSHA, samplePatch)
	require.NoError(t, err)

	// The raw, pre-sanitization key must resolve to the same document once
	// re-sanitized at lookup time.
	raw := "acme/widgets#42-" + sampleSHA
	html, err := s.Load(raw)
	require.NoError(t, err)
	assert.Equal(t, key, Sanitize(raw))
	assert.Contains(t, html, "src/Main.java")
}

func TestLoadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingIsQuiet(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Delete("never-existed")
}

func TestRenderFileList(t *testing.T) {
	html, err := Render("test", samplePatch)
	require.NoError(t, err)

	assert.Contains(t, html, `<ul class="file-list">`)
	assert.Contains(t, html, `<a href="#file-0">src/Main.java</a>`)
	assert.Contains(t, html, `<a href="#file-1">README.md</a>`)
	assert.Contains(t, html, `class="line add"`)
	assert.Contains(t, html, `class="line del"`)
}

func TestRenderDeterministic(t *testing.T) {
	a, err := Render("t", samplePatch)
	require.NoError(t, err)
	b, err := Render("t", samplePatch)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRenderEmptyPatch(t *testing.T) {
	html, err := Render("t", "")
	require.NoError(t, err)
	assert.Contains(t, html, "No changes.")
}

func TestRenderEscapesHTML(t *testing.T) {
	patch := "diff --git a/x b/x\n@@ -1 +1 @@\n-<script>alert(1)</script>\n+safe\n"
	html, err := Render("t", patch)
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>alert(1)</script>")
}

func TestParsePatchKeepsDashedLinesInsideHunks(t *testing.T) {
	// A removed line whose content starts with "-- " arrives in the patch as
	// "--- ..." and must not be mistaken for a file header. Same for "++ ".
	patch := "diff --git a/notes.txt b/notes.txt\n" +
		"index 1111111..2222222 100644\n" +
		"--- a/notes.txt\n" +
		"+++ b/notes.txt\n" +
		"@@ -1,2 +1,2 @@\n" +
		"--- section one ---\n" +
		"+++ section 1 +++\n" +
		" unchanged\n"

	files := parsePatch(patch)
	require.Len(t, files, 1)
	require.Len(t, files[0].Lines, 4)

	assert.Equal(t, lineDel, files[0].Lines[1].Kind)
	assert.Equal(t, "-- section one ---", files[0].Lines[1].Text)
	assert.Equal(t, lineAdd, files[0].Lines[2].Kind)
	assert.Equal(t, "++ section 1 +++", files[0].Lines[2].Text)
	assert.Equal(t, lineContext, files[0].Lines[3].Kind)
}

func TestParsePatchLineKinds(t *testing.T) {
	files := parsePatch(samplePatch)
	require.Len(t, files, 2)

	main := files[0]
	assert.Equal(t, "src/Main.java", main.Name)

	var kinds []lineKind
	for _, l := range main.Lines {
		kinds = append(kinds, l.Kind)
	}
	assert.Equal(t, []lineKind{lineHunk, lineContext, lineDel, lineAdd, lineAdd, lineContext}, kinds)

	var adds int
	for _, l := range main.Lines {
		if l.Kind == lineAdd {
			adds++
		}
	}
	assert.Equal(t, 2, adds)

	// Metadata lines never leak into the rendered body.
	for _, l := range main.Lines {
		assert.False(t, strings.HasPrefix(l.Text, "index "))
	}
}
