package diffstore

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

// lineKind classifies a rendered diff line.
type lineKind string

const (
	lineAdd     lineKind = "add"
	lineDel     lineKind = "del"
	lineContext lineKind = "ctx"
	lineHunk    lineKind = "hunk"
)

// diffLine is one row in the rendered document.
type diffLine struct {
	Kind lineKind
	Text string
}

// diffFile groups the lines of a single file in the patch.
type diffFile struct {
	Name   string
	Anchor string
	Lines  []diffLine
}

// parsePatch splits a unified-diff patch into per-file sections. Lines
// outside any "diff --git" section (binary notices, stat noise) are dropped.
// The metadata skip-list only applies between the file header and the first
// hunk: inside a hunk a deleted line starting with "-- " arrives as "--- ..."
// and must render, not be skipped.
func parsePatch(patch string) []diffFile {
	var files []diffFile
	var current *diffFile
	inHunk := false

	for _, raw := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(raw, "diff --git "):
			if current != nil {
				files = append(files, *current)
			}
			current = &diffFile{
				Name:   fileNameFromHeader(raw),
				Anchor: fmt.Sprintf("file-%d", len(files)),
			}
			inHunk = false
		case current == nil:
			continue
		case strings.HasPrefix(raw, "@@"):
			current.Lines = append(current.Lines, diffLine{Kind: lineHunk, Text: raw})
			inHunk = true
		case inHunk:
			switch {
			case strings.HasPrefix(raw, "+"):
				current.Lines = append(current.Lines, diffLine{Kind: lineAdd, Text: raw[1:]})
			case strings.HasPrefix(raw, "-"):
				current.Lines = append(current.Lines, diffLine{Kind: lineDel, Text: raw[1:]})
			case strings.HasPrefix(raw, " "):
				current.Lines = append(current.Lines, diffLine{Kind: lineContext, Text: raw[1:]})
			}
		case strings.HasPrefix(raw, "+++ b/"):
			// Rename targets override the header-derived name.
			current.Name = strings.TrimPrefix(raw, "+++ b/")
		}
	}
	if current != nil {
		files = append(files, *current)
	}
	return files
}

// fileNameFromHeader extracts the b-side path from a "diff --git a/x b/y" line.
func fileNameFromHeader(header string) string {
	if i := strings.Index(header, " b/"); i >= 0 {
		return header[i+3:]
	}
	return strings.TrimPrefix(header, "diff --git ")
}

var diffTemplate = template.Must(template.New("diff").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 1.5rem; color: #1f2328; }
ul.file-list { background: #f6f8fa; border: 1px solid #d0d7de; border-radius: 6px; padding: 0.75rem 2rem; }
div.file { border: 1px solid #d0d7de; border-radius: 6px; margin-bottom: 1rem; overflow-x: auto; }
div.file h3 { background: #f6f8fa; margin: 0; padding: 0.5rem 0.75rem; font-size: 0.9rem; border-bottom: 1px solid #d0d7de; }
pre { margin: 0; font-size: 0.8rem; }
span.line { display: block; padding: 0 0.75rem; white-space: pre-wrap; }
span.add { background: #dafbe1; }
span.del { background: #ffebe9; }
span.hunk { background: #ddf4ff; color: #57606a; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<ul class="file-list">
{{range .Files}}<li><a href="#{{.Anchor}}">{{.Name}}</a></li>
{{end}}</ul>
{{range .Files}}<div class="file" id="{{.Anchor}}">
<h3>{{.Name}}</h3>
<pre>{{range .Lines}}<span class="line {{.Kind}}">{{.Text}}</span>{{end}}</pre>
</div>
{{end}}{{if not .Files}}<p>No changes.</p>{{end}}
</body>
</html>
`))

// Render transforms a raw unified-diff patch into a navigable HTML document
// with a file list. Pure and deterministic: identical patch text renders to
// identical bytes.
func Render(title, patch string) (string, error) {
	data := struct {
		Title string
		Files []diffFile
	}{Title: title, Files: parsePatch(patch)}

	var buf bytes.Buffer
	if err := diffTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering diff: %w", err)
	}
	return buf.String(), nil
}
