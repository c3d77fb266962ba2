package diffstore

import (
	"fmt"
	"regexp"
)

// unsafeKeyChars matches everything replaced by "_" during sanitization.
// The same rule runs at render time and at lookup time; if the two ever
// diverge, lookups silently 404.
var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Key derives the artifact key for an identity before sanitization:
// "<owner>/<repo>#<pr>-<headSha>".
func Key(owner, repo string, prNumber int, headSHA string) string {
	return Sanitize(fmt.Sprintf("%s/%s#%d-%s", owner, repo, prNumber, headSHA))
}

// Sanitize maps a raw key onto the filesystem-safe alphabet. Idempotent:
// sanitizing an already-sanitized key is a no-op.
func Sanitize(key string) string {
	return unsafeKeyChars.ReplaceAllString(key, "_")
}
