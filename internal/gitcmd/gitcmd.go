// Package gitcmd runs git as a subprocess with a bounded wall-clock timeout
// and a sanitized environment. Every remote-touching command in the service
// goes through Runner so credentials and prompts are handled in one place.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// DefaultTimeout bounds any single git invocation.
const DefaultTimeout = 5 * time.Minute

// tokenPattern matches embedded x-access-token credentials in URLs so they
// can be scrubbed from captured output before it reaches logs or check runs.
var tokenPattern = regexp.MustCompile(`x-access-token:[^@\s]+@`)

// Error carries the failed git command and its captured stderr. The stderr
// text is what surfaces to reviewers as the failure diagnostic.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Diagnostic returns the underlying tool output for an error, scrubbed of
// credentials. Falls back to the error string for non-git errors.
func Diagnostic(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Stderr != "" {
		return Scrub(gerr.Stderr)
	}
	if err != nil {
		return Scrub(err.Error())
	}
	return ""
}

// Runner executes git commands in a working directory.
type Runner struct {
	timeout time.Duration
}

// NewRunner creates a Runner with the given per-command timeout.
// A zero timeout falls back to DefaultTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{timeout: timeout}
}

// Run executes `git args...` in dir and returns trimmed stdout.
// The subprocess inherits the environment with GIT_TERMINAL_PROMPT=0 so an
// unauthenticated remote fails instead of waiting for input. Captured stderr
// is scrubbed of credentials before it lands in the returned error.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("running git", "args", ScrubArgs(args), "dir", dir)

	if err := cmd.Run(); err != nil {
		return "", &Error{
			Args:   ScrubArgs(args),
			Stderr: Scrub(strings.TrimSpace(stderr.String())),
			Err:    err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// TryRun executes a command whose failure is safe to abandon (merge --abort,
// cleanup). Errors are logged at debug level and discarded.
func (r *Runner) TryRun(ctx context.Context, dir string, args ...string) {
	if _, err := r.Run(ctx, dir, args...); err != nil {
		slog.Debug("best-effort git command failed", "args", ScrubArgs(args), "error", err)
	}
}

// AuthedURL embeds a short-lived installation token into an HTTPS clone URL.
// The result is passed to git as an argument and must never be persisted.
func AuthedURL(cloneURL, token string) string {
	return strings.Replace(cloneURL, "https://", "https://x-access-token:"+token+"@", 1)
}

// Scrub redacts embedded credentials from a string.
func Scrub(s string) string {
	return tokenPattern.ReplaceAllString(s, "x-access-token:***@")
}

// ScrubArgs redacts embedded credentials from a command argument list.
func ScrubArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Scrub(a)
	}
	return out
}
