// Package logging configures the process-wide slog logger for merge-helper.
// CLI invocations on a terminal get colored text; the daemon and anything
// with redirected output get JSON lines.
package logging

import (
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Setup initializes the global slog logger using charmbracelet/log as the
// backend. Verbose enables debug-level output, which includes every git
// invocation the engines run.
func Setup(verbose bool) {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
	})

	if verbose {
		handler.SetLevel(charmlog.DebugLevel)
	} else {
		handler.SetLevel(charmlog.InfoLevel)
	}

	if !term.IsTerminal(int(os.Stderr.Fd())) {
		handler.SetFormatter(charmlog.JSONFormatter)
	}

	slog.SetDefault(slog.New(handler))
}
