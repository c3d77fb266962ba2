// Package webhook exposes the HTTP surface: the platform webhook endpoint
// that feeds the orchestrator, the diff viewer for humans, and a health
// probe. Signature validation and event decoding use the platform SDK.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gh "github.com/google/go-github/v82/github"

	"github.com/Tomas025/merge-helper/internal/checks"
	"github.com/Tomas025/merge-helper/internal/diffstore"
	"github.com/Tomas025/merge-helper/internal/orchestrator"
)

// EventHandler receives decoded platform events. Implemented by
// orchestrator.Orchestrator.
type EventHandler interface {
	HandlePullRequest(ctx context.Context, ev orchestrator.PREvent) error
	HandleRerun(ctx context.Context, ev orchestrator.RerunEvent) error
	HandleApply(ctx context.Context, ev orchestrator.ApplyEvent) error
}

// DiffLoader serves stored diff documents. Implemented by diffstore.Store.
type DiffLoader interface {
	Load(key string) (string, error)
}

// Server is the HTTP front of the service.
type Server struct {
	handler   EventHandler
	diffs     DiffLoader
	secret    []byte
	checkName string
	logger    *slog.Logger
	server    *http.Server
}

// New creates a Server. secret may be empty, in which case webhook signatures
// are not enforced. checkName filters check_run events down to our own.
func New(handler EventHandler, diffs DiffLoader, secret, checkName string, logger *slog.Logger) *Server {
	var sec []byte
	if secret != "" {
		sec = []byte(secret)
	}
	return &Server{
		handler:   handler,
		diffs:     diffs,
		secret:    sec,
		checkName: checkName,
		logger:    logger,
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/webhook", s.handleWebhook)
	r.Get("/diff/{key}", s.handleDiff)
	r.Get("/health", s.handleHealth)

	return r
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("http server starting", "port", port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleWebhook validates, decodes, and dispatches a platform event. Events
// outside our vocabulary are acknowledged and dropped.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := gh.ValidatePayload(r, s.secret)
	if err != nil {
		s.logger.Warn("webhook signature rejected", "error", err)
		s.respondError(w, http.StatusForbidden, "invalid signature")
		return
	}

	event, err := gh.ParseWebHook(gh.WebHookType(r), payload)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unparseable payload")
		return
	}

	switch ev := event.(type) {
	case *gh.PullRequestEvent:
		s.dispatchPullRequest(r.Context(), w, ev)
	case *gh.CheckRunEvent:
		s.dispatchCheckRun(r.Context(), w, ev)
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (s *Server) dispatchPullRequest(ctx context.Context, w http.ResponseWriter, ev *gh.PullRequestEvent) {
	switch ev.GetAction() {
	case "opened", "reopened", "synchronize":
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	pr := ev.GetPullRequest()
	err := s.handler.HandlePullRequest(ctx, orchestrator.PREvent{
		Owner:    ev.GetRepo().GetOwner().GetLogin(),
		Repo:     ev.GetRepo().GetName(),
		PRNumber: pr.GetNumber(),
		HeadRef:  pr.GetHead().GetRef(),
		BaseRef:  pr.GetBase().GetRef(),
		HeadSHA:  pr.GetHead().GetSHA(),
		CloneURL: ev.GetRepo().GetCloneURL(),
	})
	if err != nil {
		s.logger.Error("pull request dispatch failed", "pr", pr.GetNumber(), "error", err)
		s.respondError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) dispatchCheckRun(ctx context.Context, w http.ResponseWriter, ev *gh.CheckRunEvent) {
	run := ev.GetCheckRun()
	if run.GetName() != s.checkName {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	owner := ev.GetRepo().GetOwner().GetLogin()
	repo := ev.GetRepo().GetName()

	switch ev.GetAction() {
	case "rerequested":
		prNumber, _, err := orchestrator.ParseExternalID(run.GetExternalID())
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "unrecognized check run")
			return
		}
		if err := s.handler.HandleRerun(ctx, orchestrator.RerunEvent{
			CheckRunID: run.GetID(),
			Owner:      owner,
			Repo:       repo,
			PRNumber:   prNumber,
		}); err != nil {
			s.logger.Error("rerun dispatch failed", "checkRun", run.GetID(), "error", err)
			s.respondError(w, http.StatusInternalServerError, "dispatch failed")
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	case "requested_action":
		action := ev.GetRequestedAction()
		if action == nil || action.Identifier != checks.ApplyActionID {
			s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		if err := s.handler.HandleApply(ctx, orchestrator.ApplyEvent{
			CheckRunID: run.GetID(),
			Owner:      owner,
			Repo:       repo,
			ExternalID: run.GetExternalID(),
			CloneURL:   ev.GetRepo().GetCloneURL(),
		}); err != nil {
			s.logger.Error("apply dispatch failed", "checkRun", run.GetID(), "error", err)
			s.respondError(w, http.StatusInternalServerError, "dispatch failed")
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// handleDiff serves a stored diff document. The key arrives URL-encoded and
// is re-sanitized by the store, so arbitrary path input cannot escape it.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		s.respondError(w, http.StatusBadRequest, "bad key")
		return
	}

	html, err := s.diffs.Load(key)
	if err != nil {
		if errors.Is(err, diffstore.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "diff not found")
			return
		}
		s.logger.Error("diff load failed", "key", key, "error", err)
		s.respondError(w, http.StatusInternalServerError, "diff unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, html)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
