package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/vanshpatel03/snapera2.0/internal/images"
	"github.com/vanshpatel03/snapera2.0/internal/quota"
	"github.com/vanshpatel03/snapera2.0/internal/session"
	"github.com/vanshpatel03/snapera2.0/internal/storage"
)

// DefaultMaxUploadBytes caps photo uploads.
const DefaultMaxUploadBytes = 10 << 20

// SessionFactory creates an idle session for a quota key.
type SessionFactory func(id, key string) *session.Session

// QuotaReporter reports a key's quota for display.
type QuotaReporter interface {
	Status(ctx context.Context, key string) (quota.Status, error)
}

type Handler struct {
	sessionStore   *storage.SessionStore
	newSession     SessionFactory
	quota          QuotaReporter
	maxUploadBytes int64
	photos         *images.Fetcher
	logger         *slog.Logger
}

func New(store *storage.SessionStore, newSession SessionFactory, q QuotaReporter, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessionStore:   store,
		newSession:     newSession,
		quota:          q,
		maxUploadBytes: maxUploadBytes,
		photos:         images.NewFetcher(maxUploadBytes),
		logger:         logger,
	}
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Unable to encode JSON response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	if code >= http.StatusInternalServerError {
		h.logger.Error(message)
	} else {
		h.logger.Debug(message, "code", code)
	}
	h.writeJSON(w, code, map[string]string{"error": message})
}

// writeEventError maps session event errors to status codes.
func (h *Handler) writeEventError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrClosed):
		h.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrEmptyPhoto):
		h.writeError(w, err.Error(), http.StatusBadRequest)
	default:
		h.writeError(w, "Internal server error: "+err.Error(), http.StatusInternalServerError)
	}
}

// Session helpers
func (h *Handler) getSessionOrError(w http.ResponseWriter, sessionID string) (*session.Session, bool) {
	sess, exists := h.sessionStore.Get(sessionID)
	if !exists {
		h.writeError(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// callerKey identifies the quota owner: the X-User-ID header when present,
// otherwise the client IP.
func callerKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return "user:" + id
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
