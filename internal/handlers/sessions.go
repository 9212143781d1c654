package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/session"
)

func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	sess := h.newSession(sessionID, callerKey(r))
	h.sessionStore.Set(sessionID, sess)

	h.logger.Info("Session created", "session_id", sessionID)
	h.writeJSON(w, http.StatusCreated, viewOf(sess))
}

// HandleListSessions lists the caller's sessions.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	key := callerKey(r)
	views := []sessionView{}
	for _, sess := range h.sessionStore.List() {
		if sess.Key() == key {
			views = append(views, viewOf(sess))
		}
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.getSessionOrError(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(sess))
}

func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessionStore.Delete(chi.URLParam(r, "id")) {
		h.writeError(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandlePassGate(w http.ResponseWriter, r *http.Request) {
	h.handleEvent(w, r, (*session.Session).PassGate)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleEvent(w, r, (*session.Session).Cancel)
}

func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.handleEvent(w, r, (*session.Session).Reset)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request, event func(*session.Session) error) {
	sess, ok := h.getSessionOrError(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if err := event(sess); err != nil {
		h.writeEventError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(sess))
}

func (h *Handler) HandlePortrait(w http.ResponseWriter, r *http.Request) {
	h.serveMedia(w, r, func(b *models.PersonaBundle) *models.Media { return &b.Portrait })
}

func (h *Handler) HandleVideo(w http.ResponseWriter, r *http.Request) {
	h.serveMedia(w, r, func(b *models.PersonaBundle) *models.Media { return b.Video })
}

func (h *Handler) serveMedia(w http.ResponseWriter, r *http.Request, pick func(*models.PersonaBundle) *models.Media) {
	sess, ok := h.getSessionOrError(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	done, ok := sess.State().(session.Succeeded)
	if !ok {
		h.writeError(w, "Persona not ready", http.StatusConflict)
		return
	}
	media := pick(done.Bundle)
	if media == nil || media.Empty() {
		h.writeError(w, "Media not available", http.StatusNotFound)
		return
	}

	contentType := media.MIMEType
	if contentType == "" {
		contentType = http.DetectContentType(media.Data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(media.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(media.Data); err != nil {
		h.logger.Error("Unable to write media", "err", err)
	}
}

func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	st, err := h.quota.Status(r.Context(), callerKey(r))
	if err != nil {
		h.writeError(w, "Failed to read quota: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"day":      st.Day,
		"count":    st.Count,
		"limit":    st.Limit,
		"decision": st.Next.String(),
	})
}
