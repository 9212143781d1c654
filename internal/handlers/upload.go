package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vanshpatel03/snapera2.0/internal/images"
	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/quota"
)

type urlSubmitRequest struct {
	ImageURL string `json:"image_url"`
	Animate  bool   `json:"animate"`
}

// HandleSubmitPhoto accepts either a multipart "photo" (or "file") upload with
// an optional "animate" field, or a JSON body naming an image_url.
func (h *Handler) HandleSubmitPhoto(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.getSessionOrError(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var (
		photo   models.Media
		animate bool
		err     error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		photo, animate, ok = h.readURLSubmit(w, r)
	} else {
		photo, animate, ok = h.readMultipartSubmit(w, r)
	}
	if !ok {
		return
	}

	err = sess.Submit(r.Context(), photo, animate)
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		h.writeJSON(w, http.StatusTooManyRequests, viewOf(sess))
		return
	case err != nil:
		h.writeEventError(w, err)
		return
	}

	h.logger.Info("Photo submitted", "session_id", sess.ID(), "bytes", len(photo.Data), "mime_type", photo.MIMEType, "animate", animate)
	h.writeJSON(w, http.StatusAccepted, viewOf(sess))
}

func (h *Handler) readMultipartSubmit(w http.ResponseWriter, r *http.Request) (models.Media, bool, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	file, _, err := r.FormFile("photo")
	if err != nil {
		file, _, err = r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.writeError(w, "File too large", http.StatusRequestEntityTooLarge)
				return models.Media{}, false, false
			}
			h.writeError(w, "Failed to read file: "+err.Error(), http.StatusBadRequest)
			return models.Media{}, false, false
		}
	}
	defer file.Close()

	photo, err := h.photos.Read(file)
	if err != nil {
		h.writePhotoError(w, err)
		return models.Media{}, false, false
	}

	animate := false
	if raw := strings.TrimSpace(r.FormValue("animate")); raw != "" {
		animate, err = strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, "Invalid animate flag", http.StatusBadRequest)
			return models.Media{}, false, false
		}
	}
	return photo, animate, true
}

func (h *Handler) readURLSubmit(w http.ResponseWriter, r *http.Request) (models.Media, bool, bool) {
	var req urlSubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return models.Media{}, false, false
	}
	if req.ImageURL == "" {
		h.writeError(w, "image_url is required", http.StatusBadRequest)
		return models.Media{}, false, false
	}
	if !strings.HasPrefix(req.ImageURL, "http://") && !strings.HasPrefix(req.ImageURL, "https://") {
		h.writeError(w, "image_url must be an http(s) URL", http.StatusBadRequest)
		return models.Media{}, false, false
	}

	photo, err := h.photos.Fetch(r.Context(), req.ImageURL)
	if err != nil {
		h.writePhotoError(w, err)
		return models.Media{}, false, false
	}
	return photo, req.Animate, true
}

func (h *Handler) writePhotoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, images.ErrTooLarge):
		h.writeError(w, "File too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, images.ErrNotImage):
		h.writeError(w, "Uploaded file is not an image", http.StatusBadRequest)
	default:
		h.writeError(w, "Failed to read photo: "+err.Error(), http.StatusBadRequest)
	}
}
