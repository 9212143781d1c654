package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/pipeline"
	"github.com/vanshpatel03/snapera2.0/internal/quota"
	"github.com/vanshpatel03/snapera2.0/internal/session"
	"github.com/vanshpatel03/snapera2.0/internal/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubRunner struct {
	video bool
}

func (s stubRunner) Run(_ context.Context, photo models.Media, animate bool, progress pipeline.ProgressFunc) (*models.PersonaBundle, error) {
	progress(pipeline.LabelAnalyzing)
	b := &models.PersonaBundle{
		Era:       "Victorian",
		Portrait:  models.Media{Data: []byte("portrait-bytes"), MIMEType: "image/png"},
		Name:      "Eleanor Vance",
		Backstory: "A botanist.",
	}
	if animate && s.video {
		b.Video = &models.Media{Data: []byte("mp4"), MIMEType: "video/mp4"}
	}
	return b, nil
}

type testServer struct {
	*httptest.Server
	store *storage.SessionStore
}

func newTestServer(t *testing.T, limit int) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := quota.NewTracker(quota.NewMemoryStore(), limit, quota.WithLogger(logger))
	store := storage.New()
	factory := func(id, key string) *session.Session {
		return session.New(id, key, stubRunner{video: true}, tracker, logger)
	}
	h := New(store, factory, tracker, 1<<20, logger)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		srv.Close()
		store.CloseAll()
	})
	return &testServer{Server: srv, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body io.Reader, contentType string) (*http.Response, sessionView) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var view sessionView
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(data, &view)
	return resp, view
}

func (ts *testServer) create(t *testing.T, user string) string {
	t.Helper()
	resp, view := ts.do(t, http.MethodPost, "/api/sessions", user, nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, view.ID)
	assert.Equal(t, "idle", view.State)
	return view.ID
}

func (ts *testServer) submit(t *testing.T, id, user string, data []byte, animate string) (*http.Response, sessionView) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("photo", "selfie.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	if animate != "" {
		require.NoError(t, mw.WriteField("animate", animate))
	}
	require.NoError(t, mw.Close())
	return ts.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", user, &buf, mw.FormDataContentType())
}

func (ts *testServer) wait(t *testing.T, id string) {
	t.Helper()
	sess, ok := ts.store.Get(id)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sess.Wait(ctx)
	require.NoError(t, err)
}

func TestGenerateFlow(t *testing.T) {
	ts := newTestServer(t, 3)
	id := ts.create(t, "alice")

	resp, _ := ts.submit(t, id, "alice", pngHeader, "true")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.wait(t, id)

	resp, view := ts.do(t, http.MethodGet, "/api/sessions/"+id, "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "succeeded", view.State)
	require.NotNil(t, view.Persona)
	assert.Equal(t, "Victorian", view.Persona.Era)
	assert.Equal(t, "Eleanor Vance", view.Persona.Name)
	assert.Equal(t, "/api/sessions/"+id+"/video", view.Persona.VideoURL)

	req, err := http.NewRequest(http.MethodGet, ts.URL+view.Persona.PortraitURL, nil)
	require.NoError(t, err)
	portrait, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer portrait.Body.Close()
	body, err := io.ReadAll(portrait.Body)
	require.NoError(t, err)
	assert.Equal(t, "image/png", portrait.Header.Get("Content-Type"))
	assert.Equal(t, "portrait-bytes", string(body))

	resp, view = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/reset", "alice", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", view.State)

	resp, _ = ts.do(t, http.MethodGet, "/api/sessions/"+id+"/portrait", "alice", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGateFlowAndDenial(t *testing.T) {
	ts := newTestServer(t, 2)

	first := ts.create(t, "bob")
	resp, _ := ts.submit(t, first, "bob", pngHeader, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.wait(t, first)

	second := ts.create(t, "bob")
	resp, view := ts.submit(t, second, "bob", pngHeader, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "awaiting_gate", view.State)

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/"+second+"/reset", "bob", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/"+second+"/gate", "bob", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.wait(t, second)

	third := ts.create(t, "bob")
	resp, view = ts.submit(t, third, "bob", pngHeader, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "idle", view.State)
	assert.NotEmpty(t, view.Notice)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/quota", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "bob")
	qr, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer qr.Body.Close()
	var q map[string]any
	require.NoError(t, json.NewDecoder(qr.Body).Decode(&q))
	assert.Equal(t, float64(2), q["count"])
	assert.Equal(t, "deny", q["decision"])

	// Another caller has their own quota.
	other := ts.create(t, "carol")
	resp, view = ts.submit(t, other, "carol", pngHeader, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEqual(t, "awaiting_gate", view.State)
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t, 3)
	id := ts.create(t, "dave")

	tests := []struct {
		name    string
		data    []byte
		animate string
		want    int
	}{
		{"not an image", []byte("hello, world"), "", http.StatusBadRequest},
		{"bad animate flag", pngHeader, "sometimes", http.StatusBadRequest},
		{"too large", append(append([]byte{}, pngHeader...), make([]byte, 1<<20)...), "", http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.submit(t, id, "dave", tt.data, tt.animate)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, _ := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", "dave", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitByURL(t *testing.T) {
	photos := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/selfie.png":
			_, _ = w.Write(pngHeader)
		case "/notes.txt":
			_, _ = w.Write([]byte("just text"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer photos.Close()

	ts := newTestServer(t, 3)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing url", `{}`, http.StatusBadRequest},
		{"not http", `{"image_url":"file:///etc/passwd"}`, http.StatusBadRequest},
		{"not an image", `{"image_url":"` + photos.URL + `/notes.txt"}`, http.StatusBadRequest},
		{"upstream 404", `{"image_url":"` + photos.URL + `/gone.png"}`, http.StatusBadRequest},
		{"malformed", `{"image_url":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := ts.create(t, "heidi")
			resp, _ := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", "heidi", bytes.NewBufferString(tt.body), "application/json")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	id := ts.create(t, "ivan")
	body := `{"image_url":"` + photos.URL + `/selfie.png","animate":true}`
	resp, _ := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", "ivan", bytes.NewBufferString(body), "application/json")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.wait(t, id)

	_, view := ts.do(t, http.MethodGet, "/api/sessions/"+id, "ivan", nil, "")
	require.NotNil(t, view.Persona)
	assert.NotEmpty(t, view.Persona.VideoURL)
}

func TestUnknownSessionAndDelete(t *testing.T) {
	ts := newTestServer(t, 3)

	for _, path := range []string{"/api/sessions/nope", "/api/sessions/nope/portrait"} {
		resp, _ := ts.do(t, http.MethodGet, path, "", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp, _ := ts.do(t, http.MethodPost, "/api/sessions/nope/gate", "", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := ts.create(t, "erin")
	resp, _ = ts.do(t, http.MethodDelete, "/api/sessions/"+id, "erin", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/sessions/"+id, "erin", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessionsIsPerCaller(t *testing.T) {
	ts := newTestServer(t, 3)
	ts.create(t, "frank")
	ts.create(t, "frank")
	ts.create(t, "grace")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "frank")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var views []sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Len(t, views, 2)
}

func TestHealthcheck(t *testing.T) {
	ts := newTestServer(t, 3)
	resp, err := http.Get(ts.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
}

func TestCallerKey(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"user header wins", "u-1", "203.0.113.7", "10.0.0.1:5555", "user:u-1"},
		{"first valid forwarded ip", "", "junk, 203.0.113.7, 10.0.0.2", "10.0.0.1:5555", "ip:203.0.113.7"},
		{"remote addr", "", "", "10.0.0.1:5555", "ip:10.0.0.1"},
		{"bare remote addr", "", "", "10.0.0.1", "ip:10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, callerKey(req))
		})
	}
}
