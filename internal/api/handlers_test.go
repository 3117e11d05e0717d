package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"copydesk/internal/api/middleware"
	"copydesk/internal/backend"
	"copydesk/internal/chat"
	"copydesk/internal/models"
	"copydesk/internal/worker"
)

func TestChatRelaysStream(t *testing.T) {
	var got models.ChatRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/stream" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set(backend.SessionHeader, "sess-77")
		for _, part := range []string{"Fresh ", "cuts, ", "fresh start."} {
			_, _ = w.Write([]byte(part))
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()
	router, deps := newTestServer(t, upstream.URL)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Write a caption about X"}},
		"platform": "TikTok",
	}, nil)
	assertStatus(t, rec, http.StatusOK)
	if body := rec.Body.String(); body != "Fresh cuts, fresh start." {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" || rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Fatalf("missing streaming headers: %v", rec.Header())
	}
	if rec.Header().Get(backend.SessionHeader) != "sess-77" {
		t.Fatalf("session header not forwarded")
	}
	if got.ContentType != models.ContentCaption || got.Platform != models.PlatformTikTok {
		t.Fatalf("selection not defaulted/normalized: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "Write a caption about X" {
		t.Fatalf("messages not forwarded: %+v", got.Messages)
	}
	if deps.history.invalidated("sess-77") != 1 {
		t.Fatalf("expected history invalidated once after the turn")
	}
}

func TestChatForwardsSessionHeader(t *testing.T) {
	var got models.ChatRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()
	router, _ := newTestServer(t, upstream.URL)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "again"}},
	}, map[string]string{backend.SessionHeader: "sess-1"})
	assertStatus(t, rec, http.StatusOK)
	if got.SessionID != "sess-1" {
		t.Fatalf("expected session id from header, got %q", got.SessionID)
	}
}

func TestChatValidation(t *testing.T) {
	router, _ := newTestServer(t, "http://127.0.0.1:0")

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"messages": "hello"}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
	var body map[string]string
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["error"] != "Messages must be an array" {
		t.Fatalf("unexpected error %q", body["error"])
	}

	rec = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{}, nil)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"messages":    []any{},
		"contentType": "haiku",
	}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestChatRelaysUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer upstream.Close()
	router, _ := newTestServer(t, upstream.URL)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"messages": []any{}}, nil)
	assertStatus(t, rec, http.StatusTooManyRequests)
	if rec.Body.String() != "rate limited" {
		t.Fatalf("upstream text not relayed: %q", rec.Body.String())
	}
}

func TestChatNoBodyAndNetworkFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()
	router, _ := newTestServer(t, upstream.URL)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"messages": []any{}}, nil)
	assertStatus(t, rec, http.StatusInternalServerError)
	var body map[string]string
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["error"] != "No response body" {
		t.Fatalf("unexpected body %v", body)
	}

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	router, _ = newTestServer(t, deadURL)
	rec = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"messages": []any{}}, nil)
	assertStatus(t, rec, http.StatusInternalServerError)
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["error"] != "Internal server error" || body["message"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestChatUpstreamBreakFailsClientTurn(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(backend.SessionHeader, "sess-9")
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("half a rep"))
	}))
	defer upstream.Close()
	router, deps := newTestServer(t, upstream.URL)
	proxy := httptest.NewServer(router)
	defer proxy.Close()

	session := chat.NewSession(backend.NewClient(proxy.URL, backend.ProxyEndpoints, 0), nil, nil)
	if !session.Send(context.Background(), "hello") {
		t.Fatalf("send refused")
	}

	msgs := session.Snapshot().Messages
	if len(msgs) != 3 {
		t.Fatalf("expected user, partial reply and apology, got %+v", msgs)
	}
	if !strings.HasPrefix("half a rep", msgs[1].Content) {
		t.Fatalf("unexpected partial reply %q", msgs[1].Content)
	}
	if msgs[2].Content != chat.ApologyText {
		t.Fatalf("expected apology, got %q", msgs[2].Content)
	}
	if session.Snapshot().Status != chat.StatusReady {
		t.Fatalf("session not ready after failed turn")
	}
	if deps.history.invalidated("sess-9") != 0 {
		t.Fatalf("history must not be invalidated for a broken turn")
	}
}

func TestSubmitFeedback(t *testing.T) {
	router, deps := newTestServer(t, "http://127.0.0.1:0")

	rec := doJSONRequest(t, router, http.MethodPost, "/api/feedback", models.Feedback{
		ContentType:      models.ContentReelScript,
		Platform:         models.PlatformYouTube,
		UserMessage:      "30s reel on balayage",
		AssistantMessage: "HOOK: ...",
		Rating:           models.RatingPositive,
	}, nil)
	assertStatus(t, rec, http.StatusAccepted)
	var body map[string]string
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["status"] != "queued" || body["id"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(deps.feedback.submitted) != 1 {
		t.Fatalf("expected one submission")
	}

	deps.feedback.err = fmt.Errorf("queue: %w", worker.ErrDispatcherBusy)
	rec = doJSONRequest(t, router, http.MethodPost, "/api/feedback", models.Feedback{Rating: models.RatingPositive}, nil)
	assertStatus(t, rec, http.StatusTooManyRequests)

	deps.feedback.err = models.ErrInvalidRating
	rec = doJSONRequest(t, router, http.MethodPost, "/api/feedback", models.Feedback{Rating: "meh"}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestSessionMessagesUsesCache(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/v1/chat/sessions/sess-5/messages" {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer upstream.Close()
	router, _ := newTestServer(t, upstream.URL)

	for i, want := range []string{"miss", "hit"} {
		rec := doJSONRequest(t, router, http.MethodGet, "/api/sessions/sess-5/messages", nil, nil)
		assertStatus(t, rec, http.StatusOK)
		if rec.Header().Get("X-Cache") != want {
			t.Fatalf("request %d: expected cache %s", i, want)
		}
		if rec.Body.String() != `{"messages":[]}` {
			t.Fatalf("unexpected body %s", rec.Body.String())
		}
	}
	if calls != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}

	rec := doJSONRequest(t, router, http.MethodGet, "/api/sessions/other/messages", nil, nil)
	assertStatus(t, rec, http.StatusNotFound)
}

func TestFilesUploadFiltersRejected(t *testing.T) {
	router, _ := newTestServer(t, "http://127.0.0.1:0")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	addPart(t, mw, "brief.md", "", []byte("# Brief"))
	addPart(t, mw, "tool.exe", "application/x-msdownload", []byte("MZ"))
	addPart(t, mw, "logo.png", "image/png", []byte("\x89PNG"))
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Files []models.Attachment `json:"files"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if len(body.Files) != 2 {
		t.Fatalf("expected 2 accepted files, got %+v", body.Files)
	}
	if body.Files[0].Name != "brief.md" || body.Files[0].Type != "text/plain" {
		t.Fatalf("unexpected first file %+v", body.Files[0])
	}
	if body.Files[1].Name != "logo.png" || body.Files[1].Size != 4 {
		t.Fatalf("unexpected second file %+v", body.Files[1])
	}
}

func TestFilesUploadRequiresFiles(t *testing.T) {
	router, _ := newTestServer(t, "http://127.0.0.1:0")
	rec := doJSONRequest(t, router, http.MethodPost, "/api/uploads", nil, nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestHealthz(t *testing.T) {
	router, _ := newTestServer(t, "http://127.0.0.1:0")
	rec := doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, rec, http.StatusOK)
}

type testDeps struct {
	feedback *mockFeedback
	history  *memHistory
}

func newTestServer(t *testing.T, upstreamURL string) (*gin.Engine, *testDeps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	deps := &testDeps{feedback: &mockFeedback{}, history: newMemHistory()}
	client := backend.NewClient(upstreamURL, backend.ServiceEndpoints, 0)
	handler := NewHandler(client, deps.feedback, deps.history, nil, 0, nil)

	router := gin.New()
	router.Use(middleware.Recovery(zap.NewNop()))
	handler.RegisterRoutes(router)
	return router, deps
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func addPart(t *testing.T, mw *multipart.Writer, name, contentType string, data []byte) {
	t.Helper()
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, name))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	w, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

type mockFeedback struct {
	submitted []models.Feedback
	err       error
}

func (m *mockFeedback) Submit(_ context.Context, fb *models.Feedback) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.submitted = append(m.submitted, *fb)
	return fmt.Sprintf("fb-%d", len(m.submitted)), nil
}

type memHistory struct {
	mu          sync.Mutex
	entries     map[string]json.RawMessage
	invalidates map[string]int
}

func newMemHistory() *memHistory {
	return &memHistory{entries: map[string]json.RawMessage{}, invalidates: map[string]int{}}
}

func (m *memHistory) Load(_ context.Context, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.entries[id]
	return raw, ok
}

func (m *memHistory) Store(_ context.Context, id string, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = raw
}

func (m *memHistory) Invalidate(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	m.invalidates[strings.TrimSpace(id)]++
}

func (m *memHistory) invalidated(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidates[id]
}
