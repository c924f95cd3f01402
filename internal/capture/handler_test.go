package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"media-capture/internal/platform/logger"
	"media-capture/internal/platform/metrics"
	"media-capture/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func newTestHandler(t *testing.T, opts RegistryOptions) (*Handler, *Service) {
	t.Helper()
	log := logger.Discard()
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = time.Minute
	}
	reg := NewRegistry(opts, log, nil)
	svc := NewService(reg, nil, nil, Options{Heartbeat: time.Hour}, log, nil)
	fetcher := relay.New(relay.Options{Timeout: 2 * time.Second, Rate: 1000}, log)
	return NewHandler(svc, fetcher, log, nil), svc
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(logger.Discard()))
	r.Use(metrics.RequestMiddleware(metrics.New()))
	r.Get("/healthz", h.Health)
	r.Get("/start-session", h.StartSession)
	r.Get("/stream", h.StreamEvents)
	r.Get("/viewer", h.Viewer)
	r.Get("/proxy", h.Proxy)
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Delete("/", h.CloseSession)
		r.Get("/results", h.Results)
		r.Get("/playlist.m3u8", h.Playlist)
		r.Get("/events", h.StreamEvents)
		r.Get("/ws", h.StreamWS)
	})
	return r
}

func createSession(t *testing.T, r http.Handler, target string) startSessionResponse {
	t.Helper()
	b, _ := json.Marshal(map[string]interface{}{"url": target, "ttlMs": 60000})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d", rec.Code)
	}
	var resp startSessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestHandler_CreateSession(t *testing.T) {
	h, _ := newTestHandler(t, RegistryOptions{})
	r := newTestRouter(h)

	resp := createSession(t, r, "https://example.com/watch?v=1")
	if resp.SessionID == "" {
		t.Fatal("expected session id")
	}
	if !strings.HasPrefix(resp.ViewerPath, "/viewer?") || !strings.Contains(resp.ViewerPath, string(resp.SessionID)) {
		t.Errorf("unexpected viewer path %q", resp.ViewerPath)
	}

	t.Run("bad_body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("not json"))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("invalid_target", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"url":"file:///etc/passwd"}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandler_StartSession_query(t *testing.T) {
	h, _ := newTestHandler(t, RegistryOptions{MaxSessions: 1})
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/start-session", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing url: expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/start-session?url="+url.QueryEscape("https://example.com/")+"&timeout=5000", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/start-session?url="+url.QueryEscape("https://example.com/"), nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("registry full: expected 503, got %d", rec.Code)
	}
}

func TestHandler_Results_and_Close(t *testing.T) {
	h, svc := newTestHandler(t, RegistryOptions{})
	r := newTestRouter(h)
	resp := createSession(t, r, "https://example.com/")

	t.Run("empty_results_are_an_array", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+string(resp.SessionID)+"/results", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
			t.Errorf("expected [], got %s", got)
		}
	})

	t.Run("results_in_store_order", func(t *testing.T) {
		_, _ = svc.Observe(resp.SessionID, DomBatch{Items: []string{
			"https://a.example.com/a.jpg",
			"https://scontent.cdninstagram.com/b.jpg",
		}})
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+string(resp.SessionID)+"/results", nil))
		var refs []MediaReference
		if err := json.NewDecoder(rec.Body).Decode(&refs); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(refs) != 2 || refs[0].CanonicalURL != "https://scontent.cdninstagram.com/b.jpg" || !refs[0].Priority {
			t.Errorf("unexpected results %+v", refs)
		}
	})

	t.Run("delete_then_not_found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/"+string(resp.SessionID), nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/"+string(resp.SessionID), nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("second delete: expected 404, got %d", rec.Code)
		}
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+string(resp.SessionID)+"/results", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("results: expected 404, got %d", rec.Code)
		}
	})
}

func TestHandler_Playlist(t *testing.T) {
	h, svc := newTestHandler(t, RegistryOptions{})
	r := newTestRouter(h)
	resp := createSession(t, r, "https://example.com/")

	_, _ = svc.Observe(resp.SessionID, DomBatch{Items: []string{
		"https://img.example.com/a.jpg",
		"https://cdn.example.com/live/index.m3u8",
	}})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+string(resp.SessionID)+"/playlist.m3u8", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("unexpected content type %q", ct)
	}
	want := "#EXTM3U\n#EXTINF:-1,video index.m3u8\nhttps://cdn.example.com/live/index.m3u8\n"
	if rec.Body.String() != want {
		t.Errorf("got %q, want %q", rec.Body.String(), want)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/missing/playlist.m3u8", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rec.Code)
	}
}

func TestHandler_StreamEvents_unknown_session(t *testing.T) {
	h, _ := newTestHandler(t, RegistryOptions{})
	r := newTestRouter(h)
	for _, path := range []string{"/sessions/missing/events", "/stream?session=missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestHandler_StreamEvents(t *testing.T) {
	h, svc := newTestHandler(t, RegistryOptions{})
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp := createSession(t, newTestRouter(h), "https://example.com/")
	_, _ = svc.Observe(resp.SessionID, NetworkResponse{URL: "https://cdn.example.com/first.mp4"})

	res, err := http.Get(srv.URL + "/sessions/" + string(resp.SessionID) + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type %q", ct)
	}

	frames := make(chan string, 8)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "data: ") {
				frames <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	next := func() Event {
		t.Helper()
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatal("stream ended early")
			}
			var ev Event
			if err := json.Unmarshal([]byte(f), &ev); err != nil {
				t.Fatalf("bad frame %q: %v", f, err)
			}
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return Event{}
	}

	if ev := next(); ev.Type != EventFound || ev.Item.CanonicalURL != "https://cdn.example.com/first.mp4" {
		t.Errorf("replay: unexpected event %+v", ev)
	}

	_, _ = svc.Observe(resp.SessionID, NetworkResponse{URL: "https://cdn.example.com/first.mp4?utm_source=again"})
	_, _ = svc.Observe(resp.SessionID, NetworkResponse{URL: "https://cdn.example.com/second.mp3"})
	if ev := next(); ev.Item.CanonicalURL != "https://cdn.example.com/second.mp3" || ev.Item.Kind != KindAudio {
		t.Errorf("live: unexpected event %+v", ev)
	}

	if err := svc.CloseSession(resp.SessionID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	select {
	case _, ok := <-frames:
		if ok {
			t.Error("unexpected frame after close")
		}
	case <-time.After(2 * time.Second):
		t.Error("stream not closed after session destroyed")
	}
}

func TestHandler_StreamWS(t *testing.T) {
	h, svc := newTestHandler(t, RegistryOptions{})
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp := createSession(t, newTestRouter(h), "https://example.com/")
	_, _ = svc.Observe(resp.SessionID, DomBatch{Items: []string{"https://img.example.com/a.jpg"}})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + string(resp.SessionID) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if ev.Item.CanonicalURL != "https://img.example.com/a.jpg" || ev.Item.Kind != KindImage {
		t.Errorf("replay: unexpected event %+v", ev)
	}

	_, _ = svc.Observe(resp.SessionID, DomBatch{Items: []string{"https://img.example.com/b.png"}})
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if ev.Item.CanonicalURL != "https://img.example.com/b.png" {
		t.Errorf("live: unexpected event %+v", ev)
	}

	t.Run("unknown_session", func(t *testing.T) {
		_, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/sessions/missing/ws", nil)
		if err == nil {
			t.Fatal("expected dial to fail")
		}
		if res == nil || res.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404 response, got %v", res)
		}
	})
}

func TestHandler_Proxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp4" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		io.WriteString(w, "MP4DATA")
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, RegistryOptions{})
	m := metrics.New()
	h.metrics = m
	r := newTestRouter(h)

	t.Run("relays_body_and_type", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape(upstream.URL+"/v.mp4"), nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
			t.Errorf("content type %q", ct)
		}
		if rec.Body.String() != "MP4DATA" {
			t.Errorf("body %q", rec.Body.String())
		}
	})

	t.Run("invalid_url", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy?url=notaurl", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("upstream_error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape(upstream.URL+"/missing.mp4"), nil))
		if rec.Code != http.StatusBadGateway {
			t.Errorf("expected 502, got %d", rec.Code)
		}
	})

	t.Run("results_counted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := rec.Body.String()
		for _, want := range []string{
			`capture_proxy_requests_total{result="ok"} 1`,
			`capture_proxy_requests_total{result="invalid"} 1`,
			`capture_proxy_requests_total{result="unreachable"} 1`,
		} {
			if !strings.Contains(body, want) {
				t.Errorf("metrics output missing %q", want)
			}
		}
	})
}

func TestHandler_Viewer(t *testing.T) {
	h, _ := newTestHandler(t, RegistryOptions{})
	r := newTestRouter(h)
	resp := createSession(t, r, "https://example.com/watch")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, resp.ViewerPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, string(resp.SessionID)) || !strings.Contains(body, `src="https://example.com/watch"`) {
		t.Errorf("viewer page missing session or target")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/viewer?session="+string(resp.SessionID), nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing target: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/viewer?session=missing&target=x", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	h, _ := newTestHandler(t, RegistryOptions{})
	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
