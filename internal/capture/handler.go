package capture

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"media-capture/internal/platform/metrics"
	"media-capture/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Handler exposes capture sessions over HTTP using go-chi.
type Handler struct {
	svc      *Service
	relay    *relay.Fetcher
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler. fetcher backs the proxy endpoint and may be
// nil to disable it. Metrics may be nil to disable metric recording.
func NewHandler(svc *Service, fetcher *relay.Fetcher, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:     svc,
		relay:   fetcher,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type startSessionRequest struct {
	URL   string `json:"url"`
	TTLMs int64  `json:"ttlMs"`
}

type startSessionResponse struct {
	SessionID  SessionID `json:"sessionId"`
	ViewerPath string    `json:"viewerPath"`
}

// CreateSession handles POST /sessions.
// Body: { "url": "https://example.com/watch", "ttlMs": 90000 }.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.startSession(w, req.URL, time.Duration(req.TTLMs)*time.Millisecond, http.StatusCreated)
}

// StartSession handles GET /start-session?url=...&timeout=90000.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ttl time.Duration
	if s := q.Get("timeout"); s != "" {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			ttl = time.Duration(ms) * time.Millisecond
		}
	}
	h.startSession(w, q.Get("url"), ttl, http.StatusOK)
}

func (h *Handler) startSession(w http.ResponseWriter, target string, ttl time.Duration, status int) {
	sess, err := h.svc.StartSession(target, ttl)
	if err != nil {
		h.log.Info("session not started", slog.String("target", target), slog.String("error", err.Error()))
		w.WriteHeader(statusFor(err))
		return
	}
	writeJSON(w, status, startSessionResponse{
		SessionID:  sess.ID,
		ViewerPath: viewerPath(sess.ID, sess.TargetURL),
	})
}

func viewerPath(id SessionID, target string) string {
	v := url.Values{}
	v.Set("session", string(id))
	v.Set("target", target)
	return "/viewer?" + v.Encode()
}

// Results handles GET /sessions/{id}/results.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	refs, err := h.svc.Results(sessionID(r))
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// Playlist handles GET /sessions/{id}/playlist.m3u8.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	refs, err := h.svc.Results(sessionID(r))
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(BuildPlaylist(refs)))
}

// CloseSession handles DELETE /sessions/{id}.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := h.svc.CloseSession(id); err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamEvents handles GET /sessions/{id}/events (and GET /stream?session=)
// as a server-sent event stream: replay of current results, then live events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	sink := newSSESink(w)
	sub, err := h.svc.Subscribe(id, sink)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = sink.rc.Flush()

	h.log.Debug("subscriber connected", slog.String("session_id", string(id)), slog.String("transport", "sse"))
	err = sub.Serve(r.Context(), h.svc.Heartbeat())
	h.subscriberDone(id, "sse", err)
}

// StreamWS handles GET /sessions/{id}/ws. Each event is one JSON text
// message; heartbeats are ping frames.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	sink := &wsSink{}
	sub, err := h.svc.Subscribe(id, sink)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	sink.conn = conn
	defer sink.close()

	// The read pump only consumes control frames; a read error means the
	// client went away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	readWait := 2*h.svc.Heartbeat() + wsWriteWait
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	h.log.Debug("subscriber connected", slog.String("session_id", string(id)), slog.String("transport", "websocket"))
	err = sub.Serve(ctx, h.svc.Heartbeat())
	h.subscriberDone(id, "websocket", err)
}

func (h *Handler) subscriberDone(id SessionID, transport string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		h.log.Debug("subscriber disconnected",
			slog.String("session_id", string(id)),
			slog.String("transport", transport))
		return
	}
	h.log.Info("subscriber closed",
		slog.String("session_id", string(id)),
		slog.String("transport", transport),
		slog.String("error", err.Error()))
}

// Proxy handles GET /proxy?url=... by relaying the upstream body and
// content type.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	target := r.URL.Query().Get("url")
	up, err := h.relay.Open(r.Context(), target)
	if err != nil {
		h.log.Info("proxy failed", slog.String("url", target), slog.String("error", err.Error()))
		h.countProxy(proxyResult(err))
		w.WriteHeader(statusFor(err))
		return
	}
	defer up.Body.Close()
	h.countProxy("ok")

	if up.ContentType != "" {
		w.Header().Set("Content-Type", up.ContentType)
	}
	if up.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(up.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, up.Body); err != nil {
		h.log.Debug("proxy copy interrupted", slog.String("url", target), slog.String("error", err.Error()))
	}
}

func (h *Handler) countProxy(result string) {
	if h.metrics != nil {
		h.metrics.IncProxyRequests(result)
	}
}

func proxyResult(err error) string {
	if errors.Is(err, relay.ErrInvalidURL) {
		return "invalid"
	}
	return "unreachable"
}

// Viewer handles GET /viewer?session=...&target=...: the target page in an
// iframe next to a live list of captured references.
func (h *Handler) Viewer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := SessionID(q.Get("session"))
	target := q.Get("target")
	if id == "" || target == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := h.svc.Results(id); err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := viewerTemplate.Execute(w, struct {
		Session SessionID
		Target  string
	}{id, target}); err != nil {
		h.log.Debug("viewer render failed", slog.String("error", err.Error()))
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sessionID(r *http.Request) SessionID {
	if id := chi.URLParam(r, "id"); id != "" {
		return SessionID(id)
	}
	return SessionID(r.URL.Query().Get("session"))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, relay.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var viewerTemplate = template.Must(template.New("viewer").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Live capture - {{.Session}}</title>
<style>
body { margin:0; font-family: Arial, Helvetica, sans-serif; height:100vh; display:flex; flex-direction:column; }
#top { background:#111; color:#fff; padding:8px; display:flex; gap:8px; align-items:center; }
#list { display:flex; gap:8px; overflow:auto; padding:6px; }
.item { background:#eee; padding:8px; border-radius:6px; min-width:220px; display:flex; flex-direction:column; gap:6px; }
.item.priority { background:#ffe9a8; }
.item .url { font-size:12px; word-break:break-all; }
.item .meta { font-size:11px; color:#555; }
iframe { flex:1; border:0; width:100%; }
.controls { margin-left:auto; display:flex; gap:6px; }
button { padding:6px 8px; border-radius:6px; border:0; cursor:pointer; }
</style>
</head>
<body>
<div id="top">
  <strong>Captured media</strong> <span id="count">0</span>
  <div class="controls">
    <button id="copy">Copy URLs</button>
    <button id="close">End session</button>
  </div>
</div>
<div id="list"></div>
<iframe src="{{.Target}}"></iframe>
<script>
const session = {{.Session}};
const list = document.getElementById("list");
const seen = new Map();
const es = new EventSource("/sessions/" + encodeURIComponent(session) + "/events");
es.onmessage = (m) => {
  try {
    const ev = JSON.parse(m.data);
    if (ev.type === "found" && ev.item) add(ev.item);
  } catch (e) {}
};
function add(it) {
  if (seen.has(it.canonicalUrl)) return;
  const div = document.createElement("div");
  div.className = "item" + (it.priority ? " priority" : "");
  const meta = document.createElement("div");
  meta.className = "meta";
  meta.textContent = it.kind + " / " + it.source + (it.contentType ? " / " + it.contentType : "");
  const u = document.createElement("div");
  u.className = "url";
  u.textContent = it.url;
  const open = document.createElement("a");
  open.href = "/proxy?url=" + encodeURIComponent(it.canonicalUrl);
  open.target = "_blank";
  open.textContent = "Open";
  div.append(meta, u, open);
  list.append(div);
  seen.set(it.canonicalUrl, div);
  document.getElementById("count").textContent = seen.size;
}
document.getElementById("copy").onclick = () => navigator.clipboard.writeText(Array.from(seen.keys()).join("\n"));
document.getElementById("close").onclick = () => fetch("/sessions/" + encodeURIComponent(session), { method: "DELETE" }).then(() => es.close());
</script>
</body>
</html>
`))
