package logger

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	log := NewWithFile("debug", "json", FileOptions{Path: path, MaxSizeMB: 1})

	log.Debug("session created", "session_id", "abc")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"session created"`) || !strings.Contains(string(b), `"session_id":"abc"`) {
		t.Errorf("unexpected log file content: %s", b)
	}
}

func TestRequestLogger_keeps_flusher(t *testing.T) {
	var flushed bool
	h := RequestLogger(Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushed = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if !flushed {
		t.Error("wrapped writer should implement http.Flusher")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status to pass through, got %d", rec.Code)
	}
}
