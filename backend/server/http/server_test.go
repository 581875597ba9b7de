package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	if cfg.Signaling == nil {
		cfg.Signaling = http.NotFoundHandler()
	}
	ts := httptest.NewServer(NewServer(cfg).Handler)
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func TestHealthz(t *testing.T) {
	healthy := &atomic.Bool{}
	healthy.Store(true)
	ts := newTestServer(t, Config{Healthy: healthy.Load})

	resp, body := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(headerRequestID) == "" {
		t.Error("request id header missing")
	}

	healthy.Store(false)
	resp, body = get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusServiceUnavailable || body != "overloaded" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	ts := newTestServer(t, Config{})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set(headerRequestID, "abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get(headerRequestID); got != "abc" {
		t.Errorf("expected caller request id, got %q", got)
	}
}

func TestMetricsAndStatic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>viewer</html>"), 0o600); err != nil {
		t.Fatal(err)
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "frames_sent_total 3\n")
	})
	ts := newTestServer(t, Config{Metrics: metrics, StaticDir: dir})

	_, body := get(t, ts.URL+"/metrics")
	if !strings.Contains(body, "frames_sent_total") {
		t.Errorf("metrics handler not mounted: %q", body)
	}
	_, body = get(t, ts.URL+"/")
	if !strings.Contains(body, "viewer") {
		t.Errorf("static index not served: %q", body)
	}
}

func TestStaticDisabled(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, _ := get(t, ts.URL+"/index.html")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without static dir, got %d", resp.StatusCode)
	}
}

func TestUpgradeThroughAccessLog(t *testing.T) {
	up := websocket.Upgrader{}
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, msg)
	})
	ts := newTestServer(t, Config{Signaling: echo})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"login"}`)); err != nil {
		t.Fatal(err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"login"}` {
		t.Errorf("unexpected echo %q", msg)
	}
}
