package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jdelaire/openbot/core"
)

type idleSource struct{}

func (idleSource) Run(ctx context.Context, _ core.Sink) error {
	<-ctx.Done()
	return nil
}

func noop(context.Context, *core.Request) error { return nil }

func setupTestServer(t *testing.T) (*Server, *core.Registry, string, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := core.NewRegistry(logger)
	reg.OnMessage("start", noop)
	reg.OnCallbackQuery("answer", noop)
	d := core.NewDispatcher(idleSource{}, reg, core.WithLogger(logger))

	srv := NewServer(sockPath, NewBackend(d, reg), logger)
	ctx, cancel := context.WithCancel(context.Background())

	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start server: %v", err)
	}

	return srv, reg, sockPath, cancel
}

func sendRequest(t *testing.T, sockPath string, data []byte) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Signal we're done writing so server's ReadAll returns.
	conn.(*net.UnixConn).CloseWrite()

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestServer_Stats(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	resp := sendRequest(t, sockPath, []byte(`{"version":1,"action":"stats"}`))
	if !resp.OK {
		t.Fatalf("expected ok, got error: %s", resp.Error)
	}

	var stats core.Stats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Received != 0 {
		t.Errorf("expected no received updates, got %d", stats.Received)
	}
}

func TestServer_Handlers(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	resp := sendRequest(t, sockPath, []byte(`{"version":1,"action":"handlers"}`))
	if !resp.OK {
		t.Fatalf("expected ok, got error: %s", resp.Error)
	}

	var handlers []HandlerInfo
	if err := json.Unmarshal(resp.Data, &handlers); err != nil {
		t.Fatalf("decode handlers: %v", err)
	}
	if len(handlers) != 2 {
		t.Fatalf("expected 2 handlers, got %d", len(handlers))
	}
	if handlers[0].Name != "answer" || handlers[0].Category != "callback_query" {
		t.Errorf("unexpected first handler: %+v", handlers[0])
	}
	if handlers[1].Name != "start" || !handlers[1].Enabled {
		t.Errorf("unexpected second handler: %+v", handlers[1])
	}
}

func TestServer_DisableAndEnable(t *testing.T) {
	srv, reg, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	id := reg.Entries(core.CategoryMessage)[0].ID

	resp := sendRequest(t, sockPath, []byte(fmt.Sprintf(`{"version":1,"action":"disable","payload":{"id":%q}}`, id)))
	if !resp.OK {
		t.Fatalf("disable failed: %s", resp.Error)
	}
	if reg.Entries(core.CategoryMessage)[0].Enabled() {
		t.Fatal("expected handler to be disabled")
	}

	resp = sendRequest(t, sockPath, []byte(fmt.Sprintf(`{"version":1,"action":"enable","payload":{"id":%q}}`, id)))
	if !resp.OK {
		t.Fatalf("enable failed: %s", resp.Error)
	}
	if !reg.Entries(core.CategoryMessage)[0].Enabled() {
		t.Fatal("expected handler to be enabled")
	}
}

func TestServer_ToggleUnknownHandler(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	resp := sendRequest(t, sockPath, []byte(`{"version":1,"action":"disable","payload":{"id":"nope"}}`))
	if resp.OK {
		t.Fatal("expected error for unknown handler")
	}
	if !strings.Contains(resp.Error, "unknown handler") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	resp := sendRequest(t, sockPath, []byte(`{bad`))
	if resp.OK {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestServer_UnknownAction(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	resp := sendRequest(t, sockPath, []byte(`{"version":1,"action":"delete","payload":{}}`))
	if resp.OK {
		t.Fatal("expected error for unknown action")
	}
	if !strings.Contains(resp.Error, "unknown action") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestServer_PayloadTooLarge(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	big := []byte(`{"version":1,"action":"enable","payload":{"id":"` + strings.Repeat("x", MaxPayloadBytes) + `"}}`)
	resp := sendRequest(t, sockPath, big)
	if resp.OK {
		t.Fatal("expected error for oversized payload")
	}
	if !strings.Contains(resp.Error, "byte limit") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestServer_SocketPermissions(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected socket permissions 0600, got %o", perm)
	}
}

func TestServer_DirectoryPermissions(t *testing.T) {
	// Unix socket paths are short on some platforms, so stay under /tmp.
	dir, err := os.MkdirTemp("/tmp", "obd")
	if err != nil {
		t.Fatalf("mkdirtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	subdir := filepath.Join(dir, "sub")
	sockPath := filepath.Join(subdir, "t.sock")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := core.NewRegistry(logger)
	srv := NewServer(sockPath, NewBackend(core.NewDispatcher(idleSource{}, reg), reg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	info, err := os.Stat(subdir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("expected directory permissions 0700, got %o", perm)
	}
}

func TestServer_StaleSocketCleanup(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	os.WriteFile(sockPath, []byte("stale"), 0600)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := core.NewRegistry(logger)
	srv := NewServer(sockPath, NewBackend(core.NewDispatcher(idleSource{}, reg), reg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start failed with stale socket: %v", err)
	}
	defer srv.Shutdown()

	resp := sendRequest(t, sockPath, []byte(`{"version":1,"action":"stats"}`))
	if !resp.OK {
		t.Fatalf("expected ok after stale cleanup, got: %s", resp.Error)
	}
}

func TestServer_RefusesLiveSocket(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	reg := core.NewRegistry(nil)
	other := NewServer(sockPath, NewBackend(core.NewDispatcher(idleSource{}, reg), reg), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err := other.Start(context.Background()); err == nil {
		t.Fatal("expected second server to refuse a live socket")
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv, _, sockPath, cancel := setupTestServer(t)

	cancel()
	srv.Shutdown()

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("expected socket file to be removed after shutdown")
	}
}

func TestSendRoundTrip(t *testing.T) {
	srv, reg, sockPath, cancel := setupTestServer(t)
	defer func() { cancel(); srv.Shutdown() }()

	id := reg.Entries(core.CategoryCallbackQuery)[0].ID
	resp, err := Send(context.Background(), sockPath, ActionDisable, TogglePayload{ID: id})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.OK {
		t.Fatalf("disable failed: %s", resp.Error)
	}
	if reg.Entries(core.CategoryCallbackQuery)[0].Enabled() {
		t.Error("expected callback handler to be disabled")
	}

	resp, err = Send(context.Background(), sockPath, ActionStats, nil)
	if err != nil || !resp.OK {
		t.Fatalf("stats: %v %+v", err, resp)
	}
}

func TestSendNoServer(t *testing.T) {
	_, err := Send(context.Background(), filepath.Join(t.TempDir(), "none.sock"), ActionStats, nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
}
