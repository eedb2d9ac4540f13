package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jdelaire/openbot/core"
)

const connDeadline = 5 * time.Second

// Backend is what the control socket inspects and toggles.
type Backend interface {
	Stats() core.Stats
	Handlers() []HandlerInfo
	SetEnabled(id string, on bool) bool
}

type dispatchBackend struct {
	dispatcher *core.Dispatcher
	registry   *core.Registry
}

// NewBackend serves a dispatcher and its registry.
func NewBackend(d *core.Dispatcher, r *core.Registry) Backend {
	return &dispatchBackend{dispatcher: d, registry: r}
}

func (b *dispatchBackend) Stats() core.Stats { return b.dispatcher.Stats() }

func (b *dispatchBackend) Handlers() []HandlerInfo {
	entries := b.registry.All()
	out := make([]HandlerInfo, len(entries))
	for i, e := range entries {
		out[i] = HandlerInfo{
			ID:       e.ID,
			Name:     e.Name,
			Category: string(e.Category),
			Priority: e.Priority,
			Enabled:  e.Enabled(),
		}
	}
	return out
}

func (b *dispatchBackend) SetEnabled(id string, on bool) bool {
	return b.registry.SetEnabled(id, on)
}

// Server listens on a Unix domain socket and answers control requests.
type Server struct {
	socketPath string
	backend    Backend
	listener   net.Listener
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewServer creates a control socket server.
func NewServer(socketPath string, backend Backend, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		logger:     logger,
	}
}

// Start begins listening. It removes a stale socket, creates the directory
// with 0700 permissions, and sets the socket to 0600.
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return fmt.Errorf("another instance is already listening on %s", s.socketPath)
		}
		s.logger.Info("removing stale socket", "path", s.socketPath)
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = ln
	s.logger.Info("control socket listening", "path", s.socketPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Shutdown stops the server and waits for in-flight connections.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept error", "error", err)
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	data, err := io.ReadAll(io.LimitReader(conn, MaxPayloadBytes+1))
	if err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "read error"})
		return
	}

	req, err := ValidateRequest(data)
	if err != nil {
		s.logger.Warn("invalid control request", "error", err)
		s.writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}

	switch req.Action {
	case ActionStats:
		s.writeData(conn, s.backend.Stats())
	case ActionHandlers:
		s.writeData(conn, s.backend.Handlers())
	case ActionEnable, ActionDisable:
		p, _ := ParseTogglePayload(req.Payload)
		on := req.Action == ActionEnable
		if !s.backend.SetEnabled(p.ID, on) {
			s.writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("unknown handler %q", p.ID)})
			return
		}
		s.logger.Info("handler toggled", "id", p.ID, "enabled", on)
		s.writeResponse(conn, Response{OK: true})
	}
}

func (s *Server) writeData(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "encode error"})
		return
	}
	s.writeResponse(conn, Response{OK: true, Data: data})
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	json.NewEncoder(conn).Encode(resp)
}
