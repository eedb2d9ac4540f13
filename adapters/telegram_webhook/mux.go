package telegram_webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	maxPrefixRunes = 64
	tokenHashLen   = 16
)

var routeSeparators = regexp.MustCompile(`[\s/]+`)

// RouteFor derives the webhook route of a bot from its display prefix and
// token: the prefix with whitespace and slashes collapsed to "-", then a
// short hash of the token. The token itself never appears in the URL.
func RouteFor(prefix, token string) string {
	p := routeSeparators.ReplaceAllString(strings.TrimSpace(prefix), "-")
	if rs := []rune(p); len(rs) > maxPrefixRunes {
		p = string(rs[:maxPrefixRunes])
	}
	p = strings.Trim(p, "-")

	sum := sha256.Sum256([]byte(token))
	h := hex.EncodeToString(sum[:])[:tokenHashLen]
	if p == "" {
		return h
	}
	return p + "-" + h
}

// ErrRouteTaken is returned by Mux.Add when another receiver already
// serves the route.
var ErrRouteTaken = errors.New("webhook route already registered")

// Mux serves the webhook endpoints of several receivers on one listener.
// Requests for a route no receiver serves get 403.
type Mux struct {
	logger *slog.Logger
	echo   *echo.Echo

	mu     sync.RWMutex
	routes map[string]*Receiver
}

func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mux{logger: logger, routes: make(map[string]*Receiver)}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.POST("/webhook/:route/", m.handle)
	m.echo = e
	return m
}

// Add mounts r on its route.
func (m *Mux) Add(r *Receiver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[r.Route()]; ok {
		return fmt.Errorf("%w: %q", ErrRouteTaken, r.Route())
	}
	m.routes[r.Route()] = r
	return nil
}

func (m *Mux) mount(r *Receiver) {
	m.mu.Lock()
	m.routes[r.Route()] = r
	m.mu.Unlock()
}

// Remove unmounts r. Later calls for its route get 403.
func (m *Mux) Remove(r *Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.routes[r.Route()] == r {
		delete(m.routes, r.Route())
	}
}

func (m *Mux) Handler() http.Handler { return m.echo }

// Start listens on addr until Shutdown. It returns nil after Shutdown.
func (m *Mux) Start(addr string) error {
	if err := m.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests.
func (m *Mux) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.echo.Shutdown(ctx); err != nil {
		m.logger.Warn("webhook shutdown", "error", err)
	}
}

func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routes)
}

func (m *Mux) handle(c echo.Context) error {
	route, err := url.PathUnescape(c.Param("route"))
	if err != nil {
		route = c.Param("route")
	}

	m.mu.RLock()
	r, ok := m.routes[route]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("webhook call for unknown route", "remote", c.RealIP())
		return c.NoContent(http.StatusForbidden)
	}
	return r.handleUpdate(c)
}
