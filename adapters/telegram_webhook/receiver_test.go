package telegram_webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdelaire/openbot/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(r *Receiver, path, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	return rec
}

const updateBody = `{"update_id":7,"message":{"message_id":1,"chat":{"id":5,"type":"private"},"from":{"id":5,"first_name":"A"},"date":1,"text":"hi"}}`

func TestWebhookAcceptsUpdate(t *testing.T) {
	r := New(Config{Secret: "s3cret"}, nil, testLogger())

	rec := post(r, "/webhook/main/", "s3cret", updateBody)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case u := <-r.queue:
		assert.Equal(t, int64(7), u.ID)
		assert.Equal(t, "hi", u.Message.Text)
	default:
		t.Fatal("update was not queued")
	}
	assert.Equal(t, int64(1), r.Stats().Accepted)
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	r := New(Config{Secret: "s3cret"}, nil, testLogger())

	assert.Equal(t, http.StatusForbidden, post(r, "/webhook/main/", "wrong", updateBody).Code)
	assert.Equal(t, http.StatusForbidden, post(r, "/webhook/main/", "", updateBody).Code)
	assert.Empty(t, r.queue)
}

func TestWebhookUnknownRoute(t *testing.T) {
	r := New(Config{Route: "bot1"}, nil, testLogger())

	assert.Equal(t, http.StatusForbidden, post(r, "/webhook/bot2/", "", updateBody).Code)
	assert.Empty(t, r.queue)
	assert.Equal(t, http.StatusOK, post(r, "/webhook/bot1/", "", updateBody).Code)
}

func TestWebhookMalformedBody(t *testing.T) {
	r := New(Config{}, nil, testLogger())

	assert.Equal(t, http.StatusBadRequest, post(r, "/webhook/main/", "", `{not json`).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, "/webhook/main/", "", `{"message":{}}`).Code)
	assert.Equal(t, int64(2), r.Stats().Rejected)
}

func TestWebhookDropsDuplicates(t *testing.T) {
	r := New(Config{}, nil, testLogger())

	require.Equal(t, http.StatusOK, post(r, "/webhook/main/", "", updateBody).Code)
	require.Equal(t, http.StatusOK, post(r, "/webhook/main/", "", updateBody).Code)

	assert.Len(t, r.queue, 1)
	assert.Equal(t, int64(1), r.Stats().Duplicates)
}

func TestWebhookQueueFullAllowsRedelivery(t *testing.T) {
	r := New(Config{QueueSize: 1}, nil, testLogger())

	require.Equal(t, http.StatusOK, post(r, "/webhook/main/", "", `{"update_id":1}`).Code)
	require.Equal(t, http.StatusServiceUnavailable, post(r, "/webhook/main/", "", `{"update_id":2}`).Code)

	<-r.queue
	assert.Equal(t, http.StatusOK, post(r, "/webhook/main/", "", `{"update_id":2}`).Code,
		"redelivery after overflow must be accepted")
	assert.Equal(t, int64(1), r.Stats().Overflowed)
}

func TestWebhookRunFeedsSink(t *testing.T) {
	r := New(Config{}, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int64
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(_ context.Context, u core.Update) error {
			mu.Lock()
			got = append(got, u.ID)
			mu.Unlock()
			return nil
		})
	}()

	for _, body := range []string{`{"update_id":1}`, `{"update_id":2}`, `{"update_id":3}`} {
		require.Equal(t, http.StatusOK, post(r, "/webhook/main/", "", body).Code)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestWebhookRunFlushesQueueOnStop(t *testing.T) {
	r := New(Config{}, nil, testLogger())
	for _, body := range []string{`{"update_id":1}`, `{"update_id":2}`, `{"update_id":3}`} {
		require.Equal(t, http.StatusOK, post(r, "/webhook/main/", "", body).Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Like the dispatcher intake, the sink refuses a done context.
	var got []int64
	err := r.Run(ctx, func(ctx context.Context, u core.Update) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		got = append(got, u.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, got, "acknowledged updates must reach the sink")

	assert.Equal(t, http.StatusServiceUnavailable, post(r, "/webhook/main/", "", `{"update_id":4}`).Code)
	assert.Empty(t, r.queue)
	assert.Equal(t, int64(1), r.Stats().Closed)
}

func TestRouteFor(t *testing.T) {
	token := "123456:ABC-DEF"
	cases := []struct {
		prefix string
		want   string
	}{
		{"hello-world", "hello-world-"},
		{"hello world", "hello-world-"},
		{" Very Bad  Name For   a Bot!!!   ", "Very-Bad-Name-For-a-Bot!!!-"},
		{"name/with/slashes", "name-with-slashes-"},
		{"non-ASCII-✅", "non-ASCII-✅-"},
		{"", ""},
	}
	for _, tc := range cases {
		route := RouteFor(tc.prefix, token)
		assert.True(t, strings.HasPrefix(route, tc.want), "RouteFor(%q) = %q", tc.prefix, route)
		assert.Len(t, strings.TrimPrefix(route, tc.want), tokenHashLen)
		assert.NotContains(t, route, token)
	}

	long := RouteFor(strings.Repeat("unreasonably long prefix ", 100), token)
	assert.LessOrEqual(t, len([]rune(long)), maxPrefixRunes+1+tokenHashLen)
	assert.NotEqual(t, RouteFor("bot", "1:a"), RouteFor("bot", "2:b"), "same prefix, different tokens")
}

func TestMuxRoutesBots(t *testing.T) {
	mux := NewMux(testLogger())
	alpha := New(Config{Route: RouteFor("alpha bot", "1:a"), Secret: "a"}, nil, testLogger())
	beta := New(Config{Route: RouteFor("beta/bot", "2:b")}, nil, testLogger())
	require.NoError(t, mux.Add(alpha))
	require.NoError(t, mux.Add(beta))
	require.ErrorIs(t, mux.Add(New(Config{Route: beta.Route()}, nil, testLogger())), ErrRouteTaken)
	assert.Equal(t, 2, mux.Len())

	send := func(route, secret string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook/"+url.PathEscape(route)+"/", strings.NewReader(updateBody))
		if secret != "" {
			req.Header.Set(SecretHeader, secret)
		}
		rec := httptest.NewRecorder()
		mux.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(alpha.Route(), "a"))
	assert.Equal(t, http.StatusForbidden, send(alpha.Route(), "b"), "secrets are per bot")
	assert.Equal(t, http.StatusOK, send(beta.Route(), ""))
	assert.Equal(t, http.StatusForbidden, send(RouteFor("alpha bot", "3:c"), ""))
	assert.Len(t, alpha.queue, 1)
	assert.Len(t, beta.queue, 1)

	mux.Remove(beta)
	assert.Equal(t, http.StatusForbidden, send(beta.Route(), ""))
	assert.Equal(t, 1, mux.Len())
}

type fakeAPI struct {
	mu      sync.Mutex
	current string
	err     error
	calls   []string
	params  map[string]any
}

func (f *fakeAPI) Call(_ context.Context, method string, params map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if f.err != nil {
		return nil, f.err
	}
	switch method {
	case "getWebhookInfo":
		return json.Marshal(map[string]any{"url": f.current, "pending_update_count": 0})
	case "setWebhook":
		f.params = params
		f.current = params["url"].(string)
		return json.RawMessage(`true`), nil
	}
	return nil, errors.New("unexpected method " + method)
}

func TestBootstrapSetsWebhookWhenURLDiffers(t *testing.T) {
	api := &fakeAPI{current: "https://old.example.com/webhook/main/"}
	r := New(Config{BaseURL: "https://bot.example.com/", Secret: "s3cret", AllowedUpdates: []string{"message"}}, api, testLogger())

	require.NoError(t, r.bootstrap(context.Background()))
	assert.Equal(t, []string{"getWebhookInfo", "setWebhook"}, api.calls)
	assert.Equal(t, "https://bot.example.com/webhook/main/", api.params["url"])
	assert.Equal(t, "s3cret", api.params["secret_token"])
	assert.Equal(t, []string{"message"}, api.params["allowed_updates"])
}

func TestBootstrapSkipsWhenRegistered(t *testing.T) {
	api := &fakeAPI{current: "https://bot.example.com/webhook/main/"}
	r := New(Config{BaseURL: "https://bot.example.com"}, api, testLogger())

	require.NoError(t, r.bootstrap(context.Background()))
	assert.Equal(t, []string{"getWebhookInfo"}, api.calls)
}

func TestRunFailsOnFatalBootstrap(t *testing.T) {
	api := &fakeAPI{err: &core.AuthError{Err: errors.New("Unauthorized")}}
	r := New(Config{BaseURL: "https://bot.example.com"}, api, testLogger())

	err := r.Run(context.Background(), func(context.Context, core.Update) error { return nil })
	var fatal *core.FatalError
	require.ErrorAs(t, err, &fatal)
}
