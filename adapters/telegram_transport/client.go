package telegram_transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jdelaire/openbot/core"
)

const (
	defaultBaseURL   = "https://api.telegram.org"
	callTimeout      = 10 * time.Second
	pollGrace        = 5 * time.Second
	maxResponseBytes = 8 << 20
	tokenMask        = "<token>"
)

var _ core.Transport = (*Client)(nil)

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// Client calls the Telegram Bot API over HTTPS. It implements
// core.Transport.
type Client struct {
	token          string
	baseURL        string
	client         *http.Client
	limit          int
	allowedUpdates []string
	logger         *slog.Logger
}

// New creates a Bot API client for the given token.
func New(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:   token,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		logger:  logger,
	}
}

// WithBaseURL overrides the API base URL (for testing or a local Bot API
// server).
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// WithLimit caps the number of updates per getUpdates call.
func (c *Client) WithLimit(n int) *Client {
	c.limit = n
	return c
}

// WithAllowedUpdates restricts which update categories are delivered.
func (c *Client) WithAllowedUpdates(categories []string) *Client {
	c.allowedUpdates = categories
	return c
}

// AllowedUpdates returns the configured category filter.
func (c *Client) AllowedUpdates() []string {
	return c.allowedUpdates
}

// FetchUpdates calls getUpdates. The HTTP exchange is bounded by the
// long-poll timeout plus a grace period.
func (c *Client) FetchUpdates(ctx context.Context, offset int64, timeout int) ([]core.Update, error) {
	params := map[string]any{
		"offset":  offset,
		"timeout": timeout,
	}
	if c.limit > 0 {
		params["limit"] = c.limit
	}
	if c.allowedUpdates != nil {
		params["allowed_updates"] = c.allowedUpdates
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second+pollGrace)
	defer cancel()

	raw, err := c.call(ctx, "getUpdates", params)
	if err != nil {
		return nil, err
	}

	var updates []core.Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, &core.TransportError{Kind: core.TransportMalformed, Method: "getUpdates", Err: fmt.Errorf("decode updates: %w", err)}
	}
	return updates, nil
}

// Call invokes method with params. String values are sent as is, other
// values JSON-encoded, nil values skipped.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	form, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %s", method, c.mask(err.Error()))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transportError(method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(method, err)
	}
	return c.decode(method, resp.StatusCode, body)
}

func (c *Client) decode(method string, status int, body []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		switch {
		case status >= http.StatusInternalServerError:
			return nil, &core.TransportError{Kind: core.TransportServer, Method: method, Err: fmt.Errorf("status %d", status)}
		case status == http.StatusTooManyRequests:
			return nil, &core.APIError{Method: method, Code: status, Description: "Too Many Requests"}
		default:
			return nil, &core.TransportError{Kind: core.TransportMalformed, Method: method, Err: fmt.Errorf("status %d: invalid JSON response", status)}
		}
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &core.TransportError{Kind: core.TransportMalformed, Method: method, Err: err}
	}
	if r.OK {
		return r.Result, nil
	}

	code := r.ErrorCode
	if code == 0 {
		code = status
	}
	apiErr := &core.APIError{
		Method:      method,
		Code:        code,
		Description: c.mask(r.Description),
	}
	params := gjson.GetBytes(body, "parameters")
	if ra := params.Get("retry_after"); ra.Exists() {
		apiErr.RetryAfter = time.Duration(ra.Int()) * time.Second
	}
	if mc := params.Get("migrate_to_chat_id"); mc.Exists() {
		apiErr.MigrateToChatID = mc.Int()
	}

	c.logger.Debug("api call rejected", "method", method, "code", code, "description", apiErr.Description)

	if code == http.StatusUnauthorized {
		return nil, &core.AuthError{Err: apiErr}
	}
	return nil, apiErr
}

func (c *Client) transportError(method string, err error) error {
	kind := core.TransportNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = core.TransportTimeout
	}
	return &core.TransportError{
		Kind:   kind,
		Method: method,
		Err:    &maskedError{msg: c.mask(err.Error()), err: err},
	}
}

func (c *Client) mask(s string) string {
	if c.token == "" {
		return s
	}
	return strings.ReplaceAll(s, c.token, tokenMask)
}

// maskedError hides the bot token that net/http embeds in request URLs.
type maskedError struct {
	msg string
	err error
}

func (e *maskedError) Error() string { return e.msg }
func (e *maskedError) Unwrap() error { return e.err }

func encodeParams(params map[string]any) (url.Values, error) {
	form := make(url.Values, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case nil:
		case string:
			form.Set(k, val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode param %s: %w", k, err)
			}
			form.Set(k, string(b))
		}
	}
	return form, nil
}
