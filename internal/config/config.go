package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jdelaire/openbot/internal/keychain"
)

const envPrefix = "OPENBOT_"

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// ErrNoToken is returned when neither the environment nor the keychain
// holds a bot token.
var ErrNoToken = errors.New("no bot token: set OPENBOT_TOKEN or store it in the keychain")

type PollConfig struct {
	Timeout        int
	Limit          int
	AllowedUpdates []string
	CursorFile     string
}

type BackoffConfig struct {
	Floor   time.Duration
	Ceiling time.Duration
	Jitter  float64
}

type DispatchConfig struct {
	Workers      int
	DrainTimeout time.Duration
	// ShutdownTimeout bounds how long background work may hold shutdown.
	ShutdownTimeout time.Duration
}

type WebhookConfig struct {
	Addr        string
	BaseURL     string
	Route       string
	Secret      string
	DedupWindow int
	QueueSize   int
}

type PolicyConfig struct {
	AllowedChats  []int64
	AllowlistFile string
	Freshness     time.Duration
}

type FloodConfig struct {
	Limit  int
	Window time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type NATSConfig struct {
	URL    string
	Bucket string
	TTL    time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Config is the full runtime configuration of the bot process.
type Config struct {
	Token         string
	Mode          string
	Prefix        string
	APIURL        string
	ControlSocket string

	Poll     PollConfig
	Backoff  BackoffConfig
	Dispatch DispatchConfig
	Webhook  WebhookConfig
	Policy   PolicyConfig
	Flood    FloodConfig
	Kafka    KafkaConfig
	NATS     NATSConfig
	Logging  LoggingConfig
}

// Load reads the configuration from OPENBOT_* environment variables. The
// token falls back to the system keychain.
func Load() (*Config, error) {
	var p parser
	cfg := &Config{
		Mode:          strings.ToLower(p.str("MODE", ModePolling)),
		Prefix:        p.str("PREFIX", "openbot"),
		APIURL:        p.str("API_URL", "https://api.telegram.org"),
		ControlSocket: p.str("CONTROL_SOCKET", ""),
		Poll: PollConfig{
			Timeout:        p.integer("POLL_TIMEOUT", 30),
			Limit:          p.integer("POLL_LIMIT", 100),
			AllowedUpdates: p.list("ALLOWED_UPDATES"),
			CursorFile:     p.str("CURSOR_FILE", ""),
		},
		Backoff: BackoffConfig{
			Floor:   p.duration("BACKOFF_FLOOR", time.Second),
			Ceiling: p.duration("BACKOFF_CEILING", 60*time.Second),
			Jitter:  p.float("BACKOFF_JITTER", 0.5),
		},
		Dispatch: DispatchConfig{
			Workers:         p.integer("WORKERS", 8),
			DrainTimeout:    p.duration("DRAIN_TIMEOUT", 10*time.Second),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			Addr:        p.str("WEBHOOK_ADDR", ":8443"),
			BaseURL:     p.str("WEBHOOK_BASE_URL", ""),
			Route:       p.str("WEBHOOK_ROUTE", ""),
			Secret:      p.str("WEBHOOK_SECRET", ""),
			DedupWindow: p.integer("DEDUP_WINDOW", 10000),
			QueueSize:   p.integer("WEBHOOK_QUEUE", 256),
		},
		Policy: PolicyConfig{
			AllowedChats:  p.ints("ALLOWED_CHATS"),
			AllowlistFile: p.str("ALLOWLIST_FILE", ""),
			Freshness:     p.duration("FRESHNESS", 5*time.Minute),
		},
		Flood: FloodConfig{
			Limit:  p.integer("FLOOD_LIMIT", 0),
			Window: p.duration("FLOOD_WINDOW", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: p.list("KAFKA_BROKERS"),
			Topic:   p.str("KAFKA_TOPIC", "openbot.update-metrics"),
		},
		NATS: NATSConfig{
			URL:    p.str("NATS_URL", ""),
			Bucket: p.str("NATS_BUCKET", "openbot_state"),
			TTL:    p.duration("STATE_TTL", 0),
		},
		Logging: LoggingConfig{
			Level:  p.str("LOG_LEVEL", "info"),
			Format: p.str("LOG_FORMAT", "text"),
		},
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	token, err := loadToken()
	if err != nil {
		return nil, err
	}
	cfg.Token = token
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModePolling:
	case ModeWebhook:
		if c.Webhook.Addr == "" {
			return fmt.Errorf("webhook mode requires %sWEBHOOK_ADDR", envPrefix)
		}
	default:
		return fmt.Errorf("invalid %sMODE %q: want %s or %s", envPrefix, c.Mode, ModePolling, ModeWebhook)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return fmt.Errorf("%sBACKOFF_JITTER must be within [0,1], got %v", envPrefix, c.Backoff.Jitter)
	}
	if c.Backoff.Ceiling < c.Backoff.Floor {
		return fmt.Errorf("%sBACKOFF_CEILING %v is below the floor %v", envPrefix, c.Backoff.Ceiling, c.Backoff.Floor)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("%sWORKERS must be positive", envPrefix)
	}
	return nil
}

func loadToken() (string, error) {
	if token := strings.TrimSpace(os.Getenv(envPrefix + "TOKEN")); token != "" {
		return token, nil
	}
	token, err := keychain.Get(keychain.TokenAccount)
	if err != nil || token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// parser reads prefixed variables and collects every parse failure.
type parser struct {
	errs []error
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return d
}

func (p *parser) list(key string) []string {
	v, ok := p.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) ints(key string) []int64 {
	var out []int64
	for _, part := range p.list(key) {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			continue
		}
		out = append(out, n)
	}
	return out
}
