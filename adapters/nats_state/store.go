package nats_state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jdelaire/openbot/core/state"
)

const keyPrefix = "conv."

// Store keeps conversation state in a JetStream key-value bucket, so
// several bot processes can share it.
type Store struct {
	kv   jetstream.KeyValue
	conn *nats.Conn
}

var _ state.Store = (*Store)(nil)

// Open connects to url and binds to bucket, creating it when missing.
// A positive ttl expires idle conversations.
func Open(ctx context.Context, url, bucket string, ttl time.Duration) (*Store, error) {
	nc, err := nats.Connect(url, nats.Name("openbot"))
	if err != nil {
		return nil, fmt.Errorf("nats state: connect to %q: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats state: init jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "openbot conversation state",
			TTL:         ttl,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats state: bind bucket %q: %w", bucket, err)
	}

	return &Store{kv: kv, conn: nc}, nil
}

// New wraps an existing bucket.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	entry, err := s.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("nats state: get %s: %w", key, err)
	}
	return string(entry.Value()), true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := s.kv.Put(ctx, encodeKey(key), []byte(value)); err != nil {
		return fmt.Errorf("nats state: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("nats state: delete %s: %w", key, err)
	}
	return nil
}

// Close drops the connection opened by Open.
func (s *Store) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// encodeKey maps a conversation key such as "-100:42" onto the KV key
// alphabet, which has no colon.
func encodeKey(key string) string {
	return keyPrefix + strings.ReplaceAll(key, ":", ".")
}
