package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultFreshness is how old an update may be before it is rejected.
const DefaultFreshness = 5 * time.Minute

var (
	ErrUnauthorizedChat = errors.New("unauthorized chat")
	ErrStale            = errors.New("stale update")
)

// Policy authorizes inbound updates against a chat allowlist and a
// freshness window. An empty allowlist admits every chat.
type Policy struct {
	mu        sync.RWMutex
	allowed   map[int64]bool
	freshness time.Duration
	now       func() time.Time
}

// New creates a Policy for the given chat IDs. A non-positive freshness
// disables the age check.
func New(chatIDs []int64, freshness time.Duration) *Policy {
	p := &Policy{
		freshness: freshness,
		now:       time.Now,
	}
	p.SetAllowed(chatIDs)
	return p
}

// SetAllowed replaces the allowlist.
func (p *Policy) SetAllowed(chatIDs []int64) {
	allowed := make(map[int64]bool, len(chatIDs))
	for _, id := range chatIDs {
		allowed[id] = true
	}
	p.mu.Lock()
	p.allowed = allowed
	p.mu.Unlock()
}

// Authorize checks whether an update from chatID sent at sentAt should be
// processed. A zero sentAt skips the age check, since not every update
// carries a date.
func (p *Policy) Authorize(chatID int64, sentAt time.Time) error {
	p.mu.RLock()
	restricted := len(p.allowed) > 0
	ok := p.allowed[chatID]
	p.mu.RUnlock()

	if restricted && !ok {
		return fmt.Errorf("%w: %d", ErrUnauthorizedChat, chatID)
	}

	if p.freshness > 0 && !sentAt.IsZero() {
		if age := p.now().Sub(sentAt); age > p.freshness {
			return fmt.Errorf("%w: %v old", ErrStale, age.Truncate(time.Second))
		}
	}
	return nil
}

// LoadAllowlist reads a JSON array of chat IDs from path.
func LoadAllowlist(path string) ([]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}
	return ids, nil
}

// Reload replaces the allowlist with the contents of path. On error the
// current allowlist is kept.
func (p *Policy) Reload(path string) error {
	ids, err := LoadAllowlist(path)
	if err != nil {
		return err
	}
	p.SetAllowed(ids)
	return nil
}
