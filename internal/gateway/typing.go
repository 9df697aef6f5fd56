package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/snowflake"
)

// TypingTTL is how long a typing indicator stays active after the last
// START_TYPING. Clients time the visual indicator out on their side; the
// server never emits a "stopped typing" event.
const TypingTTL = 6 * time.Second

type typingKey struct {
	channelID snowflake.ID
	userID    snowflake.ID
}

// TypingStore tracks who is typing where. Entries expire lazily; Sweep can
// additionally run in the background to bound memory.
type TypingStore struct {
	mu      sync.Mutex
	entries map[typingKey]time.Time
	now     func() time.Time
}

func NewTypingStore() *TypingStore {
	return &TypingStore{
		entries: make(map[typingKey]time.Time),
		now:     time.Now,
	}
}

// Refresh reports whether the entry was still active, letting the caller
// skip re-broadcasting TYPING_START inside the window. A suppressed call
// does not extend the expiry: watchers' indicators lapse at the TTL, so a
// user who keeps typing must produce a fresh broadcast once the window
// closes.
func (t *TypingStore) Refresh(channelID, userID snowflake.ID) (wasActive bool) {
	key := typingKey{channelID: channelID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if expiry, ok := t.entries[key]; ok && t.now().Before(expiry) {
		return true
	}
	t.entries[key] = t.now().Add(TypingTTL)
	return false
}

// IsActive reports whether the user is currently typing in the channel.
func (t *TypingStore) IsActive(channelID, userID snowflake.ID) bool {
	key := typingKey{channelID: channelID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.entries[key]
	if !ok {
		return false
	}
	if !t.now().Before(expiry) {
		delete(t.entries, key)
		return false
	}
	return true
}

// Sweep drops expired entries every interval until ctx is cancelled.
func (t *TypingStore) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			for key, expiry := range t.entries {
				if !t.now().Before(expiry) {
					delete(t.entries, key)
				}
			}
			t.mu.Unlock()
		}
	}
}
