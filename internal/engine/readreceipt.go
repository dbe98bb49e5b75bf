package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ReadSender posts a read confirmation to the server. Safe to re-send.
type ReadSender interface {
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
}

// ReadCoordinator decides when "the user has seen these messages" becomes
// a confirmation sent to the server. It is idempotent against repeated
// triggers (scroll, refocus, duplicate arrivals): ids already confirmed
// are never re-sent. The local optimistic read state is applied by the
// state holders before the coordinator runs and is never rolled back; a
// failed outbound call parks the ids for retry on the next opportunity so
// the peer's receipt does not stay stuck unread.
type ReadCoordinator struct {
	sender ReadSender
	log    zerolog.Logger

	mu        sync.Mutex
	confirmed map[string]map[string]bool // chatID -> ids already sent (or in flight)
	pending   map[string]map[string]bool // chatID -> ids whose send failed
}

func NewReadCoordinator(sender ReadSender, log zerolog.Logger) *ReadCoordinator {
	return &ReadCoordinator{
		sender:    sender,
		log:       log,
		confirmed: make(map[string]map[string]bool),
		pending:   make(map[string]map[string]bool),
	}
}

// MarkSeen emits at most one confirmation for the distinct set of ids not
// confirmed before, folding in any ids parked by an earlier failure. A
// call with nothing new and nothing parked sends nothing.
func (rc *ReadCoordinator) MarkSeen(ctx context.Context, chatID string, messageIDs []string) {
	rc.mu.Lock()
	seen := rc.confirmed[chatID]
	if seen == nil {
		seen = make(map[string]bool)
		rc.confirmed[chatID] = seen
	}

	var batch []string
	for _, id := range messageIDs {
		if !seen[id] {
			seen[id] = true
			batch = append(batch, id)
		}
	}
	for id := range rc.pending[chatID] {
		batch = append(batch, id)
	}
	delete(rc.pending, chatID)
	rc.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	rc.send(ctx, chatID, batch)
}

// RetryPending re-sends every parked confirmation; called on reconnect
// and app foreground.
func (rc *ReadCoordinator) RetryPending(ctx context.Context) {
	rc.mu.Lock()
	retries := make(map[string][]string, len(rc.pending))
	for chatID, ids := range rc.pending {
		for id := range ids {
			retries[chatID] = append(retries[chatID], id)
		}
	}
	rc.pending = make(map[string]map[string]bool)
	rc.mu.Unlock()

	for chatID, ids := range retries {
		rc.send(ctx, chatID, ids)
	}
}

// PendingCount reports how many confirmations await retry for a chat.
func (rc *ReadCoordinator) PendingCount(chatID string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.pending[chatID])
}

func (rc *ReadCoordinator) send(ctx context.Context, chatID string, ids []string) {
	if err := rc.sender.MarkRead(ctx, chatID, ids); err != nil {
		rc.log.Warn().Str("chat", chatID).Int("count", len(ids)).Err(err).Msg("read confirmation failed, will retry")
		rc.mu.Lock()
		parked := rc.pending[chatID]
		if parked == nil {
			parked = make(map[string]bool)
			rc.pending[chatID] = parked
		}
		for _, id := range ids {
			parked[id] = true
		}
		rc.mu.Unlock()
	}
}
