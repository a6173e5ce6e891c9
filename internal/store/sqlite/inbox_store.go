package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// inboxStore implements store.InboxStore.
type inboxStore struct {
	q querier
}

var _ store.InboxStore = (*inboxStore)(nil)

// InsertIfAbsent records the (message, handler) tuple. First insert wins;
// the duplicate path is detected by the primary-key violation and never
// raises.
func (s *inboxStore) InsertIfAbsent(ctx context.Context, messageID, handler string) (bool, error) {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO inbox (message_id, handler, processed_at) VALUES (?, ?, ?)`,
		messageID, handler, millis(time.Now()),
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert inbox record: %w", err)
	}
	return true, nil
}

// Remove releases the tuple ahead of a deliberate redelivery.
func (s *inboxStore) Remove(ctx context.Context, messageID, handler string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM inbox WHERE message_id = ? AND handler = ?`, messageID, handler)
	if err != nil {
		return fmt.Errorf("failed to remove inbox record: %w", err)
	}
	return nil
}
