// Package persistence defines the external collaborator contract for
// durably recording sessions and their message history. The core
// itself is in-memory only per the core's non-goals; this contract lets
// a caller bolt on durable storage without the orchestrator depending
// on a concrete database, grounded on the reference internal/db
// repository pattern.
package persistence

import (
	"context"

	"github.com/apex-trading/apex-core/internal/model"
)

// Store records sessions and their message history for audit and
// replay-for-review purposes. No component in this module requires a
// Store; the Orchestrator works with nil Store.
type Store interface {
	SaveSession(ctx context.Context, session model.Session) error
	AppendMessage(ctx context.Context, sessionID string, msg model.Message) error
	LoadHistory(ctx context.Context, sessionID string) ([]model.Message, error)
}
