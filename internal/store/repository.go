/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the stream-service. By defining an interface,
 * we decouple the ledger's business logic from the specific database implementation
 * (PostgreSQL in production, in-memory for tests and local development), making the
 * code more modular and easier to test.
 *
 * Stream writes use optimistic concurrency: every update names the version it read,
 * and the implementation must reject the write with ErrVersionConflict when the
 * stored row has moved on. Stream mutations and their audit events are persisted in
 * the same transaction so the event log can never drift from the ledger state.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fluxa/stream-service/internal/domain"
)

var (
	ErrStreamNotFound  = errors.New("stream not found")
	ErrVersionConflict = errors.New("stream version conflict")
	ErrDuplicateStream = errors.New("stream already exists")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Stream ledger methods
	CreateStreamWithEvent(ctx context.Context, stream *domain.Stream, event domain.StreamEvent) error
	FindStreamByID(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error)
	// UpdateStreamWithEvent persists the mutated stream and appends its audit event
	// atomically, guarded by the version the caller read before mutating.
	UpdateStreamWithEvent(ctx context.Context, stream *domain.Stream, expectedVersion int64, event domain.StreamEvent) error
	ListStreamsBySender(ctx context.Context, senderID uuid.UUID, opts domain.StreamListOptions) ([]domain.Stream, error)
	ListStreamsByStatus(ctx context.Context, status domain.StreamStatus) ([]domain.Stream, error)

	// Outflow rollup methods. Always recomputed from ledger state; callers rely on
	// these never serving stale totals.
	CountActiveStreamsBySender(ctx context.Context, senderID uuid.UUID) (uint32, error)
	SumActiveFlowRateBySender(ctx context.Context, senderID uuid.UUID, currency string) (domain.Money, error)

	// Event log methods
	AppendStreamEvent(ctx context.Context, event domain.StreamEvent) error
	ListStreamEventsByStreamID(ctx context.Context, streamID uuid.UUID) ([]domain.StreamEvent, error)
}
