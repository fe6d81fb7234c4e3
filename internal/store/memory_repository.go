/**
 * @description
 * This file provides an in-memory implementation of the `Repository` interface,
 * used by tests and by local development via STORE_DRIVER=memory. It mirrors the
 * PostgreSQL implementation's semantics exactly: duplicate detection on create,
 * compare-and-swap on version for updates, append-order event history, and
 * newest-first stream listings.
 *
 * Streams are stored as private copies so callers can keep mutating their own
 * instances without bypassing the version check.
 *
 * @dependencies
 * - context, sort, sync: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxa/stream-service/internal/domain"
)

// MemoryRepository is a concrete implementation of the Repository interface backed
// by process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*domain.Stream
	events  []domain.StreamEvent
}

// NewMemoryRepository creates a new instance of MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		streams: make(map[uuid.UUID]*domain.Stream),
	}
}

// CreateStreamWithEvent stores a new stream and its creation event atomically.
func (r *MemoryRepository) CreateStreamWithEvent(ctx context.Context, stream *domain.Stream, event domain.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; exists {
		return ErrDuplicateStream
	}
	r.streams[stream.ID] = copyStream(stream)
	r.events = append(r.events, event)
	return nil
}

// FindStreamByID retrieves a single stream by its ID.
func (r *MemoryRepository) FindStreamByID(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, exists := r.streams[streamID]
	if !exists {
		return nil, ErrStreamNotFound
	}
	return copyStream(stream), nil
}

// UpdateStreamWithEvent applies a mutated stream guarded by the version the caller
// read, appending the audit event under the same lock.
func (r *MemoryRepository) UpdateStreamWithEvent(ctx context.Context, stream *domain.Stream, expectedVersion int64, event domain.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.streams[stream.ID]
	if !exists {
		return ErrStreamNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	r.streams[stream.ID] = copyStream(stream)
	r.events = append(r.events, event)
	return nil
}

// ListStreamsBySender returns a sender's streams, newest first, with optional
// status filtering and pagination.
func (r *MemoryRepository) ListStreamsBySender(ctx context.Context, senderID uuid.UUID, opts domain.StreamListOptions) ([]domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := []domain.Stream{}
	for _, stream := range r.streams {
		if stream.SenderID != senderID {
			continue
		}
		if opts.Status != nil && stream.Status != *opts.Status {
			continue
		}
		matched = append(matched, *copyStream(stream))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []domain.Stream{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// ListStreamsByStatus returns every stream currently in the given status.
func (r *MemoryRepository) ListStreamsByStatus(ctx context.Context, status domain.StreamStatus) ([]domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := []domain.Stream{}
	for _, stream := range r.streams {
		if stream.Status == status {
			matched = append(matched, *copyStream(stream))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	return matched, nil
}

// CountActiveStreamsBySender counts the sender's streams in Active status.
func (r *MemoryRepository) CountActiveStreamsBySender(ctx context.Context, senderID uuid.UUID) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count uint32
	for _, stream := range r.streams {
		if stream.SenderID == senderID && stream.Status == domain.StreamActive {
			count++
		}
	}
	return count, nil
}

// SumActiveFlowRateBySender totals the per-second flow rate across the sender's
// Active streams in the given currency.
func (r *MemoryRepository) SumActiveFlowRateBySender(ctx context.Context, senderID uuid.UUID, currency string) (domain.Money, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := domain.Zero(currency)
	for _, stream := range r.streams {
		if stream.SenderID != senderID || stream.Status != domain.StreamActive {
			continue
		}
		if stream.FlowRatePerSecond.Currency != currency {
			continue
		}
		sum, err := total.Add(stream.FlowRatePerSecond)
		if err != nil {
			return domain.Money{}, err
		}
		total = sum
	}
	return total, nil
}

// AppendStreamEvent appends a standalone event outside any stream mutation.
func (r *MemoryRepository) AppendStreamEvent(ctx context.Context, event domain.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	return nil
}

// ListStreamEventsByStreamID returns a stream's full event history in append order.
func (r *MemoryRepository) ListStreamEventsByStreamID(ctx context.Context, streamID uuid.UUID) ([]domain.StreamEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := []domain.StreamEvent{}
	for _, event := range r.events {
		if event.StreamID == streamID {
			events = append(events, event)
		}
	}
	return events, nil
}

func copyStream(s *domain.Stream) *domain.Stream {
	dup := *s
	if s.AccrualStartedAt != nil {
		origin := *s.AccrualStartedAt
		dup.AccrualStartedAt = &origin
	}
	return &dup
}
