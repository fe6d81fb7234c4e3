/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the `streams` ledger
 * table and the append-only `stream_events` audit log.
 *
 * Money columns hold integer micro-units alongside a single per-row currency code;
 * the domain layer guarantees every monetary field of a stream shares that currency.
 * Stream updates are compare-and-swap on the version column, and every mutation
 * writes its audit event inside the same transaction.
 *
 * @dependencies
 * - context, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxa/stream-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const streamColumns = `
	id, sender_id, receiver_id, currency, flow_rate_micro, status,
	funded_micro, withdrawn_micro, buffer_micro, accrued_micro,
	accrual_started_at, started_at, version, created_at, updated_at
`

const eventColumns = `
	id, stream_id, event_type, occurred_at, sender_id, receiver_id, currency,
	amount_micro, flow_rate_micro, buffer_micro,
	funded_micro, withdrawn_micro, streamed_micro, status,
	receiver_owed_micro, sender_refund_micro,
	previous_health, health, runway_seconds
`

// CreateStreamWithEvent inserts a new stream row and its creation event atomically.
func (r *PostgresRepository) CreateStreamWithEvent(ctx context.Context, stream *domain.Stream, event domain.StreamEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO streams (` + streamColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = tx.Exec(ctx, query,
		stream.ID, stream.SenderID, stream.ReceiverID,
		stream.FlowRatePerSecond.Currency, stream.FlowRatePerSecond.Units, string(stream.Status),
		stream.FundedAmount.Units, stream.WithdrawnAmount.Units, stream.BufferAmount.Units, stream.AccruedSnapshot.Units,
		stream.AccrualStartedAt, stream.StartedAt, stream.Version, stream.CreatedAt, stream.UpdatedAt,
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return ErrDuplicateStream
		}
		return err
	}

	if err := insertStreamEvent(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindStreamByID retrieves a single stream by its ID.
func (r *PostgresRepository) FindStreamByID(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE id = $1`
	stream, err := scanStream(r.db.QueryRow(ctx, query, streamID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}
	return stream, nil
}

// UpdateStreamWithEvent persists a mutated stream guarded by the version the caller
// read, and appends the audit event in the same transaction. A concurrent writer
// that got there first surfaces as ErrVersionConflict so the caller can re-read
// and retry.
func (r *PostgresRepository) UpdateStreamWithEvent(ctx context.Context, stream *domain.Stream, expectedVersion int64, event domain.StreamEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE streams
		SET status = $1,
		    funded_micro = $2,
		    withdrawn_micro = $3,
		    accrued_micro = $4,
		    accrual_started_at = $5,
		    version = $6,
		    updated_at = $7
		WHERE id = $8 AND version = $9
	`
	tag, err := tx.Exec(ctx, query,
		string(stream.Status),
		stream.FundedAmount.Units, stream.WithdrawnAmount.Units, stream.AccruedSnapshot.Units,
		stream.AccrualStartedAt, stream.Version, stream.UpdatedAt,
		stream.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM streams WHERE id = $1)", stream.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrStreamNotFound
		}
		return ErrVersionConflict
	}

	if err := insertStreamEvent(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListStreamsBySender returns a sender's streams, newest first, with optional
// status filtering and pagination.
func (r *PostgresRepository) ListStreamsBySender(ctx context.Context, senderID uuid.UUID, opts domain.StreamListOptions) ([]domain.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE sender_id = $1`
	args := []interface{}{senderID}
	argPos := 2

	if opts.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(*opts.Status))
		argPos++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectStreams(rows)
}

// ListStreamsByStatus returns every stream currently in the given status. Used by
// the health sweeper to project all active streams in one pass.
func (r *PostgresRepository) ListStreamsByStatus(ctx context.Context, status domain.StreamStatus) ([]domain.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE status = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectStreams(rows)
}

// CountActiveStreamsBySender counts the sender's streams in Active status.
func (r *PostgresRepository) CountActiveStreamsBySender(ctx context.Context, senderID uuid.UUID) (uint32, error) {
	var count uint32
	query := `SELECT COUNT(*) FROM streams WHERE sender_id = $1 AND status = $2`
	if err := r.db.QueryRow(ctx, query, senderID, string(domain.StreamActive)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SumActiveFlowRateBySender totals flow_rate_micro across the sender's Active
// streams in the given currency.
func (r *PostgresRepository) SumActiveFlowRateBySender(ctx context.Context, senderID uuid.UUID, currency string) (domain.Money, error) {
	var total int64
	query := `
		SELECT COALESCE(SUM(flow_rate_micro), 0)
		FROM streams
		WHERE sender_id = $1 AND status = $2 AND currency = $3
	`
	if err := r.db.QueryRow(ctx, query, senderID, string(domain.StreamActive), currency).Scan(&total); err != nil {
		return domain.Money{}, err
	}
	return domain.NewMoney(total, currency), nil
}

// AppendStreamEvent appends a standalone event outside any stream mutation, e.g.
// the health sweeper's stream.health_changed notifications.
func (r *PostgresRepository) AppendStreamEvent(ctx context.Context, event domain.StreamEvent) error {
	return insertStreamEvent(ctx, r.db, event)
}

// ListStreamEventsByStreamID returns a stream's full event history in append order.
func (r *PostgresRepository) ListStreamEventsByStreamID(ctx context.Context, streamID uuid.UUID) ([]domain.StreamEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM stream_events WHERE stream_id = $1 ORDER BY seq ASC`
	rows, err := r.db.Query(ctx, query, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.StreamEvent{}
	for rows.Next() {
		event, err := scanStreamEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// execer lets insertStreamEvent run against either the pool or an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertStreamEvent(ctx context.Context, db execer, event domain.StreamEvent) error {
	query := `
		INSERT INTO stream_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := db.Exec(ctx, query,
		event.ID, event.StreamID, string(event.Type), event.OccurredAt, event.SenderID, event.ReceiverID,
		event.FundedAmount.Currency,
		moneyUnits(event.Amount), moneyUnits(event.FlowRate), moneyUnits(event.Buffer),
		event.FundedAmount.Units, event.WithdrawnAmount.Units, event.StreamedAmount.Units, string(event.Status),
		moneyUnits(event.ReceiverOwed), moneyUnits(event.SenderRefund),
		healthString(event.PreviousHealth), healthString(event.Health), event.RunwaySeconds,
	)
	return err
}

func moneyUnits(m *domain.Money) *int64 {
	if m == nil {
		return nil
	}
	return &m.Units
}

func healthString(h *domain.StreamHealth) *string {
	if h == nil {
		return nil
	}
	s := string(*h)
	return &s
}

func scanStream(row pgx.Row) (*domain.Stream, error) {
	var (
		s         domain.Stream
		currency  string
		status    string
		flowRate  int64
		funded    int64
		withdrawn int64
		buffer    int64
		accrued   int64
	)
	err := row.Scan(
		&s.ID, &s.SenderID, &s.ReceiverID, &currency, &flowRate, &status,
		&funded, &withdrawn, &buffer, &accrued,
		&s.AccrualStartedAt, &s.StartedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.FlowRatePerSecond = domain.NewMoney(flowRate, currency)
	s.FundedAmount = domain.NewMoney(funded, currency)
	s.WithdrawnAmount = domain.NewMoney(withdrawn, currency)
	s.BufferAmount = domain.NewMoney(buffer, currency)
	s.AccruedSnapshot = domain.NewMoney(accrued, currency)
	s.Status = domain.StreamStatus(status)
	return &s, nil
}

func collectStreams(rows pgx.Rows) ([]domain.Stream, error) {
	streams := []domain.Stream{}
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, *stream)
	}
	return streams, rows.Err()
}

func scanStreamEvent(row pgx.Row) (*domain.StreamEvent, error) {
	var (
		event          domain.StreamEvent
		eventType      string
		currency       string
		status         string
		amount         *int64
		flowRate       *int64
		buffer         *int64
		funded         int64
		withdrawn      int64
		streamed       int64
		receiverOwed   *int64
		senderRefund   *int64
		previousHealth *string
		health         *string
	)
	err := row.Scan(
		&event.ID, &event.StreamID, &eventType, &event.OccurredAt, &event.SenderID, &event.ReceiverID, &currency,
		&amount, &flowRate, &buffer,
		&funded, &withdrawn, &streamed, &status,
		&receiverOwed, &senderRefund,
		&previousHealth, &health, &event.RunwaySeconds,
	)
	if err != nil {
		return nil, err
	}
	event.Type = domain.StreamEventType(eventType)
	event.Status = domain.StreamStatus(status)
	event.FundedAmount = domain.NewMoney(funded, currency)
	event.WithdrawnAmount = domain.NewMoney(withdrawn, currency)
	event.StreamedAmount = domain.NewMoney(streamed, currency)
	event.Amount = optionalMoney(amount, currency)
	event.FlowRate = optionalMoney(flowRate, currency)
	event.Buffer = optionalMoney(buffer, currency)
	event.ReceiverOwed = optionalMoney(receiverOwed, currency)
	event.SenderRefund = optionalMoney(senderRefund, currency)
	event.PreviousHealth = optionalHealth(previousHealth)
	event.Health = optionalHealth(health)
	return &event, nil
}

func optionalMoney(units *int64, currency string) *domain.Money {
	if units == nil {
		return nil
	}
	m := domain.NewMoney(*units, currency)
	return &m
}

func optionalHealth(s *string) *domain.StreamHealth {
	if s == nil {
		return nil
	}
	h := domain.StreamHealth(*s)
	return &h
}
