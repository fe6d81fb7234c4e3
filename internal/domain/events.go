/**
 * @description
 * Append-only stream event log. Every state transition the ledger commits produces
 * one StreamEvent carrying the command amounts and the resulting balances; the log
 * is written in the same transaction as the stream mutation, published to the event
 * exchange for downstream consumers (dashboard history, compliance monitoring), and
 * is sufficient to reconstruct a stream's fiscal state from scratch (ReplayStream),
 * which is the audit contract.
 *
 * @dependencies
 * - github.com/google/uuid: event and stream identifiers.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StreamEventType enumerates the events the ledger emits. Health transitions come
// from the read-side sweeper and do not participate in replay.
type StreamEventType string

const (
	EventStreamCreated       StreamEventType = "stream.created"
	EventStreamToppedUp      StreamEventType = "stream.topped_up"
	EventStreamWithdrawn     StreamEventType = "stream.withdrawn"
	EventStreamPaused        StreamEventType = "stream.paused"
	EventStreamResumed       StreamEventType = "stream.resumed"
	EventStreamCancelled     StreamEventType = "stream.cancelled"
	EventStreamHealthChanged StreamEventType = "stream.health_changed"
)

// StreamEvent is one row of the append-only log. Command-specific fields are
// pointers and nil when they do not apply; resulting balances are always present.
type StreamEvent struct {
	ID         uuid.UUID       `json:"id"`
	StreamID   uuid.UUID       `json:"stream_id"`
	Type       StreamEventType `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	SenderID   uuid.UUID       `json:"sender_id"`
	ReceiverID uuid.UUID       `json:"receiver_id"`

	// Amount is the command amount for top-ups and withdrawals.
	Amount   *Money `json:"amount,omitempty"`
	FlowRate *Money `json:"flow_rate,omitempty"`
	Buffer   *Money `json:"buffer,omitempty"`

	// Resulting balances after the transition was applied.
	FundedAmount    Money        `json:"funded_amount"`
	WithdrawnAmount Money        `json:"withdrawn_amount"`
	StreamedAmount  Money        `json:"streamed_amount"`
	Status          StreamStatus `json:"status"`

	// Cancel settlement split.
	ReceiverOwed *Money `json:"receiver_owed,omitempty"`
	SenderRefund *Money `json:"sender_refund,omitempty"`

	// Health sweep fields.
	PreviousHealth *StreamHealth `json:"previous_health,omitempty"`
	Health         *StreamHealth `json:"health,omitempty"`
	RunwaySeconds  *int64        `json:"runway_seconds,omitempty"`
}

// RoutingKey returns the topic-exchange routing key for the event. Lifecycle
// transitions publish under stream.lifecycle.*, health reclassifications under
// stream.health.*, so consumers can bind one family without the other.
func (e StreamEvent) RoutingKey() string {
	if e.Type == EventStreamHealthChanged {
		return "stream.health.changed"
	}
	return "stream.lifecycle." + strings.TrimPrefix(string(e.Type), "stream.")
}

func baseEvent(s *Stream, t StreamEventType, streamed Money, at time.Time) StreamEvent {
	return StreamEvent{
		ID:              uuid.New(),
		StreamID:        s.ID,
		Type:            t,
		OccurredAt:      at,
		SenderID:        s.SenderID,
		ReceiverID:      s.ReceiverID,
		FundedAmount:    s.FundedAmount,
		WithdrawnAmount: s.WithdrawnAmount,
		StreamedAmount:  streamed,
		Status:          s.Status,
	}
}

// NewStreamCreatedEvent records the creation parameters alongside opening balances.
func NewStreamCreatedEvent(s *Stream, at time.Time) StreamEvent {
	ev := baseEvent(s, EventStreamCreated, Zero(s.FlowRatePerSecond.Currency), at)
	rate := s.FlowRatePerSecond
	buffer := s.BufferAmount
	ev.FlowRate = &rate
	ev.Buffer = &buffer
	return ev
}

// NewStreamToppedUpEvent records a funding increase.
func NewStreamToppedUpEvent(s *Stream, amount, streamed Money, at time.Time) StreamEvent {
	ev := baseEvent(s, EventStreamToppedUp, streamed, at)
	ev.Amount = &amount
	return ev
}

// NewStreamWithdrawnEvent records a withdrawal.
func NewStreamWithdrawnEvent(s *Stream, amount, streamed Money, at time.Time) StreamEvent {
	ev := baseEvent(s, EventStreamWithdrawn, streamed, at)
	ev.Amount = &amount
	return ev
}

// NewStreamPausedEvent records a pause with the frozen accrual snapshot.
func NewStreamPausedEvent(s *Stream, at time.Time) StreamEvent {
	return baseEvent(s, EventStreamPaused, s.AccruedSnapshot, at)
}

// NewStreamResumedEvent records a resume.
func NewStreamResumedEvent(s *Stream, at time.Time) StreamEvent {
	return baseEvent(s, EventStreamResumed, s.AccruedSnapshot, at)
}

// NewStreamCancelledEvent records the terminal transition and its settlement split.
func NewStreamCancelledEvent(s *Stream, settlement CancelSettlement, at time.Time) StreamEvent {
	ev := baseEvent(s, EventStreamCancelled, s.AccruedSnapshot, at)
	owed := settlement.ReceiverOwed
	refund := settlement.SenderRefund
	ev.ReceiverOwed = &owed
	ev.SenderRefund = &refund
	return ev
}

// NewStreamHealthChangedEvent records a health reclassification from the sweeper.
func NewStreamHealthChangedEvent(s *Stream, previous StreamHealth, snap StreamSnapshot) StreamEvent {
	ev := baseEvent(s, EventStreamHealthChanged, snap.StreamedAmount, snap.ProjectedAt)
	prev := previous
	health := snap.Health
	ev.PreviousHealth = &prev
	ev.Health = &health
	ev.RunwaySeconds = snap.RunwaySeconds
	return ev
}

// ReplayStream rebuilds a stream's state by re-applying its event log through the
// same mutators the live path uses. Replaying a complete log reproduces the exact
// funded, withdrawn, accrued and status fields of the current record; events that do
// not move money (health changes) are skipped.
func ReplayStream(events []StreamEvent) (*Stream, error) {
	var s *Stream
	for i, ev := range events {
		if s == nil {
			if ev.Type != EventStreamCreated {
				return nil, fmt.Errorf("replay: log must begin with %s, got %s", EventStreamCreated, ev.Type)
			}
			if ev.FlowRate == nil || ev.Buffer == nil {
				return nil, fmt.Errorf("replay: %s event missing flow rate or buffer", EventStreamCreated)
			}
			created, err := NewStream(ev.StreamID, ev.SenderID, ev.ReceiverID, *ev.FlowRate, ev.FundedAmount, *ev.Buffer, ev.OccurredAt)
			if err != nil {
				return nil, fmt.Errorf("replay event %d: %w", i, err)
			}
			s = created
			continue
		}
		var err error
		switch ev.Type {
		case EventStreamCreated:
			err = fmt.Errorf("duplicate %s", EventStreamCreated)
		case EventStreamToppedUp:
			if ev.Amount == nil {
				err = fmt.Errorf("%s event missing amount", ev.Type)
			} else {
				err = s.TopUp(*ev.Amount, ev.OccurredAt)
			}
		case EventStreamWithdrawn:
			if ev.Amount == nil {
				err = fmt.Errorf("%s event missing amount", ev.Type)
			} else {
				err = s.Withdraw(*ev.Amount, ev.OccurredAt)
			}
		case EventStreamPaused:
			err = s.Pause(ev.OccurredAt)
		case EventStreamResumed:
			err = s.Resume(ev.OccurredAt)
		case EventStreamCancelled:
			_, err = s.Cancel(ev.OccurredAt)
		case EventStreamHealthChanged:
			// Read-side only; nothing to apply.
		default:
			err = fmt.Errorf("unknown event type %s", ev.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("replay event %d (%s): %w", i, ev.Type, err)
		}
	}
	if s == nil {
		return nil, fmt.Errorf("replay: empty event log")
	}
	return s, nil
}
