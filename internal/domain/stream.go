/**
 * @description
 * The Stream record and its lifecycle. A stream is a continuous per-second payment
 * flow from a sender to a receiver, funded in advance. This file owns the accrual
 * formula, the state machine (active -> paused -> active, either -> cancelled), and
 * the mutators the ledger service applies under per-stream serialization.
 *
 * Accrual is arena-style: AccruedSnapshot banks the streamed amount over completed
 * active intervals, and AccrualStartedAt marks the origin of the current active
 * interval. Pausing snapshots the accrued-to-instant value and clears the origin, so
 * paused time never accrues; resuming resets the origin. The streamed amount is
 * always capped at FundedAmount - BufferAmount: a stream that outruns its funding
 * stalls at the ceiling instead of failing, and catches up retroactively if topped
 * up within the same active interval.
 *
 * @dependencies
 * - github.com/google/uuid: stream identifiers.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StreamStatus is the lifecycle state of a stream. Cancelled is terminal.
type StreamStatus string

const (
	StreamActive    StreamStatus = "active"
	StreamPaused    StreamStatus = "paused"
	StreamCancelled StreamStatus = "cancelled"
)

// SecondsPerMonth is the normalization window for monthly outflow projections.
const SecondsPerMonth int64 = 30 * 24 * 60 * 60

// Stream is the authoritative ledger record for one payment stream.
type Stream struct {
	ID                uuid.UUID    `json:"id"`
	SenderID          uuid.UUID    `json:"sender_id"`
	ReceiverID        uuid.UUID    `json:"receiver_id"`
	FlowRatePerSecond Money        `json:"flow_rate_per_second"`
	Status            StreamStatus `json:"status"`
	FundedAmount      Money        `json:"funded_amount"`
	WithdrawnAmount   Money        `json:"withdrawn_amount"`
	BufferAmount      Money        `json:"buffer_amount"`
	StartedAt         time.Time    `json:"started_at"`
	// AccruedSnapshot is the streamed amount banked over completed active intervals.
	AccruedSnapshot Money `json:"accrued_snapshot"`
	// AccrualStartedAt is the origin of the current active interval; nil unless active.
	AccrualStartedAt *time.Time `json:"accrual_started_at,omitempty"`
	// Version guards optimistic concurrency in the store.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStream validates creation parameters and returns an active stream. Limit guards
// (effective limits, stream counts, outflow caps) belong to the ledger service; this
// constructor owns the intrinsic invariants only.
func NewStream(id, senderID, receiverID uuid.UUID, flowRate, initialFunding, buffer Money, now time.Time) (*Stream, error) {
	if !flowRate.IsPositive() {
		return nil, fmt.Errorf("flow rate %s: %w", flowRate, ErrInvalidFlowRate)
	}
	if err := flowRate.sameCurrency(initialFunding); err != nil {
		return nil, err
	}
	if err := flowRate.sameCurrency(buffer); err != nil {
		return nil, err
	}
	if initialFunding.IsNegative() || buffer.IsNegative() {
		return nil, fmt.Errorf("funding %s buffer %s: %w", initialFunding, buffer, ErrInvalidAmount)
	}
	if c, _ := initialFunding.Cmp(buffer); c <= 0 {
		return nil, fmt.Errorf("funding %s does not exceed buffer %s: %w", initialFunding, buffer, ErrInsufficientFunding)
	}
	start := now
	return &Stream{
		ID:                id,
		SenderID:          senderID,
		ReceiverID:        receiverID,
		FlowRatePerSecond: flowRate,
		Status:            StreamActive,
		FundedAmount:      initialFunding,
		WithdrawnAmount:   Zero(flowRate.Currency),
		BufferAmount:      buffer,
		StartedAt:         start,
		AccruedSnapshot:   Zero(flowRate.Currency),
		AccrualStartedAt:  &start,
		Version:           1,
		CreatedAt:         start,
		UpdatedAt:         start,
	}, nil
}

// CanTransition reports whether moving from the current status to target is legal.
func (s *Stream) CanTransition(target StreamStatus) bool {
	switch s.Status {
	case StreamActive:
		return target == StreamPaused || target == StreamCancelled
	case StreamPaused:
		return target == StreamActive || target == StreamCancelled
	default:
		return false
	}
}

func (s *Stream) validateTransition(target StreamStatus) error {
	if !s.CanTransition(target) {
		return &InvalidTransitionError{From: s.Status, To: target}
	}
	return nil
}

// streamingCeiling is the most that can ever stream: funding minus the reserved buffer.
func (s *Stream) streamingCeiling() Money {
	ceiling := s.FundedAmount.Units - s.BufferAmount.Units
	if ceiling < 0 {
		ceiling = 0
	}
	return NewMoney(ceiling, s.FundedAmount.Currency)
}

func wholeSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// StreamedAt computes the total streamed amount as of now: the banked snapshot plus
// accrual over the current active interval, capped at the streaming ceiling.
func (s *Stream) StreamedAt(now time.Time) (Money, error) {
	accrued := s.AccruedSnapshot
	if s.Status == StreamActive && s.AccrualStartedAt != nil {
		elapsed := wholeSeconds(now.Sub(*s.AccrualStartedAt))
		interval, err := s.FlowRatePerSecond.MulInt64(elapsed)
		if err != nil {
			return Money{}, err
		}
		accrued, err = accrued.Add(interval)
		if err != nil {
			return Money{}, err
		}
	}
	return Min(accrued, s.streamingCeiling())
}

// AvailableAt computes what the receiver could withdraw right now.
func (s *Stream) AvailableAt(now time.Time) (Money, error) {
	streamed, err := s.StreamedAt(now)
	if err != nil {
		return Money{}, err
	}
	return streamed.Sub(s.WithdrawnAmount)
}

// TopUp raises the funding ceiling. Only active streams accept funding.
func (s *Stream) TopUp(amount Money, now time.Time) error {
	if s.Status != StreamActive {
		return fmt.Errorf("top up %s: %w", s.ID, ErrStreamNotActive)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("top up %s by %s: %w", s.ID, amount, ErrInvalidAmount)
	}
	funded, err := s.FundedAmount.Add(amount)
	if err != nil {
		return err
	}
	s.FundedAmount = funded
	s.touch(now)
	return nil
}

// Withdraw moves streamed funds out to the receiver. Withdrawals are allowed while
// paused (the frozen accrued balance was already earned) but never after cancel.
func (s *Stream) Withdraw(amount Money, now time.Time) error {
	if s.Status == StreamCancelled {
		return &InvalidTransitionError{Op: "withdraw", From: StreamCancelled}
	}
	if !amount.IsPositive() {
		return fmt.Errorf("withdraw %s from %s: %w", amount, s.ID, ErrInvalidAmount)
	}
	available, err := s.AvailableAt(now)
	if err != nil {
		return err
	}
	c, err := amount.Cmp(available)
	if err != nil {
		return err
	}
	if c > 0 {
		return fmt.Errorf("withdraw %s, available %s: %w", amount, available, ErrInsufficientAvailable)
	}
	withdrawn, err := s.WithdrawnAmount.Add(amount)
	if err != nil {
		return err
	}
	s.WithdrawnAmount = withdrawn
	s.touch(now)
	return nil
}

// Pause freezes accrual: the streamed-to-instant amount is banked and the accrual
// origin cleared, so paused time never accrues retroactively on resume.
func (s *Stream) Pause(now time.Time) error {
	if err := s.validateTransition(StreamPaused); err != nil {
		return err
	}
	streamed, err := s.StreamedAt(now)
	if err != nil {
		return err
	}
	s.AccruedSnapshot = streamed
	s.AccrualStartedAt = nil
	s.Status = StreamPaused
	s.touch(now)
	return nil
}

// Resume restarts accrual from now on top of the banked snapshot.
func (s *Stream) Resume(now time.Time) error {
	if err := s.validateTransition(StreamActive); err != nil {
		return err
	}
	origin := now
	s.AccrualStartedAt = &origin
	s.Status = StreamActive
	s.touch(now)
	return nil
}

// CancelSettlement reports the money split a cancel produces: what the receiver is
// still owed (streamed but unwithdrawn) and what returns to the sender. The actual
// release is performed by the settlement layer off the emitted event, not here.
type CancelSettlement struct {
	ReceiverOwed Money `json:"receiver_owed"`
	SenderRefund Money `json:"sender_refund"`
}

// Cancel terminates the stream from active or paused and freezes its final state.
func (s *Stream) Cancel(now time.Time) (CancelSettlement, error) {
	if err := s.validateTransition(StreamCancelled); err != nil {
		return CancelSettlement{}, err
	}
	streamed, err := s.StreamedAt(now)
	if err != nil {
		return CancelSettlement{}, err
	}
	owed, err := streamed.Sub(s.WithdrawnAmount)
	if err != nil {
		return CancelSettlement{}, err
	}
	refund, err := s.FundedAmount.Sub(streamed)
	if err != nil {
		return CancelSettlement{}, err
	}
	s.AccruedSnapshot = streamed
	s.AccrualStartedAt = nil
	s.Status = StreamCancelled
	s.touch(now)
	return CancelSettlement{ReceiverOwed: owed, SenderRefund: refund}, nil
}

// MonthlyOutflowRate projects this stream's flow rate over a 30-day month.
func (s *Stream) MonthlyOutflowRate() (Money, error) {
	return s.FlowRatePerSecond.MulInt64(SecondsPerMonth)
}

func (s *Stream) touch(now time.Time) {
	s.UpdatedAt = now
	s.Version++
}

// StreamListOptions filters and pages sender-scoped stream listings.
type StreamListOptions struct {
	Status *StreamStatus
	Limit  int
	Offset int
}
