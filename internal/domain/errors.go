/**
 * @description
 * Error kinds returned by the stream ledger and the limits engine. All of these are
 * recoverable, caller-facing business conditions: every mutating operation reports
 * exactly one of them and leaves state untouched on failure. Infrastructure faults
 * (storage down, broker down) wrap ErrUnavailable instead so the integration layer
 * can retry or page an operator rather than show a business rejection to the user.
 *
 * LimitExceededError and InvalidTransitionError are structs because the UI renders
 * the specific reason ("monthly limit exceeded by 500 USDC") straight from the error,
 * without re-deriving amounts.
 */

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCurrencyMismatch rejects arithmetic or comparison across currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrOverflow rejects arithmetic whose result does not fit in int64 micro-units.
	ErrOverflow = errors.New("amount overflow")
	// ErrInvalidAmount rejects zero, negative or unparseable command amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidFlowRate rejects creation with a non-positive flow rate.
	ErrInvalidFlowRate = errors.New("flow rate must be positive")
	// ErrInsufficientFunding rejects creation whose funding does not exceed the buffer.
	ErrInsufficientFunding = errors.New("initial funding must exceed buffer")
	// ErrInsufficientAvailable rejects a withdrawal larger than the streamed, unwithdrawn balance.
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	// ErrStreamNotActive rejects a top-up against a paused or cancelled stream.
	ErrStreamNotActive = errors.New("stream is not active")
	// ErrStreamNotFound is returned when the stream id is unknown.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrAgentInactive rejects commands from a deactivated (suspended) agent.
	ErrAgentInactive = errors.New("agent is deactivated")
	// ErrUnavailable wraps infrastructure failures (storage, broker); not a business rejection.
	ErrUnavailable = errors.New("service unavailable")
)

// Limit names carried by LimitExceededError, stable for API consumers.
const (
	LimitPerTransaction   = "per_transaction"
	LimitDaily            = "daily"
	LimitMonthly          = "monthly"
	LimitMaxActiveStreams = "max_active_streams"
	LimitMaxFlowRate      = "max_flow_rate_per_stream"
	LimitMaxTotalOutflow  = "max_total_stream_outflow"
)

// LimitExceededError reports which limit a command would violate and by how much.
// Requested and Allowed are micro-units for money-valued limits; for
// max_active_streams they are plain counts and Currency is empty.
type LimitExceededError struct {
	Limit     string
	Requested int64
	Allowed   int64
	Currency  string
}

// NewLimitExceeded builds the error for a money-valued limit.
func NewLimitExceeded(limit string, requested, allowed Money) *LimitExceededError {
	return &LimitExceededError{
		Limit:     limit,
		Requested: requested.Units,
		Allowed:   allowed.Units,
		Currency:  requested.Currency,
	}
}

// NewCountLimitExceeded builds the error for the active-stream-count limit.
func NewCountLimitExceeded(limit string, requested, allowed uint32) *LimitExceededError {
	return &LimitExceededError{
		Limit:     limit,
		Requested: int64(requested),
		Allowed:   int64(allowed),
	}
}

func (e *LimitExceededError) Error() string {
	if e.Currency == "" {
		return fmt.Sprintf("%s limit exceeded: requested %d, allowed %d", e.Limit, e.Requested, e.Allowed)
	}
	return fmt.Sprintf("%s limit exceeded by %s (requested %s, allowed %s)",
		e.Limit, e.ExceededBy(), NewMoney(e.Requested, e.Currency), NewMoney(e.Allowed, e.Currency))
}

// ExceededBy returns the amount by which the request overshoots a money-valued limit.
func (e *LimitExceededError) ExceededBy() Money {
	return NewMoney(e.Requested-e.Allowed, e.Currency)
}

// InvalidTransitionError reports a rejected stream state transition. For guarded
// operations that are not themselves transitions (withdrawing from a cancelled
// stream), To is empty and Op names the rejected command.
type InvalidTransitionError struct {
	Op   string
	From StreamStatus
	To   StreamStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("%s rejected: stream is %s", e.Op, e.From)
	}
	return fmt.Sprintf("invalid stream transition from %s to %s", e.From, e.To)
}
