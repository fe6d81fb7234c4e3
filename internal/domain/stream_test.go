package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var streamEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestStream(t *testing.T, rate, funding, buffer string) *Stream {
	t.Helper()
	s, err := NewStream(
		uuid.New(), uuid.New(), uuid.New(),
		mustParse(t, rate, "USDC"),
		mustParse(t, funding, "USDC"),
		mustParse(t, buffer, "USDC"),
		streamEpoch,
	)
	if err != nil {
		t.Fatalf("NewStream: unexpected error %v", err)
	}
	return s
}

func streamedAt(t *testing.T, s *Stream, now time.Time) Money {
	t.Helper()
	m, err := s.StreamedAt(now)
	if err != nil {
		t.Fatalf("StreamedAt: unexpected error %v", err)
	}
	return m
}

func TestNewStreamValidation(t *testing.T) {
	rate := "0.01"
	tests := []struct {
		name    string
		rate    string
		funding string
		buffer  string
		wantErr error
	}{
		{name: "zero flow rate", rate: "0", funding: "100", buffer: "1", wantErr: ErrInvalidFlowRate},
		{name: "negative flow rate", rate: "-0.01", funding: "100", buffer: "1", wantErr: ErrInvalidFlowRate},
		{name: "funding equals buffer", rate: rate, funding: "5", buffer: "5", wantErr: ErrInsufficientFunding},
		{name: "funding below buffer", rate: rate, funding: "4", buffer: "5", wantErr: ErrInsufficientFunding},
		{name: "negative buffer", rate: rate, funding: "100", buffer: "-1", wantErr: ErrInvalidAmount},
		{name: "valid", rate: rate, funding: "100", buffer: "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStream(
				uuid.New(), uuid.New(), uuid.New(),
				mustParse(t, tt.rate, "USDC"),
				mustParse(t, tt.funding, "USDC"),
				mustParse(t, tt.buffer, "USDC"),
				streamEpoch,
			)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Status != StreamActive {
				t.Fatalf("expected new stream to be active, got %s", s.Status)
			}
			if !streamedAt(t, s, streamEpoch).IsZero() {
				t.Fatal("expected zero streamed immediately after creation")
			}
		})
	}
}

func TestNewStreamCurrencyMismatch(t *testing.T) {
	_, err := NewStream(
		uuid.New(), uuid.New(), uuid.New(),
		mustParse(t, "0.01", "USDC"),
		NewMoney(100_000_000, "USD"),
		mustParse(t, "1", "USDC"),
		streamEpoch,
	)
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestAccrualGrowsLinearlyAndCapsAtCeiling(t *testing.T) {
	// 1 USDC/s, funded 100, buffer 10: ceiling is 90 and is reached after 90s.
	s := newTestStream(t, "1", "100", "10")

	checkpoints := []struct {
		afterSeconds int64
		wantUnits    int64
	}{
		{0, 0},
		{1, 1_000_000},
		{45, 45_000_000},
		{90, 90_000_000},
		{91, 90_000_000},
		{100_000, 90_000_000},
	}
	var previous int64 = -1
	for _, cp := range checkpoints {
		got := streamedAt(t, s, streamEpoch.Add(time.Duration(cp.afterSeconds)*time.Second))
		if got.Units != cp.wantUnits {
			t.Fatalf("after %ds expected %d micro-units streamed, got %d", cp.afterSeconds, cp.wantUnits, got.Units)
		}
		if got.Units < previous {
			t.Fatalf("streamed amount decreased from %d to %d", previous, got.Units)
		}
		previous = got.Units
	}
}

func TestAccrualIgnoresSubSecondRemainder(t *testing.T) {
	s := newTestStream(t, "1", "100", "0")
	got := streamedAt(t, s, streamEpoch.Add(2500*time.Millisecond))
	if got.Units != 2_000_000 {
		t.Fatalf("expected accrual for 2 whole seconds, got %d micro-units", got.Units)
	}
}

func TestPauseFreezesAccrualAndResumeRestartsIt(t *testing.T) {
	s := newTestStream(t, "1", "1000", "0")

	pauseAt := streamEpoch.Add(30 * time.Second)
	if err := s.Pause(pauseAt); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s.AccruedSnapshot.Units != 30_000_000 {
		t.Fatalf("expected pause to bank 30 USDC, got %s", s.AccruedSnapshot)
	}

	// An hour of paused time accrues nothing.
	frozen := streamedAt(t, s, pauseAt.Add(time.Hour))
	if frozen.Units != 30_000_000 {
		t.Fatalf("expected streamed to stay at 30 USDC while paused, got %s", frozen)
	}

	resumeAt := pauseAt.Add(time.Hour)
	if err := s.Resume(resumeAt); err != nil {
		t.Fatalf("resume: %v", err)
	}
	after := streamedAt(t, s, resumeAt.Add(10*time.Second))
	if after.Units != 40_000_000 {
		t.Fatalf("expected 40 USDC after 10 more active seconds, got %s", after)
	}
}

func TestTopUpRaisesCeilingWithRetroactiveCatchUp(t *testing.T) {
	// Stalls at the 50 USDC ceiling after 50s; a top-up within the same active
	// interval lets the formula catch up for the stalled time.
	s := newTestStream(t, "1", "50", "0")

	stalled := streamedAt(t, s, streamEpoch.Add(80*time.Second))
	if stalled.Units != 50_000_000 {
		t.Fatalf("expected stall at 50 USDC, got %s", stalled)
	}

	topUpAt := streamEpoch.Add(80 * time.Second)
	if err := s.TopUp(mustParse(t, "100", "USDC"), topUpAt); err != nil {
		t.Fatalf("top up: %v", err)
	}
	caughtUp := streamedAt(t, s, topUpAt)
	if caughtUp.Units != 80_000_000 {
		t.Fatalf("expected retroactive catch-up to 80 USDC, got %s", caughtUp)
	}
}

func TestTopUpRequiresActiveStream(t *testing.T) {
	s := newTestStream(t, "1", "100", "0")
	if err := s.Pause(streamEpoch.Add(time.Second)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err := s.TopUp(mustParse(t, "10", "USDC"), streamEpoch.Add(2*time.Second))
	if !errors.Is(err, ErrStreamNotActive) {
		t.Fatalf("expected ErrStreamNotActive on paused top-up, got %v", err)
	}

	if err := s.Resume(streamEpoch.Add(3 * time.Second)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := s.Cancel(streamEpoch.Add(4 * time.Second)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err = s.TopUp(mustParse(t, "10", "USDC"), streamEpoch.Add(5*time.Second))
	if !errors.Is(err, ErrStreamNotActive) {
		t.Fatalf("expected ErrStreamNotActive on cancelled top-up, got %v", err)
	}
}

func TestWithdrawAgainstLiveAvailable(t *testing.T) {
	s := newTestStream(t, "1", "1000", "0")
	now := streamEpoch.Add(60 * time.Second) // 60 USDC streamed

	if err := s.Withdraw(mustParse(t, "45", "USDC"), now); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	available, err := s.AvailableAt(now)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available.Units != 15_000_000 {
		t.Fatalf("expected 15 USDC available, got %s", available)
	}

	// Overdraw fails and leaves the record untouched.
	before := *s
	err = s.Withdraw(mustParse(t, "15.000001", "USDC"), now)
	if !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("expected ErrInsufficientAvailable, got %v", err)
	}
	if s.WithdrawnAmount.Units != before.WithdrawnAmount.Units || s.Version != before.Version {
		t.Fatal("failed withdrawal must not mutate the stream")
	}

	// Non-positive amounts are rejected outright.
	if err := s.Withdraw(Zero("USDC"), now); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero withdrawal, got %v", err)
	}
}

func TestWithdrawAllowedWhilePaused(t *testing.T) {
	s := newTestStream(t, "1", "1000", "0")
	pauseAt := streamEpoch.Add(30 * time.Second)
	if err := s.Pause(pauseAt); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.Withdraw(mustParse(t, "30", "USDC"), pauseAt.Add(time.Minute)); err != nil {
		t.Fatalf("expected paused withdrawal of the frozen balance to succeed, got %v", err)
	}
	if err := s.Withdraw(NewMoney(1, "USDC"), pauseAt.Add(time.Minute)); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("expected ErrInsufficientAvailable once frozen balance is drained, got %v", err)
	}
}

func TestWithdrawRejectedAfterCancel(t *testing.T) {
	s := newTestStream(t, "1", "1000", "0")
	if _, err := s.Cancel(streamEpoch.Add(10 * time.Second)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err := s.Withdraw(mustParse(t, "1", "USDC"), streamEpoch.Add(11*time.Second))
	var transitionErr *InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if transitionErr.From != StreamCancelled || transitionErr.Op != "withdraw" {
		t.Fatalf("expected withdraw-from-cancelled detail, got %+v", transitionErr)
	}
}

func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, s *Stream)
		apply   func(s *Stream, at time.Time) error
		wantErr bool
	}{
		{
			name:    "active to paused",
			prepare: func(t *testing.T, s *Stream) {},
			apply:   func(s *Stream, at time.Time) error { return s.Pause(at) },
		},
		{
			name:    "active resume rejected",
			prepare: func(t *testing.T, s *Stream) {},
			apply:   func(s *Stream, at time.Time) error { return s.Resume(at) },
			wantErr: true,
		},
		{
			name: "paused to active",
			prepare: func(t *testing.T, s *Stream) {
				if err := s.Pause(streamEpoch.Add(time.Second)); err != nil {
					t.Fatalf("pause: %v", err)
				}
			},
			apply: func(s *Stream, at time.Time) error { return s.Resume(at) },
		},
		{
			name: "paused pause rejected",
			prepare: func(t *testing.T, s *Stream) {
				if err := s.Pause(streamEpoch.Add(time.Second)); err != nil {
					t.Fatalf("pause: %v", err)
				}
			},
			apply:   func(s *Stream, at time.Time) error { return s.Pause(at) },
			wantErr: true,
		},
		{
			name: "paused to cancelled",
			prepare: func(t *testing.T, s *Stream) {
				if err := s.Pause(streamEpoch.Add(time.Second)); err != nil {
					t.Fatalf("pause: %v", err)
				}
			},
			apply: func(s *Stream, at time.Time) error { _, err := s.Cancel(at); return err },
		},
		{
			name: "cancelled is terminal",
			prepare: func(t *testing.T, s *Stream) {
				if _, err := s.Cancel(streamEpoch.Add(time.Second)); err != nil {
					t.Fatalf("cancel: %v", err)
				}
			},
			apply:   func(s *Stream, at time.Time) error { _, err := s.Cancel(at); return err },
			wantErr: true,
		},
		{
			name: "cancelled resume rejected",
			prepare: func(t *testing.T, s *Stream) {
				if _, err := s.Cancel(streamEpoch.Add(time.Second)); err != nil {
					t.Fatalf("cancel: %v", err)
				}
			},
			apply:   func(s *Stream, at time.Time) error { return s.Resume(at) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStream(t, "1", "1000", "0")
			tt.prepare(t, s)
			err := tt.apply(s, streamEpoch.Add(time.Minute))
			if tt.wantErr {
				var transitionErr *InvalidTransitionError
				if !errors.As(err, &transitionErr) {
					t.Fatalf("expected InvalidTransitionError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCancelSettlementSplit(t *testing.T) {
	s := newTestStream(t, "1", "1000", "50")
	now := streamEpoch.Add(100 * time.Second) // 100 USDC streamed

	if err := s.Withdraw(mustParse(t, "40", "USDC"), now); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	settlement, err := s.Cancel(now)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if settlement.ReceiverOwed.Units != 60_000_000 {
		t.Fatalf("expected receiver owed 60 USDC, got %s", settlement.ReceiverOwed)
	}
	if settlement.SenderRefund.Units != 900_000_000 {
		t.Fatalf("expected sender refund 900 USDC, got %s", settlement.SenderRefund)
	}
	if s.Status != StreamCancelled {
		t.Fatalf("expected cancelled status, got %s", s.Status)
	}
}

func TestProjectorThresholds(t *testing.T) {
	tests := []struct {
		name       string
		funding    string
		wantRunway int64
		wantHealth StreamHealth
	}{
		{name: "one second below critical boundary", funding: "86399", wantRunway: 86_399, wantHealth: HealthCritical},
		{name: "critical boundary is warning", funding: "86400", wantRunway: 86_400, wantHealth: HealthWarning},
		{name: "one second below warning boundary", funding: "604799", wantRunway: 604_799, wantHealth: HealthWarning},
		{name: "warning boundary is healthy", funding: "604800", wantRunway: 604_800, wantHealth: HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 1 USDC/s with zero buffer: runway equals remaining funding in seconds.
			s := newTestStream(t, "1", tt.funding, "0")
			snap, err := ProjectStream(s, streamEpoch)
			if err != nil {
				t.Fatalf("project: %v", err)
			}
			if snap.RunwaySeconds == nil || *snap.RunwaySeconds != tt.wantRunway {
				t.Fatalf("expected runway %d, got %v", tt.wantRunway, snap.RunwaySeconds)
			}
			if snap.Health != tt.wantHealth {
				t.Fatalf("expected health %s, got %s", tt.wantHealth, snap.Health)
			}
		})
	}
}

func TestProjectorPausedAndCancelledConventions(t *testing.T) {
	s := newTestStream(t, "1", "1000000", "0")
	if err := s.Pause(streamEpoch.Add(time.Second)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	snap, err := ProjectStream(s, streamEpoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if snap.Health != HealthCritical {
		t.Fatalf("paused streams report critical, got %s", snap.Health)
	}
	if snap.RunwaySeconds == nil || *snap.RunwaySeconds != 0 {
		t.Fatalf("paused streams report zero runway, got %v", snap.RunwaySeconds)
	}

	if err := s.Resume(streamEpoch.Add(2 * time.Minute)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := s.Cancel(streamEpoch.Add(3 * time.Minute)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap, err = ProjectStream(s, streamEpoch.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if snap.Health != HealthCritical || snap.RunwaySeconds != nil {
		t.Fatalf("cancelled streams report critical with no runway, got %s %v", snap.Health, snap.RunwaySeconds)
	}
}

func TestThirtyDayStreamScenario(t *testing.T) {
	// A $2,000/month stream (0.000772 USDC/s) funded with $2,500 and a $6.43 buffer:
	// after 30 active days the raw accrual (2001.024) is under the 2493.57 ceiling,
	// and the remaining runway keeps the stream healthy.
	s := newTestStream(t, "0.000772", "2500", "6.43")
	after30d := streamEpoch.Add(30 * 24 * time.Hour)

	streamed := streamedAt(t, s, after30d)
	if streamed.Units != 2_001_024_000 {
		t.Fatalf("expected 2001.024 USDC streamed, got %s", streamed)
	}

	snap, err := ProjectStream(s, after30d)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	wantRunway := (2_493_570_000 - 2_001_024_000) / int64(772)
	if snap.RunwaySeconds == nil || *snap.RunwaySeconds != wantRunway {
		t.Fatalf("expected runway %d, got %v", wantRunway, snap.RunwaySeconds)
	}
	if snap.Health != HealthHealthy {
		t.Fatalf("expected healthy stream, got %s", snap.Health)
	}
}

func TestMonthlyOutflowRate(t *testing.T) {
	s := newTestStream(t, "0.000772", "2500", "6.43")
	outflow, err := s.MonthlyOutflowRate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outflow.Units != 772*SecondsPerMonth {
		t.Fatalf("expected %d micro-units monthly outflow, got %d", 772*SecondsPerMonth, outflow.Units)
	}
}
