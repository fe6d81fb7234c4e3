/**
 * @description
 * Read-side health and runway projection. Pure derivation from a Stream plus an
 * instant; never mutates the ledger. The 24h/7d thresholds are an explicit product
 * contract shared with the dashboard, not incidental display logic, and the paused
 * convention (critical, runway zero) deliberately treats a stopped income source as
 * urgent even though no funding is burning.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// StreamHealth classifies how close a stream is to running dry.
type StreamHealth string

const (
	HealthHealthy  StreamHealth = "healthy"
	HealthWarning  StreamHealth = "warning"
	HealthCritical StreamHealth = "critical"
)

// Runway thresholds in seconds. Below a day is critical, below a week is a warning.
const (
	CriticalRunwaySeconds int64 = 86_400
	WarningRunwaySeconds  int64 = 604_800
)

// StreamSnapshot is the derived read model served to the dashboard: live accrual
// figures plus the health classification. Never persisted.
type StreamSnapshot struct {
	StreamID        uuid.UUID    `json:"stream_id"`
	Status          StreamStatus `json:"status"`
	StreamedAmount  Money        `json:"streamed_amount"`
	AvailableAmount Money        `json:"available_amount"`
	Health          StreamHealth `json:"health"`
	// RunwaySeconds is nil for cancelled streams and zero for paused ones.
	RunwaySeconds *int64    `json:"runway_seconds,omitempty"`
	ProjectedAt   time.Time `json:"projected_at"`
}

// ProjectStream derives the snapshot for a stream at the given instant.
//
// Runway counts the seconds until the streamable funding (funded minus buffer) is
// exhausted at the current rate; the buffer can never stream, so it never extends
// runway. Paused streams report critical with runway zero; cancelled streams report
// critical with no runway at all.
func ProjectStream(s *Stream, now time.Time) (StreamSnapshot, error) {
	streamed, err := s.StreamedAt(now)
	if err != nil {
		return StreamSnapshot{}, err
	}
	available, err := streamed.Sub(s.WithdrawnAmount)
	if err != nil {
		return StreamSnapshot{}, err
	}

	snap := StreamSnapshot{
		StreamID:        s.ID,
		Status:          s.Status,
		StreamedAmount:  streamed,
		AvailableAmount: available,
		ProjectedAt:     now,
	}

	switch s.Status {
	case StreamActive:
		remaining, err := s.streamingCeiling().Sub(streamed)
		if err != nil {
			return StreamSnapshot{}, err
		}
		runway, err := remaining.Div(s.FlowRatePerSecond)
		if err != nil {
			return StreamSnapshot{}, err
		}
		if runway < 0 {
			runway = 0
		}
		snap.RunwaySeconds = &runway
		snap.Health = classifyRunway(runway)
	case StreamPaused:
		zero := int64(0)
		snap.RunwaySeconds = &zero
		snap.Health = HealthCritical
	default: // cancelled
		snap.Health = HealthCritical
	}
	return snap, nil
}

func classifyRunway(runwaySeconds int64) StreamHealth {
	switch {
	case runwaySeconds < CriticalRunwaySeconds:
		return HealthCritical
	case runwaySeconds < WarningRunwaySeconds:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
