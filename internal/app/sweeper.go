/**
 * @description
 * Periodic health sweep over live streams. The projector classifies a stream's
 * runway on demand, but nobody asks for a projection of a stream the owner
 * forgot about; the sweeper walks every active and paused stream on a cron
 * schedule, appends a stream.health_changed event whenever a stream crossed a
 * threshold since the last pass, and refreshes the per-health gauges.
 *
 * Transition detection is in-memory per instance. After a restart every stream
 * counts as previously healthy, so anything already degraded alerts again on
 * the first sweep rather than staying silent.
 *
 * @dependencies
 * - context, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: Stream identifiers.
 * - github.com/robfig/cron/v3: Sweep scheduling with panic recovery.
 * - internal/domain: Stream projection and the health event constructor.
 */
package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fluxa/stream-service/internal/domain"
)

// sweepTimeout bounds one full pass so a stuck store cannot pile up overlapping
// sweeps behind the mutex.
const sweepTimeout = 2 * time.Minute

var sweptStatuses = []domain.StreamStatus{domain.StreamActive, domain.StreamPaused}

// HealthSweeper runs the scheduled health sweep.
type HealthSweeper struct {
	service  *Service
	schedule string
	cron     *cron.Cron

	mu        sync.Mutex
	lastKnown map[uuid.UUID]domain.StreamHealth
}

// SweepResult summarizes one pass for logs and tests.
type SweepResult struct {
	Scanned     int
	Transitions int
	ByHealth    map[domain.StreamHealth]int
}

// NewHealthSweeper creates a sweeper bound to the service. The schedule uses
// standard cron syntax.
func NewHealthSweeper(service *Service, schedule string) *HealthSweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &HealthSweeper{
		service:   service,
		schedule:  schedule,
		cron:      c,
		lastKnown: make(map[uuid.UUID]domain.StreamHealth),
	}
}

// Start registers the sweep job and starts the scheduler.
func (h *HealthSweeper) Start() error {
	if _, err := h.cron.AddFunc(h.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := h.Sweep(ctx); err != nil {
			log.Printf("level=error component=health_sweeper msg=\"sweep failed\" err=%v", err)
		}
	}); err != nil {
		return err
	}
	h.cron.Start()
	log.Printf("level=info component=health_sweeper msg=\"scheduled health sweep\" schedule=%q", h.schedule)
	return nil
}

// Stop stops the scheduler and returns a context that is done once a running
// sweep has finished.
func (h *HealthSweeper) Stop() context.Context {
	return h.cron.Stop()
}

// Sweep reprojects every active and paused stream at the current instant and
// records health transitions. Cancelled streams drop out of the listing and out
// of the transition memory in the same pass.
func (h *HealthSweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.service.clock.Now()
	result := &SweepResult{ByHealth: map[domain.StreamHealth]int{
		domain.HealthHealthy:  0,
		domain.HealthWarning:  0,
		domain.HealthCritical: 0,
	}}
	nextKnown := make(map[uuid.UUID]domain.StreamHealth, len(h.lastKnown))

	for _, status := range sweptStatuses {
		streams, err := h.service.repo.ListStreamsByStatus(ctx, status)
		if err != nil {
			log.Printf("level=error component=health_sweeper msg=\"failed to list streams\" status=%s err=%v", status, err)
			return nil, storageError("list streams for sweep", err)
		}

		for i := range streams {
			stream := &streams[i]
			snap, err := domain.ProjectStream(stream, now)
			if err != nil {
				log.Printf("level=warn component=health_sweeper msg=\"projection failed\" stream_id=%s err=%v", stream.ID, err)
				continue
			}
			result.Scanned++
			result.ByHealth[snap.Health]++

			previous, seen := h.lastKnown[stream.ID]
			if !seen {
				previous = domain.HealthHealthy
			}
			if snap.Health == previous {
				nextKnown[stream.ID] = snap.Health
				continue
			}

			event := domain.NewStreamHealthChangedEvent(stream, previous, snap)
			if err := h.service.repo.AppendStreamEvent(ctx, event); err != nil {
				// Keep the old classification so the next sweep re-detects the transition.
				log.Printf("level=warn component=health_sweeper msg=\"failed to append health event\" stream_id=%s err=%v", stream.ID, err)
				nextKnown[stream.ID] = previous
				continue
			}
			h.service.publishEvent(ctx, "HealthSweep", event)
			nextKnown[stream.ID] = snap.Health
			result.Transitions++
			log.Printf("level=info component=health_sweeper msg=\"stream health changed\" stream_id=%s previous=%s health=%s", stream.ID, previous, snap.Health)
		}
	}

	h.lastKnown = nextKnown

	if h.service.collector != nil {
		for health, count := range result.ByHealth {
			h.service.collector.SetStreamHealthCount(string(health), float64(count))
		}
	}

	log.Printf("level=info component=health_sweeper msg=\"sweep complete\" scanned=%d transitions=%d healthy=%d warning=%d critical=%d",
		result.Scanned, result.Transitions,
		result.ByHealth[domain.HealthHealthy], result.ByHealth[domain.HealthWarning], result.ByHealth[domain.HealthCritical])
	return result, nil
}
