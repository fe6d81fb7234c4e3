/**
 * @description
 * This file contains the core business logic for the stream-service. The `Service`
 * struct orchestrates every stream command, coordinating between the database
 * repository, the account/agent directory client, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: create, top-up, withdraw, pause, resume, cancel.
 * - Enforces effective spending limits resolved fresh from the directory on every
 *   authorization decision (never cached across commands).
 * - Serializes limit-affecting commands per sender and all mutations per stream,
 *   with optimistic version retry against the store for cross-instance safety.
 * - Persists each mutation together with its append-only audit event, then
 *   publishes the same event to RabbitMQ for downstream consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/clock, internal/domain, internal/store: Time source, domain models, data access.
 * - pkg/metrics, pkg/rabbitmq: Observability and event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxa/stream-service/internal/clock"
	"github.com/fluxa/stream-service/internal/domain"
	"github.com/fluxa/stream-service/internal/store"
	"github.com/fluxa/stream-service/pkg/metrics"
	"github.com/fluxa/stream-service/pkg/rabbitmq"
)

// maxUpdateRetries bounds optimistic re-reads when another service instance wins
// the version race on the same stream.
const maxUpdateRetries = 3

// ErrDuplicateCommand reports that an idempotency key was already consumed by an
// earlier call; the original outcome stands and the retry must not re-apply.
var ErrDuplicateCommand = errors.New("duplicate command")

// AgentDirectory provides read-only account and agent snapshots from the
// directory service. Implemented by pkg/directory.Client in production. Snapshots
// are fetched fresh for every authorization decision and never reused across
// commands, since verification tiers can change between calls.
type AgentDirectory interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	GetAgent(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error)
}

// keyedMutex hands out one mutex per UUID key, created on demand. Entries are
// retained for the service lifetime so a key always maps to the same mutex.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (k *keyedMutex) get(key uuid.UUID) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Service provides the core business logic for payment streams.
type Service struct {
	repo          store.Repository
	directory     AgentDirectory
	eventProducer rabbitmq.Publisher
	clock         clock.Clock
	eventExchange string

	idempotency *IdempotencyGuard
	collector   *metrics.Collector

	// senderLocks serializes limit-affecting commands (create, top-up) per sending
	// agent; streamLocks serializes every mutation per stream id. Lock order is
	// always sender before stream.
	senderLocks *keyedMutex
	streamLocks *keyedMutex
}

// NewService creates a new stream service instance.
func NewService(repo store.Repository, dir AgentDirectory, producer rabbitmq.Publisher, clk clock.Clock, eventExchange string) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		repo:          repo,
		directory:     dir,
		eventProducer: producer,
		clock:         clk,
		eventExchange: eventExchange,
		senderLocks:   newKeyedMutex(),
		streamLocks:   newKeyedMutex(),
	}
}

// SetIdempotencyGuard attaches distributed replay protection for mutating
// commands. Optional; without it, retried commands are re-applied.
func (s *Service) SetIdempotencyGuard(guard *IdempotencyGuard) {
	s.idempotency = guard
}

// SetMetricsCollector attaches the Prometheus collector. Optional.
func (s *Service) SetMetricsCollector(collector *metrics.Collector) {
	s.collector = collector
}

// CreateStreamParams carries everything needed to open a new stream.
type CreateStreamParams struct {
	SenderAgentID  uuid.UUID
	ReceiverID     uuid.UUID
	FlowRate       domain.Money
	InitialFunding domain.Money
	Buffer         domain.Money
	IdempotencyKey string
}

// StreamWithSnapshot pairs a stream record with its live projection.
type StreamWithSnapshot struct {
	Stream   domain.Stream         `json:"stream"`
	Snapshot domain.StreamSnapshot `json:"snapshot"`
}

// DryRunResult reports whether a create command would pass the limit gate,
// without committing anything. Violations lists every limit the candidate
// breaks, not just the first, so an approval screen can show them all at once.
type DryRunResult struct {
	Allowed                 bool                   `json:"allowed"`
	Violations              []string               `json:"violations,omitempty"`
	Limits                  domain.EffectiveLimits `json:"limits"`
	ProjectedMonthlyOutflow domain.Money           `json:"projected_monthly_outflow"`
}

// AgentLimits is the fresh limit resolution for one agent, with the tier inputs
// that produced it.
type AgentLimits struct {
	AgentID     uuid.UUID              `json:"agent_id"`
	KYATier     int                    `json:"kya_tier"`
	AccountID   uuid.UUID              `json:"account_id"`
	AccountTier int                    `json:"account_tier"`
	Effective   domain.EffectiveLimits `json:"effective"`
}

// OutflowSummary is the aggregator rollup for one sending agent.
type OutflowSummary struct {
	AgentID        uuid.UUID    `json:"agent_id"`
	ActiveStreams  uint32       `json:"active_streams"`
	MonthlyOutflow domain.Money `json:"monthly_outflow"`
}

// CreateStream opens a new stream after validating the sender agent's effective
// limits, stream-count ceiling, and aggregate outflow. The limit reads and the
// write are serialized per sender so two concurrent creations cannot both pass a
// check their combination violates.
func (s *Service) CreateStream(ctx context.Context, p CreateStreamParams) (created *domain.Stream, err error) {
	startedAt := time.Now()
	senderMu := s.senderLocks.get(p.SenderAgentID)
	senderMu.Lock()
	defer senderMu.Unlock()

	if err := s.idempotency.Reserve(ctx, "create_stream", p.IdempotencyKey); err != nil {
		s.observe("create_stream", startedAt, err)
		return nil, err
	}
	defer s.releaseOnFailure(ctx, "create_stream", p.IdempotencyKey, &err)
	defer func() { s.observe("create_stream", startedAt, err) }()

	now := s.clock.Now()
	candidate, err := domain.NewStream(uuid.New(), p.SenderAgentID, p.ReceiverID, p.FlowRate, p.InitialFunding, p.Buffer, now)
	if err != nil {
		return nil, err
	}

	agent, _, limits, err := s.resolveSender(ctx, p.SenderAgentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkCreateLimits(ctx, agent, limits, candidate); err != nil {
		return nil, err
	}

	event := domain.NewStreamCreatedEvent(candidate, now)
	if err := s.repo.CreateStreamWithEvent(ctx, candidate, event); err != nil {
		log.Printf("CreateStream: failed to persist stream for sender %s: %v", p.SenderAgentID, err)
		return nil, storageError("create stream", err)
	}
	log.Printf("CreateStream: stream %s created sender=%s receiver=%s rate=%s funding=%s",
		candidate.ID, candidate.SenderID, candidate.ReceiverID, candidate.FlowRatePerSecond, candidate.FundedAmount)

	s.publishEvent(ctx, "CreateStream", event)
	return candidate, nil
}

// DryRunCreateStream runs the same validation gate as CreateStream and reports
// the outcome without committing, for upstream approval flows.
func (s *Service) DryRunCreateStream(ctx context.Context, p CreateStreamParams) (*DryRunResult, error) {
	senderMu := s.senderLocks.get(p.SenderAgentID)
	senderMu.Lock()
	defer senderMu.Unlock()

	agent, _, limits, err := s.resolveSender(ctx, p.SenderAgentID)
	if err != nil {
		if errors.Is(err, domain.ErrAgentInactive) {
			return &DryRunResult{Allowed: false, Violations: []string{err.Error()}, Limits: limits}, nil
		}
		return nil, err
	}

	now := s.clock.Now()
	candidate, err := domain.NewStream(uuid.New(), p.SenderAgentID, p.ReceiverID, p.FlowRate, p.InitialFunding, p.Buffer, now)
	if err != nil {
		return &DryRunResult{Allowed: false, Violations: []string{err.Error()}, Limits: limits}, nil
	}
	violations, projected, err := s.evaluateCreateLimits(ctx, agent, limits, candidate)
	if err != nil {
		if isBusinessError(err) {
			return &DryRunResult{Allowed: false, Violations: []string{err.Error()}, Limits: limits}, nil
		}
		return nil, err
	}

	result := &DryRunResult{Allowed: len(violations) == 0, Limits: limits, ProjectedMonthlyOutflow: projected}
	for _, violation := range violations {
		result.Violations = append(result.Violations, violation.Error())
	}
	return result, nil
}

// TopUp adds funding to an active stream. The sender's effective limits are
// re-resolved and re-checked so a tier downgrade since creation is caught here.
func (s *Service) TopUp(ctx context.Context, streamID uuid.UUID, amount domain.Money, idempotencyKey string) (updated *domain.Stream, err error) {
	startedAt := time.Now()
	stream, err := s.findStream(ctx, streamID)
	if err != nil {
		s.observe("top_up", startedAt, err)
		return nil, err
	}

	senderMu := s.senderLocks.get(stream.SenderID)
	senderMu.Lock()
	defer senderMu.Unlock()
	streamMu := s.streamLocks.get(streamID)
	streamMu.Lock()
	defer streamMu.Unlock()

	if err := s.idempotency.Reserve(ctx, "top_up", idempotencyKey); err != nil {
		s.observe("top_up", startedAt, err)
		return nil, err
	}
	defer s.releaseOnFailure(ctx, "top_up", idempotencyKey, &err)
	defer func() { s.observe("top_up", startedAt, err) }()

	agent, _, limits, err := s.resolveSender(ctx, stream.SenderID)
	if err != nil {
		return nil, err
	}

	return s.applyStreamMutation(ctx, streamID, func(stream *domain.Stream, now time.Time) (domain.StreamEvent, error) {
		if err := s.checkTopUpLimits(ctx, agent, limits, stream, amount); err != nil {
			return domain.StreamEvent{}, err
		}
		if err := stream.TopUp(amount, now); err != nil {
			return domain.StreamEvent{}, err
		}
		streamed, err := stream.StreamedAt(now)
		if err != nil {
			return domain.StreamEvent{}, err
		}
		return domain.NewStreamToppedUpEvent(stream, amount, streamed, now), nil
	})
}

// Withdraw moves streamed funds out to the receiver, checked against the live
// available balance under the per-stream lock so two concurrent withdrawals can
// never both succeed against a balance that only covers one.
func (s *Service) Withdraw(ctx context.Context, streamID uuid.UUID, amount domain.Money, idempotencyKey string) (updated *domain.Stream, err error) {
	startedAt := time.Now()
	streamMu := s.streamLocks.get(streamID)
	streamMu.Lock()
	defer streamMu.Unlock()

	if err := s.idempotency.Reserve(ctx, "withdraw", idempotencyKey); err != nil {
		s.observe("withdraw", startedAt, err)
		return nil, err
	}
	defer s.releaseOnFailure(ctx, "withdraw", idempotencyKey, &err)
	defer func() { s.observe("withdraw", startedAt, err) }()

	return s.applyStreamMutation(ctx, streamID, func(stream *domain.Stream, now time.Time) (domain.StreamEvent, error) {
		if err := stream.Withdraw(amount, now); err != nil {
			return domain.StreamEvent{}, err
		}
		streamed, err := stream.StreamedAt(now)
		if err != nil {
			return domain.StreamEvent{}, err
		}
		return domain.NewStreamWithdrawnEvent(stream, amount, streamed, now), nil
	})
}

// Pause freezes a stream's accrual.
func (s *Service) Pause(ctx context.Context, streamID uuid.UUID, idempotencyKey string) (updated *domain.Stream, err error) {
	startedAt := time.Now()
	streamMu := s.streamLocks.get(streamID)
	streamMu.Lock()
	defer streamMu.Unlock()

	if err := s.idempotency.Reserve(ctx, "pause", idempotencyKey); err != nil {
		s.observe("pause", startedAt, err)
		return nil, err
	}
	defer s.releaseOnFailure(ctx, "pause", idempotencyKey, &err)
	defer func() { s.observe("pause", startedAt, err) }()

	return s.applyStreamMutation(ctx, streamID, func(stream *domain.Stream, now time.Time) (domain.StreamEvent, error) {
		if err := stream.Pause(now); err != nil {
			return domain.StreamEvent{}, err
		}
		return domain.NewStreamPausedEvent(stream, now), nil
	})
}

// Resume restarts accrual on a paused stream.
func (s *Service) Resume(ctx context.Context, streamID uuid.UUID, idempotencyKey string) (updated *domain.Stream, err error) {
	startedAt := time.Now()
	streamMu := s.streamLocks.get(streamID)
	streamMu.Lock()
	defer streamMu.Unlock()

	if err := s.idempotency.Reserve(ctx, "resume", idempotencyKey); err != nil {
		s.observe("resume", startedAt, err)
		return nil, err
	}
	defer s.releaseOnFailure(ctx, "resume", idempotencyKey, &err)
	defer func() { s.observe("resume", startedAt, err) }()

	return s.applyStreamMutation(ctx, streamID, func(stream *domain.Stream, now time.Time) (domain.StreamEvent, error) {
		if err := stream.Resume(now); err != nil {
			return domain.StreamEvent{}, err
		}
		return domain.NewStreamResumedEvent(stream, now), nil
	})
}

// Cancel terminates a stream and reports the settlement split. The actual fund
// release is performed by the settlement layer off the emitted event.
func (s *Service) Cancel(ctx context.Context, streamID uuid.UUID, idempotencyKey string) (updated *domain.Stream, result *domain.CancelSettlement, err error) {
	startedAt := time.Now()
	streamMu := s.streamLocks.get(streamID)
	streamMu.Lock()
	defer streamMu.Unlock()

	if err := s.idempotency.Reserve(ctx, "cancel", idempotencyKey); err != nil {
		s.observe("cancel", startedAt, err)
		return nil, nil, err
	}
	defer s.releaseOnFailure(ctx, "cancel", idempotencyKey, &err)
	defer func() { s.observe("cancel", startedAt, err) }()

	var settlement domain.CancelSettlement
	updated, err = s.applyStreamMutation(ctx, streamID, func(stream *domain.Stream, now time.Time) (domain.StreamEvent, error) {
		result, err := stream.Cancel(now)
		if err != nil {
			return domain.StreamEvent{}, err
		}
		settlement = result
		return domain.NewStreamCancelledEvent(stream, result, now), nil
	})
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Cancel: stream %s settled receiver_owed=%s sender_refund=%s", streamID, settlement.ReceiverOwed, settlement.SenderRefund)
	return updated, &settlement, nil
}

// GetStream returns a stream together with its projection at the current instant.
func (s *Service) GetStream(ctx context.Context, streamID uuid.UUID) (*StreamWithSnapshot, error) {
	stream, err := s.findStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	snapshot, err := domain.ProjectStream(stream, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return &StreamWithSnapshot{Stream: *stream, Snapshot: snapshot}, nil
}

// ListStreams returns a sender's streams with live projections, newest first.
func (s *Service) ListStreams(ctx context.Context, senderID uuid.UUID, opts domain.StreamListOptions) ([]StreamWithSnapshot, error) {
	streams, err := s.repo.ListStreamsBySender(ctx, senderID, opts)
	if err != nil {
		log.Printf("ListStreams: failed to list streams for sender %s: %v", senderID, err)
		return nil, storageError("list streams", err)
	}
	now := s.clock.Now()
	result := make([]StreamWithSnapshot, 0, len(streams))
	for i := range streams {
		snapshot, err := domain.ProjectStream(&streams[i], now)
		if err != nil {
			return nil, err
		}
		result = append(result, StreamWithSnapshot{Stream: streams[i], Snapshot: snapshot})
	}
	return result, nil
}

// ListStreamEvents returns a stream's full audit history in append order.
func (s *Service) ListStreamEvents(ctx context.Context, streamID uuid.UUID) ([]domain.StreamEvent, error) {
	if _, err := s.findStream(ctx, streamID); err != nil {
		return nil, err
	}
	events, err := s.repo.ListStreamEventsByStreamID(ctx, streamID)
	if err != nil {
		log.Printf("ListStreamEvents: failed to list events for stream %s: %v", streamID, err)
		return nil, storageError("list stream events", err)
	}
	return events, nil
}

// EffectiveLimits resolves an agent's effective limits fresh from the directory.
func (s *Service) EffectiveLimits(ctx context.Context, agentID uuid.UUID) (*AgentLimits, error) {
	agent, account, limits, err := s.resolveSender(ctx, agentID)
	if err != nil && !errors.Is(err, domain.ErrAgentInactive) {
		return nil, err
	}
	return &AgentLimits{
		AgentID:     agent.ID,
		KYATier:     agent.KYATier,
		AccountID:   account.ID,
		AccountTier: account.VerificationTier,
		Effective:   limits,
	}, nil
}

// AgentOutflow recomputes the aggregator rollup for one sending agent from
// current ledger state.
func (s *Service) AgentOutflow(ctx context.Context, agentID uuid.UUID) (*OutflowSummary, error) {
	agent, err := s.directory.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	currency := agent.Limits.PerTransaction.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	count, monthly, err := s.senderOutflow(ctx, agentID, currency)
	if err != nil {
		return nil, err
	}
	return &OutflowSummary{AgentID: agentID, ActiveStreams: count, MonthlyOutflow: monthly}, nil
}

// resolveSender fetches the agent and its parent account fresh and resolves the
// effective limits. Inactive agents cannot authorize anything.
func (s *Service) resolveSender(ctx context.Context, agentID uuid.UUID) (*domain.Agent, *domain.Account, domain.EffectiveLimits, error) {
	agent, err := s.directory.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, domain.EffectiveLimits{}, err
	}
	account, err := s.directory.GetAccount(ctx, agent.AccountID)
	if err != nil {
		return nil, nil, domain.EffectiveLimits{}, err
	}
	limits, err := domain.ResolveEffectiveLimits(*agent, *account)
	if err != nil {
		return nil, nil, domain.EffectiveLimits{}, err
	}
	if !agent.Active {
		return agent, account, limits, fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentInactive)
	}
	return agent, account, limits, nil
}

// senderOutflow recomputes active stream count and projected monthly outflow for
// a sender from ledger state.
func (s *Service) senderOutflow(ctx context.Context, senderID uuid.UUID, currency string) (uint32, domain.Money, error) {
	count, err := s.repo.CountActiveStreamsBySender(ctx, senderID)
	if err != nil {
		log.Printf("senderOutflow: failed to count active streams for %s: %v", senderID, err)
		return 0, domain.Money{}, storageError("count active streams", err)
	}
	flowSum, err := s.repo.SumActiveFlowRateBySender(ctx, senderID, currency)
	if err != nil {
		log.Printf("senderOutflow: failed to sum flow rates for %s: %v", senderID, err)
		return 0, domain.Money{}, storageError("sum active flow rates", err)
	}
	monthly, err := flowSum.MulInt64(domain.SecondsPerMonth)
	if err != nil {
		return 0, domain.Money{}, err
	}
	return count, monthly, nil
}

// checkCreateLimits gates a candidate stream against the sender's effective
// limits and stream ceilings, failing on the first violated limit.
func (s *Service) checkCreateLimits(ctx context.Context, agent *domain.Agent, limits domain.EffectiveLimits, candidate *domain.Stream) error {
	violations, _, err := s.evaluateCreateLimits(ctx, agent, limits, candidate)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return violations[0]
	}
	return nil
}

// evaluateCreateLimits runs every create-time guard and returns all violated
// limits plus the projected monthly outflow (existing active streams and the
// candidate together). Zero-valued stream ceilings mean the directory has not
// configured that ceiling for the agent. The error return is reserved for
// failures that prevent evaluation, such as storage errors or overflow while
// projecting.
func (s *Service) evaluateCreateLimits(ctx context.Context, agent *domain.Agent, limits domain.EffectiveLimits, candidate *domain.Stream) ([]error, domain.Money, error) {
	violations := []error{}

	if c, err := candidate.FundedAmount.Cmp(limits.PerTransaction); err != nil {
		return nil, domain.Money{}, err
	} else if c > 0 {
		violations = append(violations, domain.NewLimitExceeded(domain.LimitPerTransaction, candidate.FundedAmount, limits.PerTransaction))
	}

	if agent.StreamLimits.MaxFlowRatePerStream.IsPositive() {
		if c, err := candidate.FlowRatePerSecond.Cmp(agent.StreamLimits.MaxFlowRatePerStream); err != nil {
			return nil, domain.Money{}, err
		} else if c > 0 {
			violations = append(violations, domain.NewLimitExceeded(domain.LimitMaxFlowRate, candidate.FlowRatePerSecond, agent.StreamLimits.MaxFlowRatePerStream))
		}
	}

	count, monthly, err := s.senderOutflow(ctx, agent.ID, candidate.FlowRatePerSecond.Currency)
	if err != nil {
		return nil, domain.Money{}, err
	}
	if agent.StreamLimits.MaxActiveStreams > 0 && count+1 > agent.StreamLimits.MaxActiveStreams {
		violations = append(violations, domain.NewCountLimitExceeded(domain.LimitMaxActiveStreams, count+1, agent.StreamLimits.MaxActiveStreams))
	}

	candidateMonthly, err := candidate.MonthlyOutflowRate()
	if err != nil {
		return nil, domain.Money{}, err
	}
	projected, err := monthly.Add(candidateMonthly)
	if err != nil {
		return nil, domain.Money{}, err
	}
	ceilingViolations, err := outflowCeilingViolations(agent, limits, projected)
	if err != nil {
		return nil, domain.Money{}, err
	}
	return append(violations, ceilingViolations...), projected, nil
}

// checkTopUpLimits re-validates a top-up against the sender's current effective
// limits: the amount itself against per-transaction, and the aggregate monthly
// outflow against the monthly ceilings (catching tier downgrades since creation).
func (s *Service) checkTopUpLimits(ctx context.Context, agent *domain.Agent, limits domain.EffectiveLimits, stream *domain.Stream, amount domain.Money) error {
	if c, err := amount.Cmp(limits.PerTransaction); err != nil {
		return err
	} else if c > 0 {
		return domain.NewLimitExceeded(domain.LimitPerTransaction, amount, limits.PerTransaction)
	}

	_, monthly, err := s.senderOutflow(ctx, stream.SenderID, stream.FlowRatePerSecond.Currency)
	if err != nil {
		return err
	}
	violations, err := outflowCeilingViolations(agent, limits, monthly)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return violations[0]
	}
	return nil
}

// outflowCeilingViolations checks a monthly outflow figure against the agent's
// configured total-outflow ceiling and the effective monthly limit.
func outflowCeilingViolations(agent *domain.Agent, limits domain.EffectiveLimits, monthly domain.Money) ([]error, error) {
	violations := []error{}
	if agent.StreamLimits.MaxTotalStreamOutflow.IsPositive() {
		if c, err := monthly.Cmp(agent.StreamLimits.MaxTotalStreamOutflow); err != nil {
			return nil, err
		} else if c > 0 {
			violations = append(violations, domain.NewLimitExceeded(domain.LimitMaxTotalOutflow, monthly, agent.StreamLimits.MaxTotalStreamOutflow))
		}
	}
	if c, err := monthly.Cmp(limits.Monthly); err != nil {
		return nil, err
	} else if c > 0 {
		violations = append(violations, domain.NewLimitExceeded(domain.LimitMonthly, monthly, limits.Monthly))
	}
	return violations, nil
}

// applyStreamMutation re-reads the stream, applies the mutation at the current
// instant, and persists it with its event under the version read. On a version
// conflict (another instance won the race) the whole cycle retries against the
// fresh record.
func (s *Service) applyStreamMutation(ctx context.Context, streamID uuid.UUID, mutate func(stream *domain.Stream, now time.Time) (domain.StreamEvent, error)) (*domain.Stream, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		stream, err := s.findStream(ctx, streamID)
		if err != nil {
			return nil, err
		}
		readVersion := stream.Version

		now := s.clock.Now()
		event, err := mutate(stream, now)
		if err != nil {
			return nil, err
		}

		err = s.repo.UpdateStreamWithEvent(ctx, stream, readVersion, event)
		if err == nil {
			s.publishEvent(ctx, string(event.Type), event)
			return stream, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			lastErr = err
			log.Printf("applyStreamMutation: version conflict on stream %s (attempt %d), retrying", streamID, attempt+1)
			continue
		}
		if errors.Is(err, store.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream %s: %w", streamID, domain.ErrStreamNotFound)
		}
		log.Printf("applyStreamMutation: failed to persist stream %s: %v", streamID, err)
		return nil, storageError("update stream", err)
	}
	log.Printf("applyStreamMutation: gave up on stream %s after %d version conflicts", streamID, maxUpdateRetries)
	return nil, storageError("update stream", lastErr)
}

func (s *Service) findStream(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	stream, err := s.repo.FindStreamByID(ctx, streamID)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream %s: %w", streamID, domain.ErrStreamNotFound)
		}
		log.Printf("findStream: failed to load stream %s: %v", streamID, err)
		return nil, storageError("find stream", err)
	}
	return stream, nil
}

// publishEvent forwards an already-persisted event to the broker. Publish
// failures are logged, not returned: the event log in the store is the source of
// truth and downstream consumers can reconcile from it.
func (s *Service) publishEvent(ctx context.Context, op string, event domain.StreamEvent) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, s.eventExchange, event.RoutingKey(), event); err != nil {
		log.Printf("WARN: %s: event publish failed for stream %s: %v", op, event.StreamID, err)
		return
	}
	if s.collector != nil {
		s.collector.RecordEventPublished()
	}
}

func (s *Service) observe(command string, startedAt time.Time, err error) {
	if s.collector == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if isBusinessError(err) {
			outcome = "rejected"
		}
	}
	s.collector.RecordCommand(command, time.Since(startedAt), outcome)
}

// releaseOnFailure frees the idempotency key when the command did not apply,
// so a retry with the same key is not rejected as a duplicate.
func (s *Service) releaseOnFailure(ctx context.Context, scope, key string, err *error) {
	if *err == nil || errors.Is(*err, ErrDuplicateCommand) {
		return
	}
	s.idempotency.Release(ctx, scope, key)
}

// storageError collapses infrastructure failures into the Unavailable kind after
// the cause has been logged, keeping business error kinds distinct for callers.
func storageError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", op, domain.ErrUnavailable)
}

// isBusinessError reports whether the error is an expected, caller-recoverable
// condition rather than an infrastructure failure.
func isBusinessError(err error) bool {
	var limitErr *domain.LimitExceededError
	var transitionErr *domain.InvalidTransitionError
	switch {
	case errors.As(err, &limitErr), errors.As(err, &transitionErr):
		return true
	case errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrOverflow),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidFlowRate),
		errors.Is(err, domain.ErrInsufficientFunding),
		errors.Is(err, domain.ErrInsufficientAvailable),
		errors.Is(err, domain.ErrStreamNotActive),
		errors.Is(err, domain.ErrStreamNotFound),
		errors.Is(err, domain.ErrAgentInactive),
		errors.Is(err, ErrDuplicateCommand):
		return true
	}
	return false
}
