package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fluxa/stream-service/internal/clock"
	"github.com/fluxa/stream-service/internal/domain"
	"github.com/fluxa/stream-service/internal/store"
	"github.com/fluxa/stream-service/pkg/directory"
)

var appEpoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func usdc(t *testing.T, s string) domain.Money {
	t.Helper()
	m, err := domain.ParseMoney(s, domain.DefaultCurrency)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return m
}

type directoryStub struct {
	agents   map[uuid.UUID]*domain.Agent
	accounts map[uuid.UUID]*domain.Account
}

func (d *directoryStub) GetAgent(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error) {
	agent, ok := d.agents[agentID]
	if !ok {
		return nil, directory.ErrAgentNotFound
	}
	return agent, nil
}

func (d *directoryStub) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, ok := d.accounts[accountID]
	if !ok {
		return nil, directory.ErrAccountNotFound
	}
	return account, nil
}

type publishedMessage struct {
	exchange   string
	routingKey string
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		keys = append(keys, m.routingKey)
	}
	return keys
}

type serviceFixture struct {
	t          *testing.T
	service    *Service
	repo       *store.MemoryRepository
	clk        *clock.FakeClock
	publisher  *recordingPublisher
	directory  *directoryStub
	agentID    uuid.UUID
	accountID  uuid.UUID
	receiverID uuid.UUID
}

// newServiceFixture wires the service against the in-memory store with a fully
// verified sender: tier 3 agent under a tier 3 account, no stream ceilings.
func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	agentID := uuid.New()
	accountID := uuid.New()
	dir := &directoryStub{
		agents: map[uuid.UUID]*domain.Agent{
			agentID: {ID: agentID, AccountID: accountID, KYATier: 3, Active: true},
		},
		accounts: map[uuid.UUID]*domain.Account{
			accountID: {ID: accountID, VerificationTier: 3},
		},
	}
	repo := store.NewMemoryRepository()
	clk := clock.NewFake(appEpoch)
	pub := &recordingPublisher{}

	return &serviceFixture{
		t:          t,
		service:    NewService(repo, dir, pub, clk, "fluxa.events"),
		repo:       repo,
		clk:        clk,
		publisher:  pub,
		directory:  dir,
		agentID:    agentID,
		accountID:  accountID,
		receiverID: uuid.New(),
	}
}

func (f *serviceFixture) agent() *domain.Agent {
	return f.directory.agents[f.agentID]
}

func (f *serviceFixture) createParams(rate, funding, buffer string) CreateStreamParams {
	return CreateStreamParams{
		SenderAgentID:  f.agentID,
		ReceiverID:     f.receiverID,
		FlowRate:       usdc(f.t, rate),
		InitialFunding: usdc(f.t, funding),
		Buffer:         usdc(f.t, buffer),
	}
}

func (f *serviceFixture) createStream(rate, funding, buffer string) *domain.Stream {
	f.t.Helper()
	stream, err := f.service.CreateStream(context.Background(), f.createParams(rate, funding, buffer))
	if err != nil {
		f.t.Fatalf("create stream: %v", err)
	}
	return stream
}

func expectLimitRejection(t *testing.T, err error, limit string) *domain.LimitExceededError {
	t.Helper()
	var limitErr *domain.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected limit rejection, got %v", err)
	}
	if limitErr.Limit != limit {
		t.Fatalf("expected %s rejection, got %s", limit, limitErr.Limit)
	}
	return limitErr
}

func TestCreateStream_PersistsStreamAndEvent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	stream := f.createStream("0.000772", "2500", "6.43")

	if stream.Status != domain.StreamActive {
		t.Fatalf("expected active stream, got %s", stream.Status)
	}
	stored, err := f.repo.FindStreamByID(ctx, stream.ID)
	if err != nil {
		t.Fatalf("expected stream persisted, got %v", err)
	}
	if stored.FundedAmount.Units != 2_500_000_000 {
		t.Fatalf("expected funded 2500 USDC, got %s", stored.FundedAmount)
	}

	events, err := f.repo.ListStreamEventsByStreamID(ctx, stream.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventStreamCreated {
		t.Fatalf("expected one stream.created event, got %v", events)
	}
	if events[0].FlowRate == nil || events[0].FlowRate.Units != 772 {
		t.Fatalf("expected creation event to carry the flow rate, got %+v", events[0].FlowRate)
	}

	keys := f.publisher.routingKeys()
	if len(keys) != 1 || keys[0] != "stream.lifecycle.created" {
		t.Fatalf("expected stream.lifecycle.created published, got %v", keys)
	}
	if f.publisher.messages[0].exchange != "fluxa.events" {
		t.Fatalf("expected publish on fluxa.events, got %s", f.publisher.messages[0].exchange)
	}
}

func TestCreateStream_RejectsPerTransactionLimit(t *testing.T) {
	f := newServiceFixture(t)
	f.agent().Limits = domain.TierLimits{
		PerTransaction: usdc(t, "1000"),
		Daily:          usdc(t, "5000"),
		Monthly:        usdc(t, "20000"),
	}

	_, err := f.service.CreateStream(context.Background(), f.createParams("0.000772", "1001", "6.43"))
	limitErr := expectLimitRejection(t, err, domain.LimitPerTransaction)
	if limitErr.Allowed != 1_000_000_000 {
		t.Fatalf("expected allowed 1000 USDC, got %d", limitErr.Allowed)
	}

	count, err := f.repo.CountActiveStreamsBySender(context.Background(), f.agentID)
	if err != nil {
		t.Fatalf("count streams: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rejection to persist nothing, got %d streams", count)
	}
	if len(f.publisher.routingKeys()) != 0 {
		t.Fatal("expected no events published for rejected creation")
	}
}

func TestCreateStream_RejectsMonthlyOutflowAcrossStreams(t *testing.T) {
	f := newServiceFixture(t)
	f.agent().Limits = domain.TierLimits{
		PerTransaction: usdc(t, "10000"),
		Daily:          usdc(t, "20000"),
		Monthly:        usdc(t, "5000"),
	}

	// 0.001 USDC/s projects to 2592 USDC over a 30-day month.
	f.createStream("0.001", "2500", "1")

	_, err := f.service.CreateStream(context.Background(), f.createParams("0.001", "2500", "1"))
	expectLimitRejection(t, err, domain.LimitMonthly)

	count, err := f.repo.CountActiveStreamsBySender(context.Background(), f.agentID)
	if err != nil {
		t.Fatalf("count streams: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the first stream persisted, got %d", count)
	}
}

func TestCreateStream_RejectsActiveStreamCountCeiling(t *testing.T) {
	f := newServiceFixture(t)
	f.agent().StreamLimits.MaxActiveStreams = 2
	ctx := context.Background()

	first := f.createStream("0.0005", "100", "0")
	f.createStream("0.0005", "100", "0")

	_, err := f.service.CreateStream(ctx, f.createParams("0.0005", "100", "0"))
	limitErr := expectLimitRejection(t, err, domain.LimitMaxActiveStreams)
	if limitErr.Requested != 3 || limitErr.Allowed != 2 {
		t.Fatalf("expected 3 requested vs 2 allowed, got %d vs %d", limitErr.Requested, limitErr.Allowed)
	}

	// Cancelling one frees a slot; only active streams count.
	if _, _, err := f.service.Cancel(ctx, first.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.service.CreateStream(ctx, f.createParams("0.0005", "100", "0")); err != nil {
		t.Fatalf("expected creation after cancel to pass, got %v", err)
	}
}

func TestCreateStream_RejectsFlowRateCeiling(t *testing.T) {
	f := newServiceFixture(t)
	f.agent().StreamLimits.MaxFlowRatePerStream = usdc(t, "0.0005")

	_, err := f.service.CreateStream(context.Background(), f.createParams("0.000772", "2500", "6.43"))
	expectLimitRejection(t, err, domain.LimitMaxFlowRate)
}

func TestCreateStream_RejectsTotalOutflowCeiling(t *testing.T) {
	f := newServiceFixture(t)
	f.agent().StreamLimits.MaxTotalStreamOutflow = usdc(t, "2000")

	// 0.000772 USDC/s projects to 2001.024 USDC per month, just over the ceiling.
	_, err := f.service.CreateStream(context.Background(), f.createParams("0.000772", "2500", "6.43"))
	expectLimitRejection(t, err, domain.LimitMaxTotalOutflow)
}

func TestCreateStream_RejectsInactiveAgent(t *testing.T) {
	f := newServiceFixture(t)
	f.agent().Active = false

	_, err := f.service.CreateStream(context.Background(), f.createParams("0.000772", "2500", "6.43"))
	if !errors.Is(err, domain.ErrAgentInactive) {
		t.Fatalf("expected inactive agent rejection, got %v", err)
	}
}

func TestCreateStream_TierZeroAccountBlocksEverything(t *testing.T) {
	f := newServiceFixture(t)
	f.directory.accounts[f.accountID].VerificationTier = 0

	_, err := f.service.CreateStream(context.Background(), f.createParams("0.000772", "2500", "6.43"))
	limitErr := expectLimitRejection(t, err, domain.LimitPerTransaction)
	if limitErr.Allowed != 0 {
		t.Fatalf("expected zero effective limit under unverified parent, got %d", limitErr.Allowed)
	}
}

func TestTopUp_AppendsEventAndRaisesCeiling(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	stream := f.createStream("0.000772", "2500", "6.43")

	f.clk.Advance(1000 * time.Second)
	updated, err := f.service.TopUp(ctx, stream.ID, usdc(t, "500"), "")
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if updated.FundedAmount.Units != 3_000_000_000 {
		t.Fatalf("expected funded 3000 USDC, got %s", updated.FundedAmount)
	}

	events, err := f.repo.ListStreamEventsByStreamID(ctx, stream.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].Type != domain.EventStreamToppedUp {
		t.Fatalf("expected created and topped_up events, got %v", events)
	}
	if events[1].Amount == nil || events[1].Amount.Units != 500_000_000 {
		t.Fatalf("expected topped_up amount 500 USDC, got %+v", events[1].Amount)
	}
}

func TestTopUp_RejectsAmountAbovePerTransaction(t *testing.T) {
	f := newServiceFixture(t)
	stream := f.createStream("0.000772", "2500", "6.43")

	// Tier 3 agent caps a single transaction at 100000 USDC.
	_, err := f.service.TopUp(context.Background(), stream.ID, usdc(t, "150000"), "")
	expectLimitRejection(t, err, domain.LimitPerTransaction)
}

func TestTopUp_RejectsAfterTierDowngrade(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	stream := f.createStream("0.000772", "2500", "6.43")

	// The directory downgraded the agent after creation; the stream's own
	// monthly outflow (2001.024 USDC) now exceeds the fresh limit.
	f.agent().Limits = domain.TierLimits{
		PerTransaction: usdc(t, "10000"),
		Daily:          usdc(t, "20000"),
		Monthly:        usdc(t, "1500"),
	}

	_, err := f.service.TopUp(ctx, stream.ID, usdc(t, "10"), "")
	expectLimitRejection(t, err, domain.LimitMonthly)

	stored, err := f.repo.FindStreamByID(ctx, stream.ID)
	if err != nil {
		t.Fatalf("find stream: %v", err)
	}
	if stored.FundedAmount.Units != 2_500_000_000 {
		t.Fatalf("expected rejected top-up to leave funding untouched, got %s", stored.FundedAmount)
	}
}

func TestTopUp_UnknownStream(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.TopUp(context.Background(), uuid.New(), usdc(t, "10"), "")
	if !errors.Is(err, domain.ErrStreamNotFound) {
		t.Fatalf("expected stream not found, got %v", err)
	}
}

func TestWithdraw_MovesAvailableFunds(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	stream := f.createStream("0.000772", "2500", "6.43")

	// 100000 seconds at 0.000772 USDC/s streams 77.2 USDC.
	f.clk.Advance(100_000 * time.Second)

	updated, err := f.service.Withdraw(ctx, stream.ID, usdc(t, "50"), "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if updated.WithdrawnAmount.Units != 50_000_000 {
		t.Fatalf("expected withdrawn 50 USDC, got %s", updated.WithdrawnAmount)
	}

	_, err = f.service.Withdraw(ctx, stream.ID, usdc(t, "27.21"), "")
	if !errors.Is(err, domain.ErrInsufficientAvailable) {
		t.Fatalf("expected overdraw rejection with 27.2 USDC available, got %v", err)
	}

	events, err := f.repo.ListStreamEventsByStreamID(ctx, stream.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].Type != domain.EventStreamWithdrawn {
		t.Fatalf("expected only the successful withdrawal logged, got %v", events)
	}
}

func TestWithdraw_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	f := newServiceFixture(t)
	f.agent().Limits = domain.TierLimits{
		PerTransaction: usdc(t, "10000000"),
		Daily:          usdc(t, "50000000"),
		Monthly:        usdc(t, "100000000"),
	}
	ctx := context.Background()
	stream := f.createStream("1", "100", "10")

	// 60 USDC available; two concurrent withdrawals of 40 can only fund one.
	f.clk.Advance(60 * time.Second)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Withdraw(ctx, stream.ID, usdc(t, "40"), "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, overdrawn int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientAvailable):
			overdrawn++
		default:
			t.Fatalf("unexpected withdraw error: %v", err)
		}
	}
	if succeeded != 1 || overdrawn != 1 {
		t.Fatalf("expected exactly one withdrawal to win, got %d successes and %d overdraws", succeeded, overdrawn)
	}

	stored, err := f.repo.FindStreamByID(ctx, stream.ID)
	if err != nil {
		t.Fatalf("find stream: %v", err)
	}
	if stored.WithdrawnAmount.Units != 40_000_000 {
		t.Fatalf("expected exactly 40 USDC withdrawn, got %s", stored.WithdrawnAmount)
	}
}

func TestCancel_SettlesAndReplaysFromEventLog(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	stream := f.createStream("0.01", "5000", "0.5")

	f.clk.Advance(500 * time.Second)
	if _, err := f.service.TopUp(ctx, stream.ID, usdc(t, "100"), ""); err != nil {
		t.Fatalf("top up: %v", err)
	}
	f.clk.Advance(500 * time.Second)
	if _, err := f.service.Withdraw(ctx, stream.ID, usdc(t, "4"), ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := f.service.Pause(ctx, stream.ID, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.clk.Advance(time.Hour)
	if _, err := f.service.Resume(ctx, stream.ID, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}

	updated, settlement, err := f.service.Cancel(ctx, stream.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != domain.StreamCancelled {
		t.Fatalf("expected cancelled stream, got %s", updated.Status)
	}
	// 1000 active seconds streamed 10 USDC, 4 withdrawn, 5100 funded.
	if settlement.ReceiverOwed.Units != 6_000_000 {
		t.Fatalf("expected receiver owed 6 USDC, got %s", settlement.ReceiverOwed)
	}
	if settlement.SenderRefund.Units != 5_090_000_000 {
		t.Fatalf("expected sender refund 5090 USDC, got %s", settlement.SenderRefund)
	}

	// The audit contract: replaying the event log reproduces the final record.
	events, err := f.repo.ListStreamEventsByStreamID(ctx, stream.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	replayed, err := domain.ReplayStream(events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != updated.Status ||
		replayed.FundedAmount != updated.FundedAmount ||
		replayed.WithdrawnAmount != updated.WithdrawnAmount ||
		replayed.AccruedSnapshot != updated.AccruedSnapshot {
		t.Fatalf("replay mismatch: replayed %+v, stored %+v", replayed, updated)
	}

	_, err = f.service.Withdraw(ctx, stream.ID, usdc(t, "1"), "")
	var transitionErr *domain.InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected withdraw after cancel to be rejected, got %v", err)
	}
}

func TestDryRunCreateStream_ReportsOutcomeWithoutCommitting(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	allowed, err := f.service.DryRunCreateStream(ctx, f.createParams("0.000772", "2500", "6.43"))
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !allowed.Allowed || len(allowed.Violations) != 0 {
		t.Fatalf("expected allowed dry run, got %+v", allowed)
	}
	if allowed.Limits.PerTransaction.Units != 100_000_000_000 {
		t.Fatalf("expected tier 3 per-transaction limit in result, got %s", allowed.Limits.PerTransaction)
	}
	if allowed.ProjectedMonthlyOutflow.Units != 2_001_024_000 {
		t.Fatalf("expected projected monthly outflow 2001.024 USDC, got %s", allowed.ProjectedMonthlyOutflow)
	}

	// Explicit limits below both the funding amount and the projected monthly
	// outflow: the decision must list both violations, not just the first.
	f.agent().Limits = domain.TierLimits{
		PerTransaction: usdc(t, "1000"),
		Daily:          usdc(t, "5000"),
		Monthly:        usdc(t, "1500"),
	}
	denied, err := f.service.DryRunCreateStream(ctx, f.createParams("0.000772", "2500", "6.43"))
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if denied.Allowed || len(denied.Violations) != 2 {
		t.Fatalf("expected denied dry run listing both violated limits, got %+v", denied)
	}

	count, err := f.repo.CountActiveStreamsBySender(ctx, f.agentID)
	if err != nil {
		t.Fatalf("count streams: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected dry runs to persist nothing, got %d streams", count)
	}
	if len(f.publisher.routingKeys()) != 0 {
		t.Fatal("expected dry runs to publish nothing")
	}
}

// conflictingRepo fails UpdateStreamWithEvent a configured number of times
// before delegating, simulating another instance winning the version race.
type conflictingRepo struct {
	store.Repository
	conflicts int
	calls     int
}

func (r *conflictingRepo) UpdateStreamWithEvent(ctx context.Context, stream *domain.Stream, expectedVersion int64, event domain.StreamEvent) error {
	r.calls++
	if r.conflicts > 0 {
		r.conflicts--
		return store.ErrVersionConflict
	}
	return r.Repository.UpdateStreamWithEvent(ctx, stream, expectedVersion, event)
}

func TestPause_RetriesOnVersionConflict(t *testing.T) {
	f := newServiceFixture(t)
	stream := f.createStream("0.000772", "2500", "6.43")

	conflicted := &conflictingRepo{Repository: f.repo, conflicts: 1}
	f.service.repo = conflicted

	updated, err := f.service.Pause(context.Background(), stream.ID, "")
	if err != nil {
		t.Fatalf("expected retry to succeed after one conflict, got %v", err)
	}
	if updated.Status != domain.StreamPaused {
		t.Fatalf("expected paused stream, got %s", updated.Status)
	}
	if conflicted.calls != 2 {
		t.Fatalf("expected two update attempts, got %d", conflicted.calls)
	}
}

func TestPause_GivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newServiceFixture(t)
	stream := f.createStream("0.000772", "2500", "6.43")

	conflicted := &conflictingRepo{Repository: f.repo, conflicts: maxUpdateRetries}
	f.service.repo = conflicted

	_, err := f.service.Pause(context.Background(), stream.ID, "")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable after exhausted retries, got %v", err)
	}
	if conflicted.calls != maxUpdateRetries {
		t.Fatalf("expected %d attempts, got %d", maxUpdateRetries, conflicted.calls)
	}
}

func TestGetStream_ProjectsLiveState(t *testing.T) {
	f := newServiceFixture(t)
	stream := f.createStream("0.000772", "2500", "6.43")

	// After 30 days the stream has accrued 2001.024 USDC with ample runway left.
	f.clk.Advance(30 * 24 * time.Hour)

	got, err := f.service.GetStream(context.Background(), stream.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.Snapshot.StreamedAmount.Units != 2_001_024_000 {
		t.Fatalf("expected streamed 2001.024 USDC, got %s", got.Snapshot.StreamedAmount)
	}
	if got.Snapshot.Health != domain.HealthHealthy {
		t.Fatalf("expected healthy stream, got %s", got.Snapshot.Health)
	}
	if got.Snapshot.RunwaySeconds == nil || *got.Snapshot.RunwaySeconds != 638_012 {
		t.Fatalf("expected runway 638012s, got %v", got.Snapshot.RunwaySeconds)
	}
}

func TestListStreams_FiltersByStatus(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.createStream("0.0005", "100", "0")
	second := f.createStream("0.0005", "100", "0")

	if _, err := f.service.Pause(ctx, second.ID, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}

	all, err := f.service.ListStreams(ctx, f.agentID, domain.StreamListOptions{})
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both streams, got %d", len(all))
	}

	active := domain.StreamActive
	filtered, err := f.service.ListStreams(ctx, f.agentID, domain.StreamListOptions{Status: &active})
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Stream.Status != domain.StreamActive {
		t.Fatalf("expected one active stream, got %v", filtered)
	}
}

func TestListStreamEvents_UnknownStream(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.ListStreamEvents(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrStreamNotFound) {
		t.Fatalf("expected stream not found, got %v", err)
	}
}

func TestEffectiveLimits_ReflectsDirectoryChanges(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	before, err := f.service.EffectiveLimits(ctx, f.agentID)
	if err != nil {
		t.Fatalf("effective limits: %v", err)
	}
	if before.Effective.PerTransaction.Units != 100_000_000_000 {
		t.Fatalf("expected agent's own tier 3 limit, got %s", before.Effective.PerTransaction)
	}
	if before.Effective.CappedByParent {
		t.Fatal("expected no parent cap under a tier 3 account")
	}

	// Nothing is cached: a parent downgrade shows up on the next resolution.
	f.directory.accounts[f.accountID].VerificationTier = 1

	after, err := f.service.EffectiveLimits(ctx, f.agentID)
	if err != nil {
		t.Fatalf("effective limits: %v", err)
	}
	if after.Effective.PerTransaction.Units != 10_000_000_000 {
		t.Fatalf("expected parent tier 1 cap, got %s", after.Effective.PerTransaction)
	}
	if !after.Effective.CappedByParent {
		t.Fatal("expected parent cap to be flagged")
	}
	if after.AccountTier != 1 {
		t.Fatalf("expected account tier 1 in response, got %d", after.AccountTier)
	}
}

func TestAgentOutflow_RecomputesFromLedger(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	first := f.createStream("0.000772", "2500", "6.43")
	f.createStream("0.001", "2500", "1")

	summary, err := f.service.AgentOutflow(ctx, f.agentID)
	if err != nil {
		t.Fatalf("agent outflow: %v", err)
	}
	if summary.ActiveStreams != 2 {
		t.Fatalf("expected 2 active streams, got %d", summary.ActiveStreams)
	}
	if summary.MonthlyOutflow.Units != 4_593_024_000 {
		t.Fatalf("expected monthly outflow 4593.024 USDC, got %s", summary.MonthlyOutflow)
	}

	if _, err := f.service.Pause(ctx, first.ID, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}

	summary, err = f.service.AgentOutflow(ctx, f.agentID)
	if err != nil {
		t.Fatalf("agent outflow: %v", err)
	}
	if summary.ActiveStreams != 1 {
		t.Fatalf("expected paused stream excluded, got %d", summary.ActiveStreams)
	}
	if summary.MonthlyOutflow.Units != 2_592_000_000 {
		t.Fatalf("expected monthly outflow 2592 USDC, got %s", summary.MonthlyOutflow)
	}
}

func TestIdempotencyGuard_NilGuardAllowsEverything(t *testing.T) {
	var guard *IdempotencyGuard

	if err := guard.Reserve(context.Background(), "create_stream", "key-1"); err != nil {
		t.Fatalf("expected nil guard to allow, got %v", err)
	}
	guard.Release(context.Background(), "create_stream", "key-1")
}
