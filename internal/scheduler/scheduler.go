package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/metricengine"
	"github.com/mbd888/treasury-sentinel/internal/store"
)

// Scheduler drives AgentRun.Execute on a cron schedule, grounded on the
// teacher's escrow.Timer / supervisor.BaselineTimer shape: a stop channel,
// an atomic running flag, and a recover-wrapped tick handler. The one
// addition over that shape is a second atomic flag tracking whether a tick
// is currently executing, so a slow run never overlaps the next one —
// overlap is skipped and recorded, not queued.
type Scheduler struct {
	run    *AgentRun
	store  store.Store
	sched  cron.Schedule
	logger *slog.Logger

	stop      chan struct{}
	running   atomic.Bool
	executing atomic.Bool

	onRunComplete func(*store.Run)
}

// OnRunComplete registers a callback fired after every executed tick that
// produced a run row, successful or not, with that row. Ticks skipped for
// overlap do not fire it. Used to drive the admin console's
// websocket broadcast without the scheduler package depending on it.
func (s *Scheduler) OnRunComplete(fn func(*store.Run)) {
	s.onRunComplete = fn
}

// New builds a Scheduler from a cron expression (standard five-field form,
// e.g. "*/15 * * * *"). Returns an error if the expression doesn't parse.
func New(run *AgentRun, st store.Store, cronExpr string, logger *slog.Logger) (*Scheduler, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse cron expression %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:    run,
		store:  st,
		sched:  sched,
		logger: logger,
		stop:   make(chan struct{}),
	}, nil
}

// Start blocks, firing a tick at every schedule occurrence until ctx is
// canceled or Stop is called. Safe to call only once per Scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	next := s.sched.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timer.C:
			s.safeTick(ctx)
			next = s.sched.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

// Stop signals Start's loop to exit. It does not cancel a tick already
// in flight; callers wanting that should cancel the context passed to
// Start instead.
func (s *Scheduler) Stop() {
	if s.running.Load() {
		close(s.stop)
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("agent run panicked", "recovered", r)
		}
	}()

	if !s.executing.CompareAndSwap(false, true) {
		s.logger.Warn("skipping tick: previous run still executing")
		s.recordSkip(ctx)
		return
	}
	defer s.executing.Store(false)

	run, err := s.run.Execute(ctx)
	if err != nil {
		s.logger.Error("scheduled run failed", "error", err)
	}
	if run != nil && s.onRunComplete != nil {
		s.onRunComplete(run)
	}
}

func (s *Scheduler) recordSkip(ctx context.Context) {
	runNumber, err := s.store.NextRunNumber(ctx)
	if err != nil {
		s.logger.Error("failed to allocate run number for skipped tick", "error", err)
		return
	}
	skipped := &store.Run{
		RunNumber:   runNumber,
		ScheduledAt: time.Now(),
		StartedAt:   time.Now(),
		Status:      store.RunSkipped,
		Error:       "skipped: previous run still executing",
	}
	if err := s.store.CreateRun(ctx, skipped); err != nil {
		s.logger.Error("failed to record skipped tick", "error", err)
	}
}

// Replay reconstructs the state a past run observed (its level_before and
// the recorded lcr_ratio, volatility_regime and depth_crisis) and
// re-evaluates the escalation guards against it without mutating the live
// state machine's level or touching the budget ledger. In the replay the
// cooldown has always elapsed and the budget is always available. dryRun
// is always true in practice —
// replay exists to answer "what would have happened", never to re-execute
// a market-data payment retroactively.
func (s *Scheduler) Replay(ctx context.Context, runID string, dryRun bool) (*store.Transition, error) {
	if !dryRun {
		return nil, fmt.Errorf("scheduler: replay only supports dry_run=true")
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load run %s: %w", runID, err)
	}

	shadow := escalation.New(noopBudgetReader{}, noopFetcher{}, nil, DefaultReplayCooldown)
	if run.LevelBefore != "" {
		if _, err := shadow.ManualOverride(ctx, runID+"-replay", escalation.Level(run.LevelBefore), "replay_seed"); err != nil {
			return nil, fmt.Errorf("scheduler: seed replay level for run %s: %w", runID, err)
		}
	}

	metrics := escalation.Metrics{}
	if v, ok := run.Metadata["lcr_ratio"].(float64); ok {
		metrics.LCRRatio = v
	}
	if v, ok := run.Metadata["volatility_regime"].(string); ok {
		metrics.Regime = metricengine.VolatilityRegime(v)
	}
	if v, ok := run.Metadata["depth_crisis"].(bool); ok {
		metrics.DepthCrisis = v
	}

	return shadow.Tick(ctx, runID+"-replay", metrics)
}

// DefaultReplayCooldown keeps a replay's shadow state machine from ever
// itself gating on a cooldown it never actually waited through.
const DefaultReplayCooldown = time.Nanosecond

// noopBudgetReader reports an always-available budget so replay never
// fabricates a BUDGET_BLOCKED transition the original run didn't see.
type noopBudgetReader struct{}

func (noopBudgetReader) Reserve(context.Context, *big.Int) (string, error) { return "", nil }
func (noopBudgetReader) Commit(context.Context, string) error              { return nil }
func (noopBudgetReader) Release(context.Context, string) error             { return nil }

func (noopBudgetReader) Status() budget.Status {
	hugeLimit := big.NewInt(1 << 62)
	return budget.Status{
		LimitMicroUSDC:     hugeLimit,
		SpentMicroUSDC:     big.NewInt(0),
		ReservedMicroUSDC:  big.NewInt(0),
		RemainingMicroUSDC: hugeLimit,
		Blocked:            false,
	}
}

// noopFetcher substitutes for the real MarketDataFetcher during replay: it
// reports a zero-cost synthetic success instead of issuing a payment, so a
// replayed run can still walk a payment-carrying edge without spending.
type noopFetcher struct{}

func (noopFetcher) FetchForLevel(context.Context, string, escalation.Level) (int64, error) {
	return 0, nil
}
