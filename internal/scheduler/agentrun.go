// Package scheduler drives the sentinel's periodic agent run: on a cron
// schedule it snapshots every monitored treasury, computes the liquidity
// metrics, feeds them through the escalation state machine, and persists
// the outcome — all within a bounded run deadline and with overlapping
// ticks skipped rather than queued.
//
// Grounded on the teacher's internal/escrow/timer.go and
// internal/supervisor/baseline_worker.go for the ticker/Start/Stop/recover
// shape; the single-flight overlap guard generalizes their atomic.Bool
// "running" flag to also cover "currently executing a tick", not just
// "the loop itself is alive".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/metricengine"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/traces"
)

// ChainReader is the narrow capability AgentRun needs from a chain client:
// enough to snapshot one treasury's tracked-token balances. *chain.Client
// satisfies this directly; tests substitute a fake.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TokenBalance(ctx context.Context, tokenAddress, holder string) (*big.Int, error)
	TokenDecimals(ctx context.Context, tokenAddress string) (uint8, error)
	TokenSymbol(ctx context.Context, tokenAddress string) (string, error)
}

// TreasuryTarget is one chain's monitored wallet: the tracked token
// addresses, and which of them (if any) counts toward HQLA. A tracked
// token is treated as HQLA 1:1 with USD when its address equals usdcAddress
// — the sentinel doesn't price arbitrary ERC-20s, so only the settlement
// stablecoin itself is ever counted as "high quality liquid assets".
type TreasuryTarget struct {
	ChainID         int64
	Client          ChainReader
	TreasuryAddress string
	TrackedTokens   []string
	USDCAddress     string
}

// LiquidityAssumptions are the operator-supplied inputs the metric engine
// needs that no on-chain read can produce: how much is expected to flow
// out/in over the horizon, and how much of the position could realistically
// trade in a day.
type LiquidityAssumptions struct {
	ProjectedOutflowsUSD float64
	ProjectedInflowsUSD  float64
	AvgDailyVolumeUSD    float64
}

// DepthSignalSource is the narrow capability AgentRun needs from the
// market-data fetcher: the order-book-derived crisis signal and volatility
// regime that only become known once a payment-carrying escalation has
// actually pulled market data. Both accessors report known=false until
// enough data has been observed, in which case computeMetrics falls back to
// the conservative defaults (no crisis, normal regime). *gatewayFetcher
// implements this using the same paid fetches that back escalation.MarketDataFetcher.
type DepthSignalSource interface {
	LatestDepthCrisis() (crisis bool, known bool)
	LatestRegime() (regime metricengine.VolatilityRegime, known bool)
}

// AgentRun executes one scheduler tick end to end.
type AgentRun struct {
	store       store.Store
	targets     []TreasuryTarget
	sm          *escalation.StateMachine
	depth       DepthSignalSource
	assumptions LiquidityAssumptions
	runDeadline time.Duration
	logger      *slog.Logger
}

// NewAgentRun constructs an AgentRun. runDeadline <= 0 defaults to 5 minutes.
// depth may be nil, in which case computeMetrics always reports RegimeNormal
// and DepthCrisis=false.
func NewAgentRun(st store.Store, targets []TreasuryTarget, sm *escalation.StateMachine, depth DepthSignalSource, assumptions LiquidityAssumptions, runDeadline time.Duration, logger *slog.Logger) *AgentRun {
	if runDeadline <= 0 {
		runDeadline = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentRun{
		store:       st,
		targets:     targets,
		sm:          sm,
		depth:       depth,
		assumptions: assumptions,
		runDeadline: runDeadline,
		logger:      logger,
	}
}

// Execute runs one full tick: create the run row, snapshot every treasury,
// compute metrics, drive the state machine, and persist the outcome. A
// failure mid-run marks the row FAILED with the error recorded, rather
// than rolling back any state-machine transition that already committed.
func (a *AgentRun) Execute(ctx context.Context) (*store.Run, error) {
	ctx, span := traces.StartSpan(ctx, "scheduler.AgentRun.Execute")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.runDeadline)
	defer cancel()

	runNumber, err := a.store.NextRunNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: next run number: %w", err)
	}

	run := &store.Run{
		ID:          idgen.WithPrefix("run"),
		RunNumber:   runNumber,
		ScheduledAt: time.Now(),
		Status:      store.RunPending,
		LevelBefore: string(a.sm.CurrentLevel()),
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("scheduler: create run: %w", err)
	}

	run.Status = store.RunRunning
	run.StartedAt = time.Now()
	if err := a.store.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("scheduler: mark run running: %w", err)
	}

	snapshots, hqlaUSD, err := a.snapshotAll(ctx, run.ID)
	if err != nil {
		return a.fail(ctx, run, err)
	}

	metrics, lcrRatio, halfLifeHours := a.computeMetrics(hqlaUSD)

	transition, err := a.sm.Tick(ctx, run.ID, metrics)
	if err != nil {
		return a.fail(ctx, run, err)
	}

	riskScore, riskLevel := metricengine.OverallRiskScore(lcrRatio, halfLifeHours, metrics.Regime)

	now := time.Now()
	run.CompletedAt = &now
	run.Status = store.RunCompleted
	run.LevelAfter = string(a.sm.CurrentLevel())
	if len(snapshots) > 0 {
		run.SnapshotID = snapshots[0].ID
	}
	if transition != nil {
		run.SpendDeltaMicroUSDC = transition.CostMicroUSDC
	}
	run.Metadata = map[string]any{
		"lcr_ratio":          lcrRatio,
		"exit_half_life_hrs": halfLifeHours,
		"volatility_regime":  string(metrics.Regime),
		"depth_crisis":       metrics.DepthCrisis,
		"hqla_usd":           hqlaUSD,
		"risk_score":         riskScore,
		"risk_level":         string(riskLevel),
	}

	if err := a.store.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("scheduler: mark run completed: %w", err)
	}

	a.logger.Info("agent run completed",
		"run_id", run.ID, "level_before", run.LevelBefore, "level_after", run.LevelAfter,
		"lcr_ratio", lcrRatio)

	return run, nil
}

func (a *AgentRun) fail(ctx context.Context, run *store.Run, cause error) (*store.Run, error) {
	now := time.Now()
	run.CompletedAt = &now
	run.Status = store.RunFailed
	run.Error = cause.Error()
	run.LevelAfter = string(a.sm.CurrentLevel())
	if updateErr := a.store.UpdateRun(ctx, run); updateErr != nil {
		a.logger.Error("failed to persist failed run", "run_id", run.ID, "update_error", updateErr)
	}
	a.logger.Error("agent run failed", "run_id", run.ID, "error", cause)
	return run, cause
}

// snapshotAll reads every treasury target's tracked-token balances in
// parallel and persists one Snapshot row per chain. Returns the aggregate
// HQLA USD value across all chains.
func (a *AgentRun) snapshotAll(ctx context.Context, runID string) ([]*store.Snapshot, float64, error) {
	snapshots := make([]*store.Snapshot, len(a.targets))
	hqlaPerTarget := make([]float64, len(a.targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range a.targets {
		i, target := i, target
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("chain %d: panic: %v", target.ChainID, r)
				}
			}()
			snap, hqla, ferr := a.snapshotOne(gctx, runID, target)
			if ferr != nil {
				return fmt.Errorf("chain %d: %w", target.ChainID, ferr)
			}
			snapshots[i] = snap
			hqlaPerTarget[i] = hqla
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var totalHQLA float64
	for i, snap := range snapshots {
		if err := a.store.CreateSnapshot(ctx, snap); err != nil {
			return nil, 0, fmt.Errorf("persist snapshot for chain %d: %w", snap.ChainID, err)
		}
		totalHQLA += hqlaPerTarget[i]
	}

	return snapshots, totalHQLA, nil
}

func (a *AgentRun) snapshotOne(ctx context.Context, runID string, target TreasuryTarget) (*store.Snapshot, float64, error) {
	blockNumber, err := target.Client.BlockNumber(ctx)
	if err != nil {
		return nil, 0, err
	}

	balances := make([]store.TokenBalance, 0, len(target.TrackedTokens))
	var hqlaUSD float64

	for _, token := range target.TrackedTokens {
		raw, err := target.Client.TokenBalance(ctx, token, target.TreasuryAddress)
		if err != nil {
			return nil, 0, fmt.Errorf("token balance %s: %w", token, err)
		}
		decimals, err := target.Client.TokenDecimals(ctx, token)
		if err != nil {
			return nil, 0, fmt.Errorf("token decimals %s: %w", token, err)
		}
		symbol, err := target.Client.TokenSymbol(ctx, token)
		if err != nil {
			return nil, 0, fmt.Errorf("token symbol %s: %w", token, err)
		}

		tb := store.TokenBalance{
			Token:      token,
			Symbol:     symbol,
			Decimals:   int(decimals),
			RawBalance: raw.String(),
		}

		if strings.EqualFold(token, target.USDCAddress) {
			usd := tokenAmountToUSD(raw, decimals)
			tb.USDValue = fmt.Sprintf("%.2f", usd)
			hqlaUSD += usd
		}

		balances = append(balances, tb)
	}

	snap := &store.Snapshot{
		ID:          idgen.WithPrefix("snap"),
		RunID:       runID,
		ChainID:     target.ChainID,
		Wallet:      target.TreasuryAddress,
		BlockNumber: blockNumber,
		Timestamp:   time.Now(),
		Balances:    balances,
	}
	return snap, hqlaUSD, nil
}

// computeMetrics turns the aggregate HQLA reading plus the operator's
// liquidity assumptions into the escalation guards' Metrics input. Regime and
// DepthCrisis come from the depth signal source when one is wired and has
// observed enough paid market data; until then they default to the
// conservative RegimeNormal/no-crisis values a cold start must assume.
func (a *AgentRun) computeMetrics(hqlaUSD float64) (escalation.Metrics, float64, float64) {
	lcr := metricengine.LCR(hqlaUSD, a.assumptions.ProjectedOutflowsUSD, a.assumptions.ProjectedInflowsUSD)
	halfLife := metricengine.ExitHalfLifeHours(hqlaUSD, a.assumptions.AvgDailyVolumeUSD, metricengine.DefaultMaxParticipation)

	regime := metricengine.RegimeNormal
	var depthCrisis bool
	if a.depth != nil {
		if r, ok := a.depth.LatestRegime(); ok {
			regime = r
		}
		if c, ok := a.depth.LatestDepthCrisis(); ok {
			depthCrisis = c
		}
	}

	metrics := escalation.Metrics{
		LCRRatio:    lcr,
		Regime:      regime,
		DepthCrisis: depthCrisis,
	}
	return metrics, lcr, halfLife
}

// tokenAmountToUSD converts a raw on-chain integer balance to a USD float
// at 1:1 par, scaling by the token's decimals. Precision loss from the
// big.Int -> float64 conversion is immaterial here: the result only feeds
// a liquidity ratio guard, never a settlement amount.
func tokenAmountToUSD(raw *big.Int, decimals uint8) float64 {
	scale := new(big.Float).SetFloat64(1)
	for i := uint8(0); i < decimals; i++ {
		scale.Mul(scale, big.NewFloat(10))
	}
	amount := new(big.Float).SetInt(raw)
	amount.Quo(amount, scale)
	v, _ := amount.Float64()
	return v
}
