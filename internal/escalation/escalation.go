// Package escalation implements the treasury sentinel's escalation state
// machine: a ladder of seven levels (L0_IDLE through L5_EMERGENCY, plus the
// off-ladder BUDGET_BLOCKED sink) driven by per-tick metric readings, with
// upward transitions from L2 onward gated on available budget and an actual
// market-data payment.
//
// Grounded on internal/circuitbreaker/breaker.go: one mutex, one
// transitionLocked() choke point for guard-driven level changes (only
// ManualOverride changes the level outside it), an optional onTransition
// callback fired in its own goroutine, and a small per-key (here:
// singleton) entry. The breaker's three states and threshold
// counter are generalized here to seven levels and a guard-table lookup,
// and every transition attempt — successful or not — is appended to a
// durable ledger instead of only updating an in-memory counter.
package escalation

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/metricengine"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/traces"
)

// Level is one rung of the escalation ladder.
type Level string

const (
	L0Idle        Level = "L0_IDLE"
	L1Monitor     Level = "L1_MONITOR"
	L2Alert       Level = "L2_ALERT"
	L3MarketData  Level = "L3_MARKET_DATA"
	L4Critical    Level = "L4_CRITICAL"
	L5Emergency   Level = "L5_EMERGENCY"
	BudgetBlocked Level = "BUDGET_BLOCKED"
)

// ladderIndex ranks the six on-ladder levels; BUDGET_BLOCKED sits outside
// the ladder and is reached/left by its own dedicated edges.
var ladderIndex = map[Level]int{
	L0Idle:       0,
	L1Monitor:    1,
	L2Alert:      2,
	L3MarketData: 3,
	L4Critical:   4,
	L5Emergency:  5,
}

var ladder = []Level{L0Idle, L1Monitor, L2Alert, L3MarketData, L4Critical, L5Emergency}

// Trigger names the event that requested a transition.
type Trigger string

const (
	TriggerMetricTick      Trigger = "metric-tick"
	TriggerRiskThreshold   Trigger = "risk-threshold"
	TriggerNeedMarketData  Trigger = "need-market-data"
	TriggerCriticalMetric  Trigger = "critical-metric"
	TriggerEmergency       Trigger = "emergency"
	TriggerCooldownOk      Trigger = "cooldown-ok"
	TriggerBudgetExhausted Trigger = "budget-exhausted"
	TriggerBudgetRestored  Trigger = "budget-restored"
	TriggerManualOverride  Trigger = "manual-override"
)

// Default cost estimates used only for the pre-flight budget(cost) guard.
// The amount actually committed against the budget is whatever the
// market-data fetch's invoice turned out to charge; these are the guard's
// estimate of that charge, not a fixed price.
const (
	EstimatedCostL2ToL3 int64 = 500_000
	EstimatedCostL3ToL4 int64 = 1_000_000
	EstimatedCostL4ToL5 int64 = 2_000_000
)

// LCRWarningThreshold and LCRCriticalThreshold gate the L1->L2 and L3->L4
// guards. Not specified numerically anywhere upstream; chosen as a warning
// band above and a critical band below metricengine.DefaultLCRThreshold
// (1.0), recorded as a resolved default in DESIGN.md.
const (
	LCRWarningThreshold  = 1.2
	LCRCriticalThreshold = 0.8
)

// DefaultCooldown is the minimum dwell time at a level before it may
// de-escalate, and at L2 before the L2->L3 escalation is permitted.
const DefaultCooldown = 5 * time.Minute

// maxRecentTransitions bounds the in-memory transition ledger; everything
// is still persisted via TransitionStore, this cap only limits the fast
// in-process recent-history buffer.
const maxRecentTransitions = 1000

var (
	// ErrBudgetBlocked is returned by a MarketDataFetcher when the payment
	// it attempted could not be reserved against the budget. The state
	// machine treats this as a redirect to BUDGET_BLOCKED rather than a
	// plain failed transition.
	ErrBudgetBlocked = errors.New("escalation: budget blocked")
	// ErrNoFetcher is returned when a transition requires a market-data
	// payment but no MarketDataFetcher was wired in.
	ErrNoFetcher = errors.New("escalation: no market data fetcher configured")
)

// Metrics is the subset of a tick's computed metrics the guards read. The
// caller (AgentRun) is responsible for deriving DepthCrisis from the
// impact curve / depth bands metricengine produces; what counts as a
// "crisis" is a portfolio-specific judgment call this package does not make.
type Metrics struct {
	LCRRatio    float64
	Regime      metricengine.VolatilityRegime
	DepthCrisis bool
}

// MarketDataFetcher executes the paid market-data fetch a payment-carrying
// transition requires, returning the micro-USDC amount actually charged.
// Implementations wrap MarketDataGateway with a level-to-endpoint policy
// (e.g. L3 fetches liquidity_depth, L4 order_book, L5 trades) — a mapping
// this package is intentionally agnostic to.
type MarketDataFetcher interface {
	FetchForLevel(ctx context.Context, runID string, level Level) (costMicroUSDC int64, err error)
}

// BudgetReader is the narrow capability this package needs from the budget
// ledger: reserve/commit/release for the payment-carrying transitions plus
// a point-in-time status read for the budget guards. *budget.Ledger
// satisfies this directly.
type BudgetReader interface {
	budget.Reserver
	budget.Committer
	budget.Releaser
	Status() budget.Status
}

// Context is the escalation state machine's sole mutable state, read and
// written only with the machine's mutex held. RemainingMicroUSDC and
// Blocked are refreshed from the budget ledger at the start of every Tick;
// SystemPaused is set by SetPaused; the level fields change in
// transitionLocked and ManualOverride.
type Context struct {
	CurrentLevel          Level
	EnteredAt             time.Time
	LastEscalation        time.Time
	RemainingMicroUSDC    *big.Int
	Blocked               bool
	SystemPaused          bool
	LastMetricsSnapshotID string
}

type namedGuard struct {
	name string
	fn   func(*Context, Metrics) bool
}

// edge is one row of the transition table: a from/to pair, the trigger
// that requests it, the guards that must all pass, and whether it is one of
// the three payment-carrying escalations (their estimated cost is bound
// into the budget_ok guard, not stored on the edge).
type edge struct {
	from            Level
	to              Level
	trigger         Trigger
	guards          []namedGuard
	requiresPayment bool
}

// StateMachine is the mutex-guarded escalation ladder. Guard-driven level
// changes happen only in transitionLocked(); ManualOverride, SetPaused and
// the budget refresh at the top of Tick are the other writers of ctx.
type StateMachine struct {
	mu sync.Mutex

	ctx Context

	budgetReader BudgetReader
	fetcher      MarketDataFetcher
	ledger       store.TransitionStore
	cooldown     time.Duration

	escalateEdges map[Level]edge

	recent       []*store.Transition
	onTransition func(t *store.Transition)
}

// New creates a StateMachine starting at L0_IDLE; no previously persisted
// level is restored. cooldown <= 0 defaults to DefaultCooldown.
func New(budgetReader BudgetReader, fetcher MarketDataFetcher, ledger store.TransitionStore, cooldown time.Duration) *StateMachine {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	m := &StateMachine{
		ctx: Context{
			CurrentLevel: L0Idle,
			EnteredAt:    time.Now(),
		},
		budgetReader: budgetReader,
		fetcher:      fetcher,
		ledger:       ledger,
		cooldown:     cooldown,
	}
	m.escalateEdges = map[Level]edge{
		L0Idle: {
			from: L0Idle, to: L1Monitor, trigger: TriggerMetricTick,
			guards: []namedGuard{{"system_not_paused", systemNotPausedGuard}},
		},
		L1Monitor: {
			from: L1Monitor, to: L2Alert, trigger: TriggerRiskThreshold,
			guards: []namedGuard{{"volatility_or_lcr_warning", volatilityOrLCRWarningGuard}},
		},
		L2Alert: {
			from: L2Alert, to: L3MarketData, trigger: TriggerNeedMarketData,
			guards: []namedGuard{
				{"cooldown_ok", m.cooldownElapsedGuard},
				{"budget_ok", budgetAvailableGuard(EstimatedCostL2ToL3)},
			},
			requiresPayment: true,
		},
		L3MarketData: {
			from: L3MarketData, to: L4Critical, trigger: TriggerCriticalMetric,
			guards: []namedGuard{
				{"lcr_critical", lcrCriticalGuard},
				{"budget_ok", budgetAvailableGuard(EstimatedCostL3ToL4)},
			},
			requiresPayment: true,
		},
		L4Critical: {
			from: L4Critical, to: L5Emergency, trigger: TriggerEmergency,
			guards: []namedGuard{
				{"depth_crisis", depthCrisisGuard},
				{"budget_ok", budgetAvailableGuard(EstimatedCostL4ToL5)},
			},
			requiresPayment: true,
		},
	}
	return m
}

// OnTransition sets a callback invoked (in its own goroutine) after every
// recorded transition, successful or not.
func (m *StateMachine) OnTransition(fn func(t *store.Transition)) {
	m.mu.Lock()
	m.onTransition = fn
	m.mu.Unlock()
}

// CurrentLevel returns the level as of the last completed transition.
func (m *StateMachine) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.CurrentLevel
}

// SetPaused flips the system-paused flag the L0->L1 guard reads.
func (m *StateMachine) SetPaused(paused bool) {
	m.mu.Lock()
	m.ctx.SystemPaused = paused
	m.mu.Unlock()
}

// RecentTransitions returns up to limit of the most recently recorded
// transitions, newest first.
func (m *StateMachine) RecentTransitions(limit int) []*store.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]*store.Transition, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}

// Tick evaluates every candidate transition reachable from the current
// level against metrics, executes the single highest-priority feasible
// one, and returns the resulting Transition record (nil if nothing was
// feasible this tick — the common case at a stable level). Priority among
// simultaneously feasible candidates is BUDGET_BLOCKED > L5 > L4 > L3 > L2
// > L1 > L0.
func (m *StateMachine) Tick(ctx context.Context, runID string, metrics Metrics) (*store.Transition, error) {
	ctx, span := traces.StartSpan(ctx, "escalation.Tick")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.budgetReader.Status()
	m.ctx.RemainingMicroUSDC = status.RemainingMicroUSDC
	m.ctx.Blocked = status.Blocked

	current := m.ctx.CurrentLevel
	candidates := m.candidateEdgesLocked(current, metrics)

	chosen, chosenPassed := m.selectCandidateLocked(candidates, metrics)
	if chosen == nil {
		return nil, nil
	}

	return m.transitionLocked(ctx, runID, *chosen, chosenPassed, metrics)
}

// candidateEdgesLocked builds every edge reachable from current in a
// single hop: escalate, de-escalate (cooldown), and the two BUDGET_BLOCKED
// edges. The need-market-data trigger (L2->L3) is raised only while the
// volatility/LCR warning still holds, so a calm tick at L2 leaves the
// de-escalation edge free to fire. Caller must hold m.mu.
func (m *StateMachine) candidateEdgesLocked(current Level, metrics Metrics) []edge {
	var candidates []edge

	if e, ok := m.escalateEdges[current]; ok {
		if e.trigger != TriggerNeedMarketData || volatilityOrLCRWarningGuard(&m.ctx, metrics) {
			candidates = append(candidates, e)
		}
	}

	if idx, ok := ladderIndex[current]; ok && idx >= 1 {
		candidates = append(candidates, edge{
			from: current, to: ladder[idx-1], trigger: TriggerCooldownOk,
			guards: []namedGuard{{"cooldown_ok", m.cooldownElapsedGuard}},
		})
	}

	if idx, ok := ladderIndex[current]; ok && idx >= 2 {
		candidates = append(candidates, edge{
			from: current, to: BudgetBlocked, trigger: TriggerBudgetExhausted,
			guards: []namedGuard{{"budget_exhausted", budgetExhaustedGuard}},
		})
	}

	if current == BudgetBlocked {
		candidates = append(candidates, edge{
			from: BudgetBlocked, to: L1Monitor, trigger: TriggerBudgetRestored,
			guards: []namedGuard{{"budget_restored", budgetRestoredGuard}},
		})
	}

	return candidates
}

// selectCandidateLocked picks the candidate targeting the highest-priority
// level whose guards all pass. Caller must hold m.mu.
func (m *StateMachine) selectCandidateLocked(candidates []edge, metrics Metrics) (*edge, []string) {
	byTarget := make(map[Level]edge, len(candidates))
	for _, c := range candidates {
		byTarget[c.to] = c
	}

	priority := []Level{BudgetBlocked, L5Emergency, L4Critical, L3MarketData, L2Alert, L1Monitor, L0Idle}
	for _, target := range priority {
		c, ok := byTarget[target]
		if !ok {
			continue
		}
		passed, failed := evaluateGuards(c.guards, &m.ctx, metrics)
		if len(failed) == 0 {
			chosen := c
			return &chosen, passed
		}
	}
	return nil, nil
}

func evaluateGuards(guards []namedGuard, c *Context, metrics Metrics) (passed, failed []string) {
	for _, g := range guards {
		if g.fn(c, metrics) {
			passed = append(passed, g.name)
		} else {
			failed = append(failed, g.name)
		}
	}
	return passed, failed
}

// transitionLocked is the sole place a guard-driven level change happens. It executes the
// payment for payment-carrying edges, persists a Transition record whether
// the attempt succeeded or not, and fires onTransition. Caller must hold
// m.mu.
func (m *StateMachine) transitionLocked(ctx context.Context, runID string, e edge, guardsPassed []string, metrics Metrics) (*store.Transition, error) {
	cost := int64(0)

	if e.requiresPayment {
		if m.fetcher == nil {
			t, rerr := m.recordLocked(ctx, runID, e.from, e.to, e.trigger, guardsPassed, []string{"no_fetcher"}, 0)
			if rerr != nil {
				return t, rerr
			}
			return t, ErrNoFetcher
		}
		actualCost, err := m.fetcher.FetchForLevel(ctx, runID, e.to)
		if errors.Is(err, ErrBudgetBlocked) {
			t, rerr := m.recordLocked(ctx, runID, e.from, BudgetBlocked, TriggerBudgetExhausted, []string{"budget_exhausted"}, nil, 0)
			if rerr != nil {
				return t, rerr
			}
			m.ctx.CurrentLevel = BudgetBlocked
			m.ctx.EnteredAt = time.Now()
			return t, nil
		}
		if err != nil {
			return m.recordLocked(ctx, runID, e.from, e.to, e.trigger, guardsPassed, []string{"payment_failed"}, 0)
		}
		cost = actualCost
	}

	t, err := m.recordLocked(ctx, runID, e.from, e.to, e.trigger, guardsPassed, nil, cost)
	if err != nil {
		return t, err
	}

	m.ctx.CurrentLevel = e.to
	m.ctx.EnteredAt = time.Now()
	if ladderUp(e.from, e.to) {
		m.ctx.LastEscalation = m.ctx.EnteredAt
	}

	return t, nil
}

func ladderUp(from, to Level) bool {
	fi, fok := ladderIndex[from]
	ti, tok := ladderIndex[to]
	return fok && tok && ti > fi
}

// recordLocked builds, persists, and appends to the in-memory ledger a
// Transition record. A non-empty guardsFailed means the attempt did not
// change state. Caller must hold m.mu.
func (m *StateMachine) recordLocked(ctx context.Context, runID string, from, to Level, trigger Trigger, guardsPassed, guardsFailed []string, costMicroUSDC int64) (*store.Transition, error) {
	t := &store.Transition{
		ID:            idgen.WithPrefix("tr"),
		RunID:         runID,
		FromLevel:     string(from),
		ToLevel:       string(to),
		Trigger:       string(trigger),
		GuardsPassed:  guardsPassed,
		GuardsFailed:  guardsFailed,
		CostMicroUSDC: costMicroUSDC,
		Timestamp:     time.Now(),
	}

	if m.ledger != nil {
		if err := m.ledger.CreateTransition(ctx, t); err != nil {
			return nil, err
		}
	}

	m.recent = append(m.recent, t)
	if len(m.recent) > maxRecentTransitions {
		m.recent = m.recent[len(m.recent)-maxRecentTransitions:]
	}

	if m.onTransition != nil {
		fn := m.onTransition
		go fn(t)
	}

	return t, nil
}

// ManualOverride forces an immediate transition to target, bypassing every
// guard. The one escape hatch the transition table's "no implicit
// multi-hop transitions" rule explicitly carves out.
func (m *StateMachine) ManualOverride(ctx context.Context, runID string, target Level, reason string) (*store.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.ctx.CurrentLevel
	t, err := m.recordLocked(ctx, runID, from, target, TriggerManualOverride, []string{"manual_override:" + reason}, nil, 0)
	if err != nil {
		return t, err
	}
	m.ctx.CurrentLevel = target
	m.ctx.EnteredAt = time.Now()
	return t, nil
}

func (m *StateMachine) cooldownElapsedGuard(c *Context, _ Metrics) bool {
	return time.Since(c.EnteredAt) >= m.cooldown
}

func systemNotPausedGuard(c *Context, _ Metrics) bool {
	return !c.SystemPaused
}

func volatilityOrLCRWarningGuard(c *Context, m Metrics) bool {
	return isElevatedOrAbove(m.Regime) || m.LCRRatio < LCRWarningThreshold
}

func lcrCriticalGuard(c *Context, m Metrics) bool {
	return m.LCRRatio < LCRCriticalThreshold
}

func depthCrisisGuard(_ *Context, m Metrics) bool {
	return m.DepthCrisis
}

func budgetExhaustedGuard(c *Context, _ Metrics) bool {
	return c.Blocked
}

func budgetRestoredGuard(c *Context, _ Metrics) bool {
	return !c.Blocked
}

func budgetAvailableGuard(estimatedCost int64) func(*Context, Metrics) bool {
	return func(c *Context, _ Metrics) bool {
		if c.RemainingMicroUSDC == nil {
			return false
		}
		return c.RemainingMicroUSDC.Cmp(big.NewInt(estimatedCost)) >= 0
	}
}

func isElevatedOrAbove(r metricengine.VolatilityRegime) bool {
	switch r {
	case metricengine.RegimeElevated, metricengine.RegimeHigh, metricengine.RegimeExtreme:
		return true
	default:
		return false
	}
}
