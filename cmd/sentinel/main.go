// Command sentinel runs the treasury monitoring agent: it wires the store,
// budget ledger, chain clients, settlement/payment pipeline, market data
// gateway, escalation state machine, scheduler, and admin server together
// and runs until interrupted.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/treasury-sentinel/internal/adminserver"
	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/chain"
	"github.com/mbd888/treasury-sentinel/internal/config"
	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/health"
	"github.com/mbd888/treasury-sentinel/internal/logging"
	"github.com/mbd888/treasury-sentinel/internal/marketdata"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/paymentpipeline"
	"github.com/mbd888/treasury-sentinel/internal/receipts"
	"github.com/mbd888/treasury-sentinel/internal/reconciliation"
	"github.com/mbd888/treasury-sentinel/internal/scheduler"
	"github.com/mbd888/treasury-sentinel/internal/settlement"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/traces"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
	"github.com/mbd888/treasury-sentinel/internal/wallet"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, map[bool]string{true: "json", false: "text"}[cfg.IsProduction()])

	logger.Info("starting treasury sentinel", "version", Version, "commit", Commit, "build_time", BuildTime, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	budgetLimit, ok := usdc.Parse(cfg.BudgetLimitUSDC)
	if !ok {
		logger.Error("invalid BUDGET_LIMIT_USDC", "value", cfg.BudgetLimitUSDC)
		os.Exit(1)
	}
	minOperational, ok := usdc.Parse(cfg.MinimumOperationalUSDC)
	if !ok {
		logger.Error("invalid MINIMUM_OPERATIONAL_USDC", "value", cfg.MinimumOperationalUSDC)
		os.Exit(1)
	}
	ledger, err := budget.NewLedger(ctx, st, budgetLimit, minOperational)
	if err != nil {
		logger.Error("failed to build budget ledger", "error", err)
		os.Exit(1)
	}

	registry, err := chain.NewRegistry(cfg.Chains)
	if err != nil {
		logger.Error("failed to build chain registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	// The settlement wallet and its USDC transfers always happen on the
	// first configured chain — a sentinel watching treasuries across
	// multiple chains still settles market-data invoices from one wallet.
	settlementChain := cfg.Chains[0]
	w, err := wallet.New(wallet.Config{
		RPCURL:       settlementChain.RPCURL,
		PrivateKey:   cfg.PrivateKey,
		ChainID:      settlementChain.ChainID,
		USDCContract: cfg.USDCBaseAddress,
	})
	if err != nil {
		logger.Error("failed to init wallet", "error", err)
		os.Exit(1)
	}
	defer func() { _ = w.Close() }()

	settlementClient, ok := registry.Get(settlementChain.ChainID)
	if !ok {
		logger.Error("settlement chain not dialed", "chain_id", settlementChain.ChainID)
		os.Exit(1)
	}

	verifier := settlement.New(settlementClient, st, cfg.USDCBaseAddress, cfg.GatewayRecipientAddress, uint64(cfg.ConfirmationBlocks))
	if cfg.SettlementPollIntervalMs > 0 {
		verifier.WithPollInterval(time.Duration(cfg.SettlementPollIntervalMs) * time.Millisecond)
	}

	var signer *receipts.Signer
	if cfg.ReceiptHMACSecret != "" {
		signer = receipts.NewSigner(cfg.ReceiptHMACSecret)
	}

	pipeline := paymentpipeline.New(
		&http.Client{Timeout: cfg.RequestTimeout},
		ledger, ledger, ledger,
		w,
		verifier,
		signer,
		receipts.NewMemoryStore(),
		st,
	)

	gateway := marketdata.New(cfg.MarketDataBaseURL, pipeline)
	fetcher := scheduler.NewGatewayFetcher(gateway, cfg.MarketDataPair)

	sm := escalation.New(ledger, fetcher, st, time.Duration(cfg.CooldownMinutes)*time.Minute)

	targets, err := buildTreasuryTargets(cfg, registry)
	if err != nil {
		logger.Error("failed to build treasury targets", "error", err)
		os.Exit(1)
	}

	assumptions := scheduler.LiquidityAssumptions{
		ProjectedOutflowsUSD: parseUSDFloat(cfg.ProjectedOutflowsUSD24h),
		ProjectedInflowsUSD:  parseUSDFloat(cfg.ProjectedInflowsUSD24h),
		AvgDailyVolumeUSD:    parseUSDFloat(cfg.AvgDailyVolumeUSD),
	}

	run := scheduler.NewAgentRun(st, targets, sm, fetcher, assumptions, time.Duration(cfg.RunTimeoutMs)*time.Millisecond, logger)
	sched, err := scheduler.New(run, st, cfg.CronExpression, logger)
	if err != nil {
		logger.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}

	hub := adminserver.NewHub(logger)
	adminserver.WireTransitions(sm, hub)

	reconSvc := reconciliation.NewService(reconciliation.NewStoreSnapshotProvider(st), registry, nil)
	sched.OnRunComplete(func(r *store.Run) {
		adminserver.BroadcastRunCompleted(hub, r)
		reconcileTargets(ctx, reconSvc, targets, logger)
	})

	checks := health.NewRegistry()
	checks.Register("store", func(ctx context.Context) health.Status {
		if pinger, ok := st.(interface{ Ping(context.Context) error }); ok {
			if err := pinger.Ping(ctx); err != nil {
				return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
			}
		}
		return health.Status{Name: "store", Healthy: true}
	})

	admin := adminserver.New(":"+cfg.Port, st, sm, ledger, hub, checks, logger, Version)
	admin.SetReady(true)

	var wg chanGroup
	wg.Go(func() { hub.Run(ctx) })
	wg.Go(func() { sched.Start(ctx) })
	wg.Go(func() {
		if err := admin.Serve(ctx); err != nil {
			logger.Error("admin server error", "error", err)
		}
	})

	<-ctx.Done()
	logger.Info("shutting down", "grace_period_ms", cfg.ShutdownGraceMs)
	sched.Stop()
	wg.Wait()
	logger.Info("treasury sentinel stopped")
}

// chanGroup runs a set of goroutines and waits for all to finish, grounded
// on the teacher's use of sync.WaitGroup around its timer/server goroutines
// in cmd/server/main.go's Run path.
type chanGroup struct {
	done []chan struct{}
}

func (g *chanGroup) Go(fn func()) {
	ch := make(chan struct{})
	g.done = append(g.done, ch)
	go func() {
		defer close(ch)
		fn()
	}()
}

func (g *chanGroup) Wait() {
	for _, ch := range g.done {
		<-ch
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no DATABASE_URL set, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	pg := store.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)

	return pg, func() { _ = db.Close() }, nil
}

func buildTreasuryTargets(cfg *config.Config, registry *chain.Registry) ([]scheduler.TreasuryTarget, error) {
	targets := make([]scheduler.TreasuryTarget, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		client, ok := registry.Get(c.ChainID)
		if !ok {
			return nil, fmt.Errorf("chain %d not dialed", c.ChainID)
		}
		targets = append(targets, scheduler.TreasuryTarget{
			ChainID:         c.ChainID,
			Client:          client,
			TreasuryAddress: c.TreasuryAddress,
			TrackedTokens:   c.TrackedTokenAddresses,
			USDCAddress:     cfg.USDCBaseAddress,
		})
	}
	return targets, nil
}

// reconcileTargets runs an independent on-chain balance check against every
// tracked token right after a scheduler run's own snapshot lands, flagging
// any mismatch beyond the service's alert threshold as a log warning. It
// never feeds back into the escalation state machine — the guards only ever
// see the snapshot the run itself took.
func reconcileTargets(ctx context.Context, svc *reconciliation.Service, targets []scheduler.TreasuryTarget, logger *slog.Logger) {
	for _, target := range targets {
		for _, token := range target.TrackedTokens {
			res, err := svc.Reconcile(ctx, target.ChainID, token, target.TreasuryAddress)
			if err != nil {
				logger.Warn("reconciliation check failed", "chain_id", target.ChainID, "token", token, "error", err)
				continue
			}
			if !res.Match {
				logger.Warn("reconciliation mismatch",
					"chain_id", target.ChainID, "token", token,
					"snapshot_balance", res.SnapshotBalance.String(),
					"chain_balance", res.ChainBalance.String(),
					"diff", res.Diff.String())
			}
		}
	}
}

// parseUSDFloat parses an operator-supplied decimal USD assumption,
// defaulting to zero on empty or malformed input rather than failing
// startup over a non-critical liquidity assumption.
func parseUSDFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
