package marketd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"aimarket/config"
	"aimarket/core/events"
	"aimarket/funds"
	"aimarket/ledger"
	"aimarket/native/market"
	"aimarket/native/reputation"
	"aimarket/observability"
	"aimarket/observability/logging"
	telemetry "aimarket/observability/otel"
	"aimarket/storage"
)

// Main initialises and runs the marketplace daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marketd/config.yaml", "path to marketd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	nodeCfg, err := config.Load(cfg.NodeConfig)
	if err != nil {
		return fmt.Errorf("load node config: %w", err)
	}

	logger := logging.SetupWith("marketd", nodeCfg.Environment, logging.Options{FilePath: nodeCfg.LogFile})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: nodeCfg.Environment,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.NewLevelDB(filepath.Join(nodeCfg.DataDir, "market"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	feed := events.NewBuffer(4096)
	emitter := observability.NewMeteredEmitter(feed)

	vault := funds.NewWalletVault(db)
	state := market.NewState(db)

	engine := market.NewEngine()
	engine.SetState(state)
	engine.SetVault(vault)
	engine.SetFeeTreasury(nodeCfg.FeeTreasury)
	engine.SetEmitter(emitter)
	if err := engine.SetTimeouts(nodeCfg.Timeouts.Runtime()); err != nil {
		return fmt.Errorf("configure timeouts: %w", err)
	}
	if err := engine.SetFees(nodeCfg.Fees.Runtime()); err != nil {
		return fmt.Errorf("configure fees: %w", err)
	}

	rep := reputation.NewEngine(db)
	rep.SetEmitter(emitter)
	engine.SetSlasher(rep)
	engine.SetOutcomeRecorder(rep)

	registry := market.NewRegistry(state, nodeCfg.Timeouts.Runtime().AuctionFloor)
	registry.SetEmitter(emitter)

	pool := market.NewWeightedPool(rand.New(rand.NewSource(time.Now().UnixNano())))
	resolver := market.NewResolver(engine, pool)

	log := ledger.NewLog(db, nil)
	coordinator := market.NewCoordinator(state, engine, registry, resolver, log)
	coordinator.SetReputationSource(rep)
	retryPolicy := ledger.DefaultRetryPolicy()
	retryPolicy.OnRetry = func(int, error) { observability.Market().RecordLedgerRetry() }
	coordinator.SetRetryPolicy(retryPolicy)

	auth := NewAuthenticator(cfg.APIKeys, cfg.AuthSkew.Duration, cfg.NonceTTL.Duration, db)
	server := NewServer(coordinator, vault, rep, auth, feed, logger)
	server.SetRateLimit(cfg.RateLimit)
	server.SetValidatorPool(pool)
	if cfg.FaucetEnabled {
		server.EnableFaucet()
	}

	listen := cfg.ListenAddress
	if strings.TrimSpace(listen) == "" {
		listen = nodeCfg.ListenAddress
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher := NewBidWatcher(log, coordinator, db, logger)
	watcher.SetPollInterval(cfg.PollInterval.Duration)
	go watcher.Run(ctx)

	if cfg.Bidder.Enabled {
		bidder := NewAutoBidder(log, coordinator, db, cfg.Bidder, logger)
		if bidder == nil {
			return fmt.Errorf("bidder: invalid policy")
		}
		bidder.SetPollInterval(cfg.PollInterval.Duration)
		go bidder.Run(ctx)
	}

	go runTicker(ctx, coordinator, vault, nodeCfg.Ticker.Interval(), logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("marketd listening", "address", listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("marketd stopped")
	return nil
}

// runTicker drives timeout evaluation at the configured cadence and refreshes
// the marketplace gauges after each sweep.
func runTicker(ctx context.Context, coordinator *market.Coordinator, vault *funds.WalletVault, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fired, err := coordinator.Tick(now.Unix())
			if err != nil {
				logger.Warn("tick errors", "error", err)
			}
			if fired > 0 {
				logger.Debug("timeouts fired", "count", fired)
				observability.Market().RecordTimeout("tick")
			}
			if active, err := coordinator.ActiveJobs(); err == nil {
				observability.Market().SetActiveJobs(len(active))
			}
			if locked, err := vault.LockedTotal(); err == nil {
				observability.Market().SetLockedFunds(locked)
			}
		}
	}
}
