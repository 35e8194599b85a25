package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/attestra-io/attestra/pkg/anchor"
	"github.com/attestra-io/attestra/pkg/bus"
	"github.com/attestra-io/attestra/pkg/chain"
	"github.com/attestra-io/attestra/pkg/config"
	"github.com/attestra-io/attestra/pkg/event"
	"github.com/attestra-io/attestra/pkg/observability"
	"github.com/attestra-io/attestra/pkg/worm"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Attestra audit evidence pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  attestra <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve    Run the pipeline service (default)")
	fmt.Fprintln(w, "  verify   Verify evidence store and chain integrity (--json)")
	fmt.Fprintln(w, "  help     Show this help")
}

func runServe(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:  "attestra-pipeline",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Enabled:      cfg.Telemetry.Enabled,
		Insecure:     true,
	}, logger)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	metrics, err := provider.Metrics()
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	// Evidence store
	var wormOpts []worm.Option
	accessLog, err := worm.OpenSQLiteAccessLog(cfg.Evidence.AccessLogDB)
	if err != nil {
		logger.Error("access log init failed", "error", err)
		return 1
	}
	defer func() { _ = accessLog.Close() }()
	wormOpts = append(wormOpts, worm.WithAccessLogger(accessLog))

	if cfg.Evidence.MirrorBucket != "" {
		mirror, err := worm.NewS3Mirror(ctx, worm.S3MirrorConfig{
			Bucket: cfg.Evidence.MirrorBucket,
			Region: cfg.Evidence.MirrorRegion,
			Prefix: cfg.Evidence.MirrorPrefix,
		})
		if err != nil {
			logger.Error("s3 mirror init failed", "error", err)
			return 1
		}
		wormOpts = append(wormOpts, worm.WithMirror(mirror))
	}

	store, err := worm.NewStore(cfg.Evidence.Dir, logger, wormOpts...)
	if err != nil {
		logger.Error("evidence store init failed", "error", err)
		return 1
	}

	// Chain
	linker, err := chain.NewLinker(store, logger, chain.WithIndexPath(cfg.Chain.IndexPath))
	if err != nil {
		logger.Error("chain init failed", "error", err)
		return 1
	}

	// Bus
	b := bus.New(bus.Config{
		QueueCapacity: cfg.Bus.QueueCapacity,
		Workers:       cfg.Bus.Workers,
		PollInterval:  cfg.Bus.PollInterval,
	}, logger, bus.WithMetrics(metrics))
	b.RegisterHandler(chain.NewHandler(linker, event.Severity(cfg.Chain.MinSeverity)))

	// Anchoring
	receipts, closeReceipts, err := buildReceiptStore(cfg)
	if err != nil {
		logger.Error("receipt store init failed", "error", err)
		return 1
	}
	defer closeReceipts()

	anchorer := anchor.NewAnchorer(receipts, logger,
		anchor.WithMetrics(metrics),
		anchor.WithBackoffPolicy(anchor.BackoffPolicy{
			BaseMs:      200,
			MaxMs:       10_000,
			MaxJitterMs: 100,
			MaxAttempts: cfg.Anchor.MaxAttempts,
		}))

	var scheduler *anchor.Scheduler
	if cfg.Anchor.Endpoint != "" {
		dest := anchor.NewHTTPDestination(cfg.Anchor.Destination, cfg.Anchor.Endpoint,
			[]byte(cfg.Anchor.Secret), 10*time.Second)
		anchorer.RegisterDestination(dest)

		var cursor anchor.Cursor
		if cfg.Anchor.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.Anchor.RedisAddr})
			defer func() { _ = client.Close() }()
			cursor = anchor.NewRedisCursor(client, "")
		} else {
			cursor = &anchor.MemoryCursor{}
		}

		scheduler = anchor.NewScheduler(anchorer, linker, cursor, cfg.Anchor.Destination,
			cfg.Anchor.Interval, cfg.Anchor.MaxBatch, logger)
		go func() {
			if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("anchor scheduler stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("anchoring disabled, no destination endpoint configured")
	}

	// Health endpoint
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := b.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status == bus.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	healthSrv := &http.Server{Addr: ":8931", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped", "error", err)
		}
	}()

	logger.Info("pipeline started",
		"evidence_dir", cfg.Evidence.Dir,
		"queue_capacity", cfg.Bus.QueueCapacity,
		"workers", cfg.Bus.Workers)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	if err := b.Shutdown(10 * time.Second); err != nil {
		logger.Warn("bus shutdown incomplete", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
	return 0
}

func buildReceiptStore(cfg *config.Config) (anchor.ReceiptStore, func(), error) {
	noop := func() {}
	if cfg.Anchor.PostgresURL != "" {
		db, err := anchor.OpenPostgres(cfg.Anchor.PostgresURL)
		if err != nil {
			return nil, noop, err
		}
		rs, err := anchor.NewPostgresReceiptStore(db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return rs, func() { _ = db.Close() }, nil
	}
	if cfg.Anchor.ReceiptDB != "" {
		rs, err := anchor.OpenSQLiteReceiptStore(cfg.Anchor.ReceiptDB)
		if err != nil {
			return nil, noop, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}
	return anchor.NewMemoryReceiptStore(), noop, nil
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := observability.NewLogger("ERROR")

	store, err := worm.NewStore(cfg.Evidence.Dir, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "evidence store: %v\n", err)
		return 1
	}
	linker, err := chain.NewLinker(store, logger, chain.WithIndexPath(cfg.Chain.IndexPath))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "chain: %v\n", err)
		return 1
	}

	ctx := context.Background()
	report := store.VerifyAll(ctx)
	result, err := linker.Verify(ctx, chain.DirectionBoth)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "chain verify: %v\n", err)
		return 1
	}

	if *jsonOut {
		_ = json.NewEncoder(stdout).Encode(map[string]interface{}{
			"evidence": report,
			"chain":    result,
		})
	} else {
		fmt.Fprintf(stdout, "Evidence: %d total, %d verified, %d failed\n",
			report.Total, report.Verified, report.Failed)
		fmt.Fprintf(stdout, "Chain: %s, %d entries, %d links verified, %d breaks\n",
			result.Status, result.Entries, result.LinksVerified, len(result.Breaks))
		for _, br := range result.Breaks {
			fmt.Fprintf(stdout, "  break [%s] %s -> %s: %s\n",
				br.Direction, br.SourceID, br.TargetID, br.Reason)
		}
	}

	if report.Failed > 0 || result.Status == chain.StatusCompromised {
		return 1
	}
	return 0
}
