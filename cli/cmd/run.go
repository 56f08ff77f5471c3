package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/pithecene-io/dredge/cli/config"
	"github.com/pithecene-io/dredge/fetcher"
	"github.com/pithecene-io/dredge/health"
	"github.com/pithecene-io/dredge/log"
	"github.com/pithecene-io/dredge/metrics"
	"github.com/pithecene-io/dredge/types"
)

// Exit codes for run.
const (
	exitSuccess = 0
	exitFailure = 1
)

// RunCommand returns the run command, the only command that executes
// work.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a fetch run for one recipe",
		ArgsUsage: "<recipeId>",
		Flags: []cli.Flag{
			credsFlag, storageFlag, kvFlag,
			concurrencyFlag, logLevelFlag, recipesFlag, healthAddrFlag,
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	recipeID := c.Args().First()
	if recipeID == "" {
		return cli.Exit("usage: dredge run <recipeId>", exitFailure)
	}

	settings := config.ResolveSettings(config.Flags{
		Creds:       c.String("creds"),
		Storage:     c.String("storage"),
		KV:          c.String("kv"),
		Concurrency: c.Int("concurrency"),
		LogLevel:    c.String("log-level"),
		HealthAddr:  c.String("health-addr"),
		RecipeDir:   c.String("recipes"),
	}, nil)

	logger, err := log.New(settings.LogLevel)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Find(settings.RecipeDir, recipeID)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	ctx, cancel := signalContext()
	defer cancel()

	built, err := config.Build(ctx, cfg, settings, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("assemble recipe %q: %v", recipeID, err), exitFailure)
	}
	defer func() { _ = built.Close() }()

	runID := uuid.NewString()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var hs *health.Server
	if settings.HealthAddr != "" {
		hs = health.NewServer(settings.HealthAddr, reg, logger)
		if err := hs.Start(); err != nil {
			return cli.Exit(fmt.Sprintf("start health server: %v", err), exitFailure)
		}
		hs.SetRun(recipeID, runID)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(shutdownCtx)
		}()
	}

	plan := &types.Plan{
		Recipe:      built.Recipe,
		Context:     types.NewRunContext(runID, built.App),
		Concurrency: settings.Concurrency,
	}

	f := fetcher.New(fetcher.WithLogger(logger), fetcher.WithMetrics(m))
	started := time.Now()
	result, runErr := f.Run(ctx, plan)

	if hs != nil {
		state := health.StateDone
		if runErr != nil {
			state = health.StateFailed
		}
		if result != nil {
			hs.SetProgress(result.Processed, len(result.Errors))
		}
		hs.SetState(state)
	}

	sugar := logger.Sugar()
	if result != nil {
		sugar.Infof("run %s finished: processed=%d errors=%d duration=%s",
			runID, result.Processed, len(result.Errors), time.Since(started).Round(time.Millisecond))
		for _, e := range result.Errors {
			logger.Warn("request error", zap.Error(e))
		}
	}
	if runErr != nil {
		return cli.Exit(fmt.Sprintf("run failed: %v", runErr), exitFailure)
	}
	if result != nil && len(result.Errors) > 0 {
		return cli.Exit(fmt.Sprintf("run finished with %d request errors", len(result.Errors)), exitFailure)
	}
	return cli.Exit("", exitSuccess)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
