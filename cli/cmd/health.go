package cmd

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dredge/health"
	"github.com/pithecene-io/dredge/log"
	"github.com/pithecene-io/dredge/metrics"
)

// DefaultHealthAddr is the standalone health server bind address.
const DefaultHealthAddr = ":8080"

// HealthCommand returns the standalone health server command. It serves
// /health, /status, /heartbeat, and /metrics until interrupted.
func HealthCommand() *cli.Command {
	return &cli.Command{
		Name:   "health",
		Usage:  "Serve the health and metrics HTTP endpoints",
		Flags:  []cli.Flag{healthAddrFlag, logLevelFlag},
		Action: healthAction,
	}
}

func healthAction(c *cli.Context) error {
	logger, err := log.New(c.String("log-level"))
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = logger.Sync() }()

	addr := c.String("health-addr")
	if addr == "" {
		addr = DefaultHealthAddr
	}

	reg := prometheus.NewRegistry()
	metrics.New(reg)

	hs := health.NewServer(addr, reg, logger)
	if err := hs.Start(); err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	return cli.Exit("", exitSuccess)
}
