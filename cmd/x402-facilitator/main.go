// Package main runs the x402 facilitator: verify, settle and status over HTTP,
// with optional MCP tools and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mark3labs/x402-gate/facilitator"
	ginx402 "github.com/mark3labs/x402-gate/http/gin"
	"github.com/mark3labs/x402-gate/internal/config"
	"github.com/mark3labs/x402-gate/internal/otel"
	"github.com/mark3labs/x402-gate/ledger"
	mcpx402 "github.com/mark3labs/x402-gate/mcp/server"
)

const (
	serviceName = "x402-facilitator"
	version     = "0.1.0"

	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("facilitator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := otel.Setup(ctx, serviceName, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	endpoint, err := cfg.Endpoint()
	if err != nil {
		return err
	}
	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	if c := cfg.BroadcastOptions().Commitment; c != "" {
		ledgerOpts = append(ledgerOpts, ledger.WithCommitment(c))
	}
	l, err := ledger.NewRPC(endpoint, ledgerOpts...)
	if err != nil {
		return fmt.Errorf("create ledger client: %w", err)
	}

	feePayer, err := cfg.FeePayer()
	if err != nil {
		return fmt.Errorf("load fee payer: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fac, err := facilitator.New(l,
		facilitator.WithNetwork(cfg.Network),
		facilitator.WithCacheConfig(cfg.Cache()),
		facilitator.WithTimeouts(cfg.Timeouts()),
		facilitator.WithFeePayer(feePayer),
		facilitator.WithBroadcastOptions(cfg.BroadcastOptions()),
		facilitator.WithBalanceCheck(cfg.BalanceCheck),
		facilitator.WithMetrics(reg),
		facilitator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create facilitator: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := ginx402.NewRouter(fac,
		ginx402.WithLogger(logger),
		ginx402.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	)

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.VerifyTimeout,
		WriteTimeout:      cfg.RequestTimeout,
	}}

	if cfg.MCPAddr != "" {
		mcpServer, err := mcpx402.NewX402Server(serviceName, version, mcpx402.Config{
			Facilitator: fac,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("create mcp server: %w", err)
		}
		servers = append(servers, &http.Server{
			Addr:              cfg.MCPAddr,
			Handler:           mcpServer.Handler(),
			ReadHeaderTimeout: cfg.VerifyTimeout,
		})
	}

	logger.Info("starting facilitator",
		"addr", cfg.Addr,
		"mcp_addr", cfg.MCPAddr,
		"network", cfg.Network,
		"rpc", endpoint,
		"co_signing", feePayer != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := fac.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		logger.Info("facilitator shut down")
		return errors.Join(errs...)
	})
	return g.Wait()
}
