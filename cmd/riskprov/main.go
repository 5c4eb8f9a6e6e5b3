// Command riskprov correlates trade and counterparty events and forwards the
// provenance of the derived risk records to a graph store.
//
// It is configured entirely through RISKPROV_* environment variables; see
// package internal/config. Channels are gocloud.dev/pubsub URLs. This build
// registers the in-memory driver (mem://); deployments register their broker
// driver with a blank import next to it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/riskprov"
	"github.com/go-digitaltwin/riskprov/internal/config"
	"github.com/go-digitaltwin/riskprov/internal/telemetry"
	"github.com/go-digitaltwin/riskprov/neo4jengine"
	"github.com/go-digitaltwin/riskprov/sink"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "riskprov:", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := run(cfg, logger); err != nil {
		logger.Error("Exiting after a fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

// run serves until SIGINT or SIGTERM. Once signalled, it stops receiving and
// allows in-flight work cfg.ShutdownTimeout to complete.
func run(cfg config.Config, logger *slog.Logger) error {
	recv, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	work, cancelWork := context.WithCancel(component.InjectLogger(context.Background(), logger))
	defer cancelWork()
	context.AfterFunc(recv, func() {
		logger.Info("Shutting down...", slog.Duration("timeout", cfg.ShutdownTimeout))
		time.AfterFunc(cfg.ShutdownTimeout, cancelWork)
	})
	recv = component.InjectLogger(recv, logger)

	shutdownTelemetry, err := telemetry.Setup(work, "riskprov", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Error("Failed to flush telemetry", slog.Any("error", err))
		}
	}()

	// The prov topic is opened before its subscription: in-memory
	// subscriptions attach to an already open topic.
	prov, err := pubsub.OpenTopic(work, cfg.ProvTopicURL)
	if err != nil {
		return fmt.Errorf("open prov topic: %w", err)
	}
	defer shutdown(logger, "prov topic", prov.Shutdown)

	trades, err := pubsub.OpenSubscription(work, cfg.TradesURL)
	if err != nil {
		return fmt.Errorf("open trades subscription: %w", err)
	}
	defer shutdown(logger, "trades subscription", trades.Shutdown)

	counterparties, err := pubsub.OpenSubscription(work, cfg.CounterpartiesURL)
	if err != nil {
		return fmt.Errorf("open counterparties subscription: %w", err)
	}
	defer shutdown(logger, "counterparties subscription", counterparties.Shutdown)

	s, closeSink, err := openSink(work, cfg)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer closeSink()

	procs := []procedure{riskprov.NewCorrelator(trades, counterparties, prov, cfg.Correlator())}
	if s != nil {
		provSub, err := pubsub.OpenSubscription(work, cfg.ProvSubscriptionURL)
		if err != nil {
			return fmt.Errorf("open prov subscription: %w", err)
		}
		defer shutdown(logger, "prov subscription", provSub.Shutdown)

		procs = append(procs, sink.NewForwarder(provSub, s, cfg.Forwarder()))
	} else {
		logger.Warn("No sink configured, provenance documents are only published", slog.String("topic", cfg.ProvTopicURL))
	}

	logger.Info("riskprov is running", slog.String("sink", cfg.Sink), slog.Int("shards", cfg.Shards), slog.Duration("window", cfg.Window))
	return serve(recv, work, procs...)
}

// A procedure receives until recv is done and finishes its work under work.
type procedure interface {
	Run(recv, work context.Context) error
}

// serve runs procs until recv is done. The first procedure to fail stops the
// others from receiving, and serve returns its error once all have returned.
func serve(recv, work context.Context, procs ...procedure) error {
	g, recv := errgroup.WithContext(recv)
	for _, p := range procs {
		g.Go(func() error { return p.Run(recv, work) })
	}
	return g.Wait()
}

// openSink returns the configured sink, or nil when there is none, along with
// a function releasing its resources.
func openSink(ctx context.Context, cfg config.Config) (sink.Sink, func(), error) {
	nothing := func() {}
	switch cfg.Sink {
	case config.SinkHTTP:
		return sink.NewGraphStore(cfg.SinkEndpoint, nil), nothing, nil
	case config.SinkNeo4j:
		auth := neo4j.NoAuth()
		if cfg.Neo4jUsername != "" {
			auth = neo4j.BasicAuth(cfg.Neo4jUsername, cfg.Neo4jPassword, "")
		}
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, auth)
		if err != nil {
			return nil, nothing, fmt.Errorf("neo4j driver: %w", err)
		}
		closeDriver := func() {
			if err := driver.Close(context.Background()); err != nil {
				component.Logger(ctx).Error("Failed to close neo4j driver", slog.Any("error", err))
			}
		}
		if err := neo4jengine.BootstrapDatabase(ctx, driver, cfg.Neo4jDatabase); err != nil {
			closeDriver()
			return nil, nothing, fmt.Errorf("bootstrap neo4j database: %w", err)
		}
		return neo4jengine.NewStore(driver, cfg.Neo4jDatabase), closeDriver, nil
	case config.SinkNone:
		return nil, nothing, nil
	}
	return nil, nothing, errors.New("unknown sink " + cfg.Sink)
}

func shutdown(logger *slog.Logger, what string, fn func(context.Context) error) {
	if err := fn(context.Background()); err != nil {
		logger.Error("Failed to shut down "+what, slog.Any("error", err))
	}
}
