// Command request-worker drains the request stream, calls the practice API and
// publishes one correlated response per request.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"practice-bridge/internal/config"
	"practice-bridge/internal/health"
	"practice-bridge/internal/observability/logging"
	"practice-bridge/internal/observability/metrics"
	"practice-bridge/internal/practiceapi"
	"practice-bridge/internal/serverutil"
	"practice-bridge/internal/streams"
	"practice-bridge/internal/worker"
)

type options struct {
	tls      serverutil.TLSConfig
	onListen func(net.Addr)
}

func main() {
	envFile := flag.String("env-file", ".env", "optional env file loaded before the process environment")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	healthAddr := flag.String("health-addr", "", "health listener address override")
	group := flag.String("group", "", "consumer group name; empty tails the request stream from now")
	maxInFlight := flag.Int64("max-in-flight", 0, "maximum concurrent practice API calls")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate for the health listener")
	tlsKey := flag.String("tls-key", "", "path to TLS private key for the health listener")
	flag.Parse()

	cfg, err := config.Load(config.Options{EnvFile: *envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "request-worker: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *healthAddr != "" {
		cfg.Worker.HealthAddr = *healthAddr
	}
	if *group != "" {
		cfg.Worker.Group = *group
	}
	if *maxInFlight > 0 {
		cfg.Worker.MaxInFlight = *maxInFlight
	}

	logger := logging.WithComponent(logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}), "request-worker")
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, options{tls: serverutil.TLSConfig{CertFile: *tlsCert, KeyFile: *tlsKey}}); err != nil {
		logger.Error("request worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, opts options) error {
	client, err := streams.New(cfg.Redis.StreamClient(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(cfg.Redis.DialTimeout))
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect stream store: %w", err)
	}

	reader, err := newReader(client, cfg.Worker)
	if err != nil {
		return err
	}
	if group, ok := reader.(*streams.GroupReader); ok {
		logger.Info("consumer group reader", "group", cfg.Worker.Group, "consumer", group.Consumer(), "claim_idle", cfg.Worker.ClaimIdle.String())
	}

	api, err := practiceapi.New(practiceapi.Config{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Timeout: cfg.API.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	logger.Info("practice api configured", "base_url", cfg.API.BaseURL, "key_fingerprint", api.KeyFingerprint(), "timeout", api.Timeout().String())

	recorder := metrics.Default()
	w, err := worker.New(worker.Config{
		ResponseStream: cfg.Worker.ResponseStream,
		StatusStream:   cfg.Worker.StatusStream,
		Timeout:        api.Timeout(),
		MaxInFlight:    cfg.Worker.MaxInFlight,
		ResponseMaxLen: cfg.Worker.ResponseMaxLen,
		Logger:         logger,
		Metrics:        recorder,
	}, reader, client, api)
	if err != nil {
		return err
	}

	mux := health.NewMux(health.Config{
		Reporter: w,
		Probes:   []health.Probe{{Name: "redis", Check: client.Ping}},
		Metrics:  recorder,
		Logger:   logger,
	})
	server := &http.Server{
		Addr:              cfg.Worker.HealthAddr,
		Handler:           health.Wrap(mux, recorder, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The health listener outlives the read loop so in-flight requests drain
	// while probes still answer.
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopServer()
		return w.Run(gctx)
	})
	g.Go(func() error {
		return serverutil.Run(serverCtx, serverutil.Config{
			Server: server,
			TLS:    opts.tls,
			OnListen: func(addr net.Addr) {
				logger.Info("health listener started", "addr", addr.String())
				if opts.onListen != nil {
					opts.onListen(addr)
				}
			},
		})
	})
	return g.Wait()
}

func newReader(client *streams.Client, cfg config.WorkerConfig) (worker.Reader, error) {
	if cfg.Group != "" {
		return client.Group(streams.GroupConfig{
			Stream:    cfg.RequestStream,
			Group:     cfg.Group,
			Consumer:  cfg.Consumer,
			Count:     cfg.BatchSize,
			Block:     cfg.BlockTimeout,
			ClaimIdle: cfg.ClaimIdle,
		})
	}
	return client.Tail(streams.TailConfig{
		Streams:   []string{cfg.RequestStream},
		StartFrom: streams.StartLatest,
		Count:     cfg.BatchSize,
		Block:     cfg.BlockTimeout,
	})
}

func connectTimeout(dial time.Duration) time.Duration {
	if dial <= 0 {
		return 5 * time.Second
	}
	return dial
}
