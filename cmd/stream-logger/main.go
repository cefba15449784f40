// Command stream-logger records every entry on the traffic streams into the
// audit database and serves reports over it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"practice-bridge/internal/auditlog"
	"practice-bridge/internal/config"
	"practice-bridge/internal/health"
	"practice-bridge/internal/observability/logging"
	"practice-bridge/internal/observability/metrics"
	"practice-bridge/internal/serverutil"
	"practice-bridge/internal/storage"
	"practice-bridge/internal/streams"
)

const (
	applicationName = "stream-logger"
	hubBuffer       = 256
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	envFile        string
	logLevel       string
	databaseDriver string
	databaseURL    string
}

// load reads configuration and applies command line overrides.
func (g *globalFlags) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.Options{EnvFile: g.envFile})
	if err != nil {
		return config.Config{}, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.databaseDriver != "" {
		cfg.Logger.DatabaseDriver = g.databaseDriver
	}
	if g.databaseURL != "" {
		cfg.Logger.DatabaseURL = g.databaseURL
	}
	logger := logging.WithComponent(logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}), applicationName)
	return cfg, logger, nil
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          applicationName,
		Short:        "Audit the bridge traffic streams",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional env file loaded before the process environment")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.databaseDriver, "database-driver", "", "audit database driver (postgres or sqlite)")
	root.PersistentFlags().StringVar(&flags.databaseURL, "database-url", "", "Postgres DSN or SQLite path")

	serve := newServeCommand(flags)
	root.AddCommand(serve)
	root.AddCommand(newReportCommand(flags, stdout))
	root.AddCommand(newMessagesCommand(flags, stdout))
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var healthAddr, startFrom string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Tail the streams into the audit database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if healthAddr != "" {
				cfg.Logger.HealthAddr = healthAddr
			}
			if startFrom != "" {
				cfg.Logger.StartFrom = startFrom
			}
			if err := cfg.ValidateLogger(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger, nil)
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "health and query listener address override")
	cmd.Flags().StringVar(&startFrom, "start-from", "", `initial stream cursor: "$" for new entries only, "0" for full history`)
	return cmd
}

func newReportCommand(flags *globalFlags, stdout io.Writer) *cobra.Command {
	var asJSON bool
	var lang string
	cmd := &cobra.Command{
		Use:   "report [YYYY-MM-DD|today|yesterday]",
		Short: "Print the daily report for a UTC day",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			}
			day, err := auditlog.ParseReportDate(raw)
			if err != nil {
				return err
			}
			tag, err := language.Parse(lang)
			if err != nil {
				return fmt.Errorf("invalid --lang: %w", err)
			}
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateReport(); err != nil {
				return err
			}
			return withStore(cmd.Context(), cfg, func(store storage.Store) error {
				report, err := store.DailyReport(cmd.Context(), day)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}
				return auditlog.RenderReport(stdout, report, tag)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().StringVar(&lang, "lang", "en", "BCP 47 language tag used for number formatting")
	return cmd
}

func newMessagesCommand(flags *globalFlags, stdout io.Writer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages STREAM",
		Short: "Print the newest audited entries of a stream as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateReport(); err != nil {
				return err
			}
			return withStore(cmd.Context(), cfg, func(store storage.Store) error {
				msgs, err := store.ListMessages(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(stdout)
				for _, msg := range msgs {
					if err := enc.Encode(msg); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	return storage.Open(ctx, storage.Config{
		Driver:          cfg.Logger.DatabaseDriver,
		URL:             cfg.Logger.DatabaseURL,
		ApplicationName: applicationName,
	})
}

func withStore(ctx context.Context, cfg config.Config, fn func(storage.Store) error) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)
	return fn(store)
}

func closeStore(store storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = store.Close(ctx)
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, onListen func(net.Addr)) error {
	client, err := streams.New(cfg.Redis.StreamClient(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)

	tail, err := client.Tail(streams.TailConfig{
		Streams:   cfg.Logger.Streams,
		StartFrom: cfg.Logger.StartFrom,
		Count:     cfg.Logger.BatchSize,
		Block:     cfg.Logger.BlockTimeout,
	})
	if err != nil {
		return err
	}

	recorder := metrics.Default()
	hub := auditlog.NewHub(hubBuffer)
	auditor, err := auditlog.New(auditlog.Config{
		Roles: auditlog.Roles{
			Request:  cfg.Logger.RequestStream,
			Response: cfg.Logger.ResponseStream,
			Status:   cfg.Logger.StatusStream,
			Activity: cfg.Logger.ActivityStreams,
		},
		StreamStore: client,
		Hub:         hub,
		Logger:      logger,
		Metrics:     recorder,
	}, tail, store)
	if err != nil {
		return err
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = auditor.Initialize(initCtx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("stream logger initialised",
		"streams", cfg.Logger.Streams,
		"database_driver", cfg.Logger.DatabaseDriver,
		"start_from", cfg.Logger.StartFrom)

	mux := health.NewMux(health.Config{
		Reporter: auditor,
		Probes: []health.Probe{
			{Name: "redis", Check: client.Ping},
			{Name: "database", Check: store.Ping},
		},
		Metrics: recorder,
		Logger:  logger,
	})
	auditlog.Register(mux, auditlog.HTTPConfig{Store: store, Hub: hub, Logger: logger})
	server := &http.Server{
		Addr:              cfg.Logger.HealthAddr,
		Handler:           health.Wrap(mux, recorder, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer hub.Close()
		return auditor.Run(gctx)
	})
	g.Go(func() error {
		return serverutil.Run(gctx, serverutil.Config{
			Server: server,
			OnListen: func(addr net.Addr) {
				logger.Info("health listener started", "addr", addr.String())
				if onListen != nil {
					onListen(addr)
				}
			},
		})
	})
	return g.Wait()
}
