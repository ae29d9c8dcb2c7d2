package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/clush"
	"github.com/Zereker/clush/internal/admin"
	"github.com/Zereker/clush/internal/config"
	"github.com/Zereker/clush/internal/logging"
	"github.com/Zereker/clush/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		databaseURL string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("addr") {
				cfg.ListenAddr = addr
			}
			if cmd.Flags().Changed("database") {
				cfg.DatabaseURL = databaseURL
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (overrides LISTEN_ADDR)")
	cmd.Flags().StringVarP(&databaseURL, "database", "d", "", "database url (overrides DATABASE_URL)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	return cmd
}

// openStore opens the configured store, wrapped in the Redis user cache
// when REDIS_URL is set.
func openStore(ctx context.Context, cfg *config.Config, logger clush.Logger) (store.DataStore, error) {
	ds, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL == "" {
		return ds, nil
	}

	client, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		ds.Close()
		return nil, err
	}
	return store.NewCache(ds, client, cfg.UserCacheTTL, logger), nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.Adapt(logging.New(os.Stdout, cfg.LogLevel, cfg.IsDevelopment()))

	ds, err := openStore(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer ds.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn("no DATABASE_URL set, using in-memory store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := clush.NewMetrics("clush", reg)

	hub := clush.NewHub(ds,
		clush.HubLoggerOption(logger),
		clush.HubMetricsOption(metrics),
		clush.HubConnOptions(
			clush.BufferSizeOption(cfg.SendBufferSize),
			clush.IdleTimeoutOption(cfg.IdleTimeout),
			clush.MessageMaxSize(cfg.MaxFrameSize),
		),
		clush.HubRouterOptions(
			clush.RouterQueueSizeOption(cfg.RouterQueueSize),
			clush.RouterDeliverTimeoutOption(cfg.DeliverTimeout),
		),
	)

	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", cfg.ListenAddr)
	}

	serverOpts := []clush.ServerOption{
		clush.ServerLoggerOption(logger),
		clush.ServerShutdownTimeoutOption(time.Second),
	}
	if cfg.TLSEnabled {
		tlsConfig, err := clush.LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, clush.ServerTLSOption(tlsConfig))
	}

	srv, err := clush.New(tcpAddr, serverOpts...)
	if err != nil {
		return err
	}
	defer srv.Close()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return hub.Run(gctx)
	})

	group.Go(func() error {
		return srv.Serve(gctx, hub)
	})

	if cfg.MetricsAddr != "" {
		httpSrv := admin.NewServer(cfg.MetricsAddr, admin.NewRouter(ds, hub.Registry(), reg))

		group.Go(func() error {
			logger.Info("admin server started", "addr", cfg.MetricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "admin server")
			}
			return nil
		})

		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}
