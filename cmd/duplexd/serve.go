package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"duplex-rpc/config"
	"duplex-rpc/endpoint"
	"duplex-rpc/metrics"
	"duplex-rpc/registry"
	"duplex-rpc/server"
)

func serveCmd(flags *rootFlags) *cobra.Command {
	var (
		port        int
		host        string
		transport   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and serve requests",
		Long: `Start the duplex RPC server.

Every connection is assigned an identifier, probed on the heartbeat interval and, when
etcd endpoints are configured, published to the connection directory. The built-in
"echo" method answers with its params.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.EndpointPath = host
			}
			if cmd.Flags().Changed("transport") {
				cfg.Transport = transport
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Listen port")
	cmd.Flags().StringVar(&host, "host", config.DefaultEndpointPath, "Listen host")
	cmd.Flags().StringVar(&transport, "transport", config.TransportWebSocket, "Transport: websocket or tcp")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	m := metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace), metrics.WithSubsystem("server"))

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(m),
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		dir, err := registry.NewEtcdDirectory(cfg.Etcd.Endpoints, cfg.Etcd.TTL)
		if err != nil {
			return fmt.Errorf("connecting etcd: %w", err)
		}
		defer dir.Close()

		advertise := cfg.Etcd.Advertise
		if advertise == "" {
			advertise = cfg.Address()
		}
		opts = append(opts, server.WithDirectory(dir, advertise))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}
	srv.Handle("echo", func(_ context.Context, in *endpoint.Inbound) {
		in.Reply(in.Params)
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		if metricsSrv != nil {
			metricsSrv.Close()
		}
		return srv.Shutdown(cfg.ShutdownTimeout)
	})

	return g.Wait()
}
