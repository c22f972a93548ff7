package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"obddash/internal/adapters/httpapi"
	"obddash/internal/auth"
	"obddash/internal/config"
	"obddash/internal/core"
	"obddash/internal/importer"
	"obddash/internal/ingest"
	"obddash/internal/live"
	"obddash/internal/metrics"
	"obddash/internal/reports"
	"obddash/pkg/domain"
)

const mqttConnectTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MQTT ingestion, import watcher and report worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServe(cmd.Context(), cfg, log, nil)
		},
	}
}

// runServe blocks until ctx ends or a component fails. A non-nil listening
// channel receives the bound address once the listener is open.
func runServe(ctx context.Context, cfg config.Config, log *zap.Logger, listening chan<- string) error {
	store, err := openStore(ctx, cfg.Storage, cfg.Storage.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()
	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	sessions, closeSessions, err := openSessions(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	defer func() { _ = closeSessions() }()
	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret: []byte(cfg.Auth.JWTSecret),
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}

	reg := metrics.New()
	hub := live.NewHub(log)
	defer hub.Close()
	svcOpts := []core.Option{core.WithMetricsRecorder(reg), core.WithReadingSink(hub)}
	relay := &commandRelay{}
	if cfg.MQTT.Enabled {
		svcOpts = append(svcOpts, core.WithCommandPublisher(relay))
	}
	svc := newService(store, cfg, log, svcOpts...)

	if cfg.Auth.AdminEmail != "" {
		user, created, err := svc.BootstrapAdmin(ctx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			log.Info("created bootstrap admin", zap.String("email", user.Email))
		}
	}

	imp := importer.New(svc, log, reg)
	worker := reports.NewWorker(svc, blobs, log, reports.WithRecorder(reg))
	worker.Start()

	handler := httpapi.NewHandler(httpapi.Config{
		Service:        svc,
		Auth:           auth.NewManager(tokens, sessions, log),
		Hub:            hub,
		Importer:       imp,
		Reports:        worker,
		Metrics:        reg,
		Log:            log,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Ready: func(ctx context.Context) error {
			_, err := store.MigrationStatus(ctx)
			return err
		},
	})
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		stopWorker(worker, cfg.Server.ShutdownTimeout, log)
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if listening != nil {
			listening <- ln.Addr().String()
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		return errors.Join(err, worker.Stop(shutdownCtx))
	})
	if cfg.MQTT.Enabled {
		sub := ingest.NewSubscriber(svc, ingestConfig(cfg.MQTT, ""), log, ingest.WithRecorder(reg))
		topics := ingest.Topics{Prefix: cfg.MQTT.TopicPrefix}
		g.Go(func() error {
			return sub.Run(gctx, func(client mqtt.Client) {
				relay.set(ingest.NewPublisher(client, topics, cfg.MQTT.QoS))
			})
		})
	}
	if cfg.Import.WatchDir != "" {
		w := importer.NewWatcher(cfg.Import.WatchDir, imp, svc, log, 0)
		g.Go(func() error { return w.Run(gctx) })
	}
	if cfg.Retention.Readings > 0 {
		g.Go(func() error {
			pruneReadings(gctx, svc, cfg.Retention, log)
			return nil
		})
	}
	err = g.Wait()
	log.Info("server stopped", zap.Error(err))
	return err
}

func stopWorker(w *reports.Worker, timeout time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		log.Warn("stop report worker", zap.Error(err))
	}
}

// pruneReadings deletes expired telemetry on every retention interval.
func pruneReadings(ctx context.Context, svc *core.Service, cfg config.Retention, log *zap.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		removed, err := svc.PruneReadings(ctx, cfg.Readings)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("prune readings", zap.Error(err))
		case removed > 0:
			log.Info("pruned readings", zap.Int64("removed", removed), zap.Duration("older_than", cfg.Readings))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// errNotConnected is returned for commands issued before the broker connects.
var errNotConnected = errors.New("mqtt client not connected")

// commandRelay forwards agent commands once the subscriber's client is up.
type commandRelay struct {
	pub atomic.Pointer[ingest.Publisher]
}

func (r *commandRelay) set(p *ingest.Publisher) { r.pub.Store(p) }

func (r *commandRelay) PublishCommand(ctx context.Context, vehicle domain.Vehicle, cmd core.Command) error {
	p := r.pub.Load()
	if p == nil {
		return errNotConnected
	}
	return p.PublishCommand(ctx, vehicle, cmd)
}
