package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/run"
	"github.com/barcode-identifier/barrel/internal/fasta"
	"github.com/barcode-identifier/barrel/internal/handler"
	"github.com/barcode-identifier/barrel/pkg/health"
	"github.com/barcode-identifier/barrel/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and, when configured,
// an embedded BLAST worker, and handles graceful shutdown. It is the single
// wiring point for the API server.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("queue", cfg.Queue.Backend),
		zap.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	d, err := newDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	healthSvc := newHealth(cfg, d)

	// Domain services.
	authSvc := auth.NewService(d.users, []byte(cfg.SecretKey), cfg.TokenTTL)
	librarySvc := library.NewService(d.libs, d.seqs, d.users, d.newFetcher(cfg, m), d.runner)
	runSvc := run.NewService(d.runs, librarySvc, d.queue, d.runner, fasta.Limits{
		MaxRecords: cfg.Limits.MaxQuerySequences,
		MaxLength:  cfg.Limits.MaxQueryLength,
	})

	h := handler.New(handler.Config{MaxUploadBytes: cfg.MaxUpload}, authSvc, librarySvc, runSvc)
	e := h.Echo()
	routeFinder := httpmiddleware.RouteFinder(handler.RouteFinder(e))

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.Live)
	mux.HandleFunc("/readyz", healthSvc.Ready)
	if fi, err := os.Stat(cfg.StaticDir); err == nil && fi.IsDir() {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir))))
	}
	mux.Handle("/api/", e)

	server := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		// Version creation downloads from GenBank and runs makeblastdb
		// within the request.
		WriteTimeout:   15 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.AllowedHosts(cfg.AllowedHosts),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:     cfg.CORS.Origins,
				Credentials: cfg.CORS.AllowCredentials,
				MaxAge:      cfg.CORS.MaxAge,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("barrel-api", routeFinder, m.MeterProvider(), m.TracerProvider()),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Worker.Embedded {
		w, err := d.newWorker(cfg, m)
		if err != nil {
			return errors.Wrap(err, "create worker")
		}
		g.Go(func() error {
			return w.Run(zctx.With(gctx, zap.String("component", "worker")))
		})
	}

	healthSvc.Start(gctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// RunWorker consumes the job queue until ctx is cancelled. Health endpoints are served
// on cfg.Addr.
func RunWorker(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing worker",
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	d, err := newDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	w, err := d.newWorker(cfg, m)
	if err != nil {
		return errors.Wrap(err, "create worker")
	}

	healthSvc := newHealth(cfg, d)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.Live)
	mux.HandleFunc("/readyz", healthSvc.Ready)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	healthSvc.Start(gctx, 10*time.Second)
	healthSvc.SetReady(true)

	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Health server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "health server")
		}
		return nil
	})
	return g.Wait()
}

func newHealth(cfg *Config, d *deps) *health.Health {
	h := health.New()
	h.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))
	h.Add(health.Readiness, "postgres", 5*time.Second, health.PingCheck(d.pool))
	h.Add(health.Readiness, "queue", 5*time.Second, health.QueueDepthCheck(d.queue.Depth, cfg.Queue.MaxDepth))
	h.Add(health.Readiness, "blast", time.Second, health.BinaryCheck(d.runner.Binaries()...))
	h.Add(health.Readiness, "data_dir", time.Second, health.DirWritableCheck(cfg.DataDir))
	return h
}
