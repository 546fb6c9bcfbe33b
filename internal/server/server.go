// Package server provides functionalities to start and manage the server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"resumable/internal/config"
	"resumable/internal/expiration"
	"resumable/internal/tus"
	"resumable/pkg/filestore"
	"resumable/pkg/logger"
	"resumable/pkg/s3store"
	"resumable/pkg/sqlite"
	"resumable/pkg/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// OpenEngine initializes the storage driver selected by cfg.
func OpenEngine(ctx context.Context, cfg *config.Config) (storage.Engine, error) {
	var (
		engine storage.Engine
		param  any
	)
	switch cfg.Storage.Driver {
	case config.DriverFilesystem:
		engine = &filestore.Storage{}
		param = filestore.Config{Dir: cfg.Storage.Dir}
	case config.DriverSQLite:
		engine = &sqlite.Storage{}
		param = sqlite.Config{
			Source:    cfg.SQLite.Source,
			Driver:    cfg.SQLite.Driver,
			Prefix:    cfg.SQLite.Prefix,
			ChunkSize: cfg.SQLite.ChunkSize,
		}
	case config.DriverS3:
		engine = &s3store.Storage{}
		param = s3store.Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKey:       cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			UsePathStyle:    cfg.S3.PathStyle,
			Concurrency:     cfg.S3.Concurrency,
		}
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	if err := engine.Init(ctx, param); err != nil {
		return nil, err
	}
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("storage engine ready")
	return engine, nil
}

// Server serves the upload protocol next to /ping and /metrics.
type Server struct {
	engine  storage.Engine
	sweeper *expiration.Sweeper
	handler http.Handler
}

// New wires engine into a protocol handler with periodic expiration.
func New(cfg *config.Config, engine storage.Engine) *Server {
	sweeper := expiration.New(engine, cfg.ExpirationInterval, cfg.Expiration)

	handlerCfg := cfg.Handler()
	handlerCfg.Sweeper = sweeper
	uploads := tus.New(engine, handlerCfg)

	// Mux definition start
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	base := uploads.BasePath()
	handle(mux, base, uploads, recoverer, requestLogger, sentryMiddleware, instrument)
	handle(mux, base+"/", uploads, recoverer, requestLogger, sentryMiddleware, instrument)
	// Mux definition end

	return &Server{engine: engine, sweeper: sweeper, handler: mux}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on lis until ctx is done, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// requests outlive the shutdown signal until they are drained
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", lis.Addr().String()).Msg("starting server")
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ListenAndServe listens on port and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Close waits for background sweeps and releases the engine.
func (s *Server) Close(ctx context.Context) error {
	s.sweeper.Wait()
	return s.engine.Close(ctx)
}
