package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"

	"github.com/nfcpay/cardledger/internal/config"
	"github.com/nfcpay/cardledger/internal/ledger"
	"github.com/nfcpay/cardledger/internal/metrics"
	"github.com/nfcpay/cardledger/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app     *fiber.App
	cfg     config.Config
	logger  *slog.Logger
	ledger  *ledger.Service
	river   *river.Client[pgx.Tx]
	closers []func(context.Context) error
}

// New instantiates the ledger, its event delivery and the HTTP server, and
// delegates route wiring to routes.Setup. db and cache may be nil in
// development.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	m := metrics.New()
	s := &Server{cfg: cfg, logger: logger}

	svc, err := s.buildLedger(cfg, db, cache, m)
	if err != nil {
		_ = s.close(context.Background())
		return nil, err
	}
	s.ledger = svc

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	if err := routes.Setup(s.app, routes.Deps{
		Cfg:     cfg,
		DB:      db,
		Cache:   cache,
		Logger:  logger,
		Metrics: m,
		Ledger:  svc,
	}); err != nil {
		_ = s.close(context.Background())
		return nil, err
	}

	return s, nil
}

// App exposes the Fiber application, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Ledger exposes the ledger service, for tests and tooling.
func (s *Server) Ledger() *ledger.Service {
	return s.ledger
}

// Listen starts background event delivery and then the HTTP server.
func (s *Server) Listen(ctx context.Context) error {
	if s.river != nil {
		if err := s.river.Start(ctx); err != nil {
			return fmt.Errorf("start river: %w", err)
		}
	}
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then drains event delivery.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if s.river != nil {
		if rerr := s.river.Stop(ctx); rerr != nil {
			err = errors.Join(err, fmt.Errorf("stop river: %w", rerr))
		}
	}
	return errors.Join(err, s.close(ctx))
}

func (s *Server) close(ctx context.Context) error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, s.closers[i](ctx))
	}
	s.closers = nil
	return err
}
