package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/nfcpay/cardledger/internal/config"
	"github.com/nfcpay/cardledger/internal/events"
	"github.com/nfcpay/cardledger/internal/ledger"
	"github.com/nfcpay/cardledger/internal/lock"
	"github.com/nfcpay/cardledger/internal/metrics"
	"github.com/nfcpay/cardledger/internal/notification"
)

const (
	redisLockLease   = 10 * time.Second
	eventWorkers     = 5
	eventBufferInMem = 256
)

// buildLedger picks the store, locker and event path for the available
// backends. With Postgres, events are enqueued as River jobs in the commit
// transaction; without it they go through an in-process dispatcher.
func (s *Server) buildLedger(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, m *metrics.Metrics) (*ledger.Service, error) {
	publisher, err := s.buildPublisher(cfg)
	if err != nil {
		return nil, err
	}
	deliverer := events.NewDeliverer(publisher, notification.NewLoggerNotifier(s.logger), m, s.logger)

	var locker lock.Locker
	if cfg.UsesRedisLocks() && cache != nil {
		locker = lock.NewRedisLocker(cache, redisLockLease, cfg.CardLockTimeout, lock.WithRedisWaitObserver(m.ObserveLockWait))
	} else {
		locker = lock.NewKeyedMutex(cfg.CardLockTimeout, lock.WithWaitObserver(m.ObserveLockWait))
	}

	engine := ledger.NewEngine(ledger.Policy{
		Location:           cfg.LedgerLocation,
		MaxTopUp:           cfg.MaxTopUpAmount,
		AllowInactiveTopUp: cfg.AllowInactiveTopUp,
		RequirePurchasePIN: cfg.RequirePurchasePIN,
	})
	opts := []ledger.ServiceOption{
		ledger.WithMetrics(m),
		ledger.WithDefaults(ledger.Defaults{Currency: cfg.DefaultCurrency, DailyLimit: cfg.DefaultDailyLimit}),
	}

	var store ledger.Store
	if db != nil {
		pg := ledger.NewPostgresStore(db)

		workers := river.NewWorkers()
		river.AddWorker(workers, events.NewDeliverEventWorker(deliverer))
		client, err := river.NewClient(riverpgxv5.New(db), &river.Config{
			Queues:  events.Queues(eventWorkers),
			Workers: workers,
			Logger:  s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("river client: %w", err)
		}
		s.river = client
		pg.OnCommit(events.EnqueueHook(client, cfg.LowBalanceThreshold))
		store = pg
	} else {
		store = ledger.NewMemoryStore()
		dispatcher := events.NewAsyncDispatcher(deliverer, cfg.LowBalanceThreshold, eventBufferInMem, s.logger)
		s.closers = append(s.closers, func(context.Context) error {
			dispatcher.Close()
			return nil
		})
		opts = append(opts, ledger.WithDispatcher(dispatcher))
		s.logger.Warn("DATABASE_URL not set: using in-memory card store")
	}

	return ledger.NewService(store, locker, engine, s.logger, opts...), nil
}

func (s *Server) buildPublisher(cfg config.Config) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLogPublisher(s.logger), nil
	}
	producer, err := events.NewKafkaProducer(cfg.KafkaBrokers)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	publisher := events.NewKafkaPublisher(producer, cfg.KafkaTopic)
	s.closers = append(s.closers, func(context.Context) error { return publisher.Close() })
	return publisher, nil
}
