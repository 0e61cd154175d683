package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/app"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/config"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/events"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/storage/postgres"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/storage/tablestore"
	"github.com/cimillas/ultimate-ticket/services/tickets/migrations"
)

type ticketStore interface {
	app.TicketRepository
	Ping(ctx context.Context) error
}

// backends holds the store and the redelivery table. Redeliveries is nil when the
// store has no place to keep them.
type backends struct {
	tickets      ticketStore
	redeliveries app.RedeliveryRepository
	close        func()
}

func openBackends(ctx context.Context, migrate bool) (*backends, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := openPool(ctx)
		if err != nil {
			return nil, err
		}
		if migrate {
			applied, err := migrations.Apply(ctx, pool)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
		return &backends{
			tickets:      postgres.NewTicketRepository(pool),
			redeliveries: postgres.NewRedeliveryRepository(pool),
			close:        pool.Close,
		}, nil
	case config.StoreTables:
		store, err := tablestore.NewTicketStore(ctx, cfg.AzureStorageConnStr, cfg.TicketsTable)
		if err != nil {
			return nil, fmt.Errorf("open table store: %w", err)
		}
		logger.Warn("redelivery disabled for table store; unpublished events are only logged")
		return &backends{tickets: store, close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

// openPublisher returns the configured ticket event publisher and a closer for its
// connection.
func openPublisher() (app.EventPublisher, io.Closer, error) {
	switch cfg.EventBus {
	case config.BusKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, nil, errors.New("no kafka brokers configured")
		}
		pub := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.TicketEventsTopic))
		return pub, pub, nil
	case config.BusRedis:
		opts, err := events.RedisOptions(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis options: %w", err)
		}
		client := redis.NewClient(opts)
		return events.NewStreamPublisher(client, cfg.RedisStream, events.WithMaxLen(100000)), client, nil
	case config.BusAzQueue:
		pub, err := events.NewQueuePublisher(cfg.AzureStorageConnStr, cfg.TicketEventsQueue)
		if err != nil {
			return nil, nil, fmt.Errorf("open queue: %w", err)
		}
		return pub, nopCloser{}, nil
	case config.BusMemory:
		logger.Warn("EVENT_BUS=memory keeps ticket events in process; nothing leaves this node")
		return events.NewRecorder(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown event bus %q", cfg.EventBus)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
