package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	"github.com/felixgeelhaar/slotwise/internal/booking/infrastructure/hold"
	"github.com/felixgeelhaar/slotwise/internal/booking/infrastructure/persistence"
	"github.com/felixgeelhaar/slotwise/internal/deadletter"
	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/queue/redisq"
	"github.com/felixgeelhaar/slotwise/internal/queue/sqlq"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
)

// Queue backend names accepted by QUEUE_BACKEND.
const (
	QueueBackendSQL    = "sql"
	QueueBackendRedis  = "redis"
	QueueBackendMemory = "memory"
)

// RepositoryFactory creates the storage adapters over one database
// connection and an optional Redis client.
type RepositoryFactory struct {
	conn   database.Connection
	redis  redis.UniversalClient
	prefix string
}

// NewRepositoryFactory creates a factory. client may be nil.
func NewRepositoryFactory(conn database.Connection, client redis.UniversalClient, keyPrefix string) *RepositoryFactory {
	return &RepositoryFactory{conn: conn, redis: client, prefix: keyPrefix}
}

// Driver returns the database driver the factory builds for.
func (f *RepositoryFactory) Driver() database.Driver {
	return f.conn.Driver()
}

// BookingRepository returns the booking store.
func (f *RepositoryFactory) BookingRepository() domain.Repository {
	return persistence.NewSQLBookingRepository(f.conn)
}

// DeadLetterStore returns the dead-letter store.
func (f *RepositoryFactory) DeadLetterStore(logger *slog.Logger) *deadletter.Store {
	return deadletter.NewStore(f.conn, logger)
}

// LedgerRepository returns the error ledger store.
func (f *RepositoryFactory) LedgerRepository() ledger.Repository {
	return ledger.NewSQLRepository(f.conn)
}

// UnitOfWork returns a unit of work over the connection.
func (f *RepositoryFactory) UnitOfWork() *database.UnitOfWork {
	return database.NewUnitOfWork(f.conn)
}

// QueueBackend returns the job store named by kind.
func (f *RepositoryFactory) QueueBackend(kind string) (queue.Backend, error) {
	switch kind {
	case QueueBackendSQL, "":
		return sqlq.New(f.conn), nil
	case QueueBackendRedis:
		if f.redis == nil {
			return nil, fmt.Errorf("queue backend %q requires a Redis connection", kind)
		}
		return redisq.New(f.redis, f.prefix), nil
	case QueueBackendMemory:
		return queue.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", kind)
	}
}

// SlotHold returns the advisory slot hold. Without Redis, or when holds
// are disabled, every acquire succeeds and the unique constraint alone
// decides.
func (f *RepositoryFactory) SlotHold(enabled bool, ttl time.Duration) commands.SlotHold {
	if !enabled || f.redis == nil {
		return hold.Noop{}
	}
	return hold.NewRedisHold(f.redis, f.prefix, ttl)
}
