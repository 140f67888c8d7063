package repositories

import (
	"context"

	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/repositories/memory"
	redisrepo "meshroom/internal/infrastructure/repositories/redis"
	"meshroom/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the in-memory registry stores and, when enabled,
// the Redis connection used for cross-instance events.
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		logger: logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, running without event bus",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	return factory, nil
}

// Rooms are never persisted, so the registry stores are always in memory.
func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	return memory.NewMemoryRoomRepository()
}

func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	return memory.NewMemorySessionRepository()
}

// RedisClient returns nil when Redis is disabled or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
