package monitoring

import (
	"context"
	"time"

	"meshroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRegistryCheck verifies the room registry answers directory queries.
func (h *HealthChecker) AddRegistryCheck(rooms ports.RoomService, interval, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) (bool, error) {
		if _, err := rooms.PublicRooms(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}
