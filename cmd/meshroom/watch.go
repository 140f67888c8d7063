package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meshroom/internal/infrastructure/distributed"
	redisrepo "meshroom/internal/infrastructure/repositories/redis"
	"meshroom/internal/ui"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream room lifecycle events from the relay event bus",
	Long: `Subscribe to the Redis channel relays publish room events on and print
every room creation, deletion, join and leave as it happens.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()
	defer log.Sync()

	client, err := redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
	if err != nil {
		return err
	}
	defer redisrepo.CloseRedisClient(client)

	bus := distributed.NewEventBus(client, cfg.Redis.Channel, "watch-"+uuid.NewString(), nil, log.With("component", "event_bus"))
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui.PrintInfof("watching %s on %s", ui.BoldStyle.Render(cfg.Redis.Channel), cfg.Redis.Address)

	err = bus.Subscribe(ctx, func(e *distributed.BusEvent) error {
		fmt.Println(ui.FormatRoomEvent(e.InstanceID, e.Event))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
