package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/pkg/batch"
	"meshroom/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when the publish queue cannot take more events.
var ErrQueueFull = errors.New("event bus queue is full")

const (
	publishBatchSize     = 32
	publishBatchInterval = 50 * time.Millisecond
	publishQueueLimit    = 4096
	publishTimeout       = 2 * time.Second
)

// BusEvent is the msgpack frame carried on the Redis channel.
type BusEvent struct {
	InstanceID string           `msgpack:"instance_id"`
	Event      domain.RoomEvent `msgpack:"event"`
}

// PublishRecorder receives the outcome of every published batch.
type PublishRecorder interface {
	RecordPublished(ok bool)
}

// sendFunc delivers already encoded frames to channel.
type sendFunc func(ctx context.Context, channel string, payloads [][]byte) error

// EventBus fans room lifecycle events out to other relay instances and to
// `meshroom watch`. Publishing never blocks the caller: events are queued,
// flushed in pipelined batches and guarded by a circuit breaker so that a
// Redis outage only costs dropped events.
type EventBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.SugaredLogger
	recorder   PublishRecorder

	send    sendFunc
	breaker *circuitbreaker.CircuitBreaker
	batcher *batch.Batcher[BusEvent]

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(
	client *redis.Client,
	channel string,
	instanceID string,
	recorder PublishRecorder,
	logger *zap.SugaredLogger,
) *EventBus {
	eb := newEventBus(redisSend(client), channel, instanceID, recorder, logger)
	eb.client = client
	return eb
}

func newEventBus(send sendFunc, channel, instanceID string, recorder PublishRecorder, logger *zap.SugaredLogger) *EventBus {
	eb := &EventBus{
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
		recorder:   recorder,
		send:       send,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}

	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("event bus circuit breaker changed state",
			"from", from.String(),
			"to", to.String(),
		)
	})

	eb.batcher = batch.NewBatcher[BusEvent](
		publishBatchSize,
		publishBatchInterval,
		publishQueueLimit,
		eb.publishBatch,
		func(err error) {
			logger.Debugw("failed to publish event batch", "error", err)
		},
	)

	return eb
}

func redisSend(client *redis.Client) sendFunc {
	return func(ctx context.Context, channel string, payloads [][]byte) error {
		_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, payload := range payloads {
				pipe.Publish(ctx, channel, payload)
			}
			return nil
		})
		return err
	}
}

// PublishRoomEvent queues event for delivery.
func (eb *EventBus) PublishRoomEvent(ctx context.Context, event domain.RoomEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !eb.batcher.Add(BusEvent{InstanceID: eb.instanceID, Event: event}) {
		eb.record(false)
		return ErrQueueFull
	}
	return nil
}

func (eb *EventBus) publishBatch(ctx context.Context, events []BusEvent) error {
	payloads := make([][]byte, 0, len(events))
	for i := range events {
		data, err := msgpack.Marshal(&events[i])
		if err != nil {
			eb.logger.Warnw("failed to encode room event",
				"type", events[i].Event.Type,
				"error", err,
			)
			eb.record(false)
			continue
		}
		payloads = append(payloads, data)
	}
	if len(payloads) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := eb.breaker.Execute(ctx, func() error {
		return eb.send(ctx, eb.channel, payloads)
	})

	for range payloads {
		eb.record(err == nil)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(payloads), err)
	}

	eb.logger.Debugw("published room events",
		"count", len(payloads),
		"channel", eb.channel,
	)
	return nil
}

func (eb *EventBus) record(ok bool) {
	if eb.recorder != nil {
		eb.recorder.RecordPublished(ok)
	}
}

// Subscribe blocks delivering events published by other instances to
// handler until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*BusEvent) error) error {
	if eb.client == nil {
		return fmt.Errorf("event bus has no redis client")
	}

	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch([]byte(msg.Payload), handler)
		}
	}
}

func (eb *EventBus) dispatch(payload []byte, handler func(*BusEvent) error) {
	var event BusEvent
	if err := msgpack.Unmarshal(payload, &event); err != nil {
		eb.logger.Warnw("failed to decode room event",
			"error", err,
			"size", len(payload),
		)
		return
	}

	if event.InstanceID == eb.instanceID {
		return
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling room event",
			"type", event.Event.Type,
			"room_id", event.Event.RoomID,
			"error", err,
		)
	}
}

// Close flushes queued events and stops any active subscription.
func (eb *EventBus) Close() error {
	eb.batcher.Stop()

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
