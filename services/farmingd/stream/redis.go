package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"yieldfarm/core/events"
	"yieldfarm/observability/metrics"
)

const (
	// DefaultStreamMaxLen caps the stream when no length is configured.
	DefaultStreamMaxLen = 100000
	publishTimeout      = 3 * time.Second
)

// StreamAdder is the subset of the redis client used by the publisher.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisOptions configures NewRedisClient.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// RedisPublisher appends engine events to a redis stream. Emit only queues
// the event; Run performs the XADD calls so a slow redis never holds up an
// engine call. Events that do not fit in the queue are dropped and counted.
type RedisPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
	queue  chan events.Event
	logger *slog.Logger
}

// NewRedisPublisher creates a publisher writing to stream.
func NewRedisPublisher(client StreamAdder, stream string, maxLen int64, buffer int, logger *slog.Logger) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		queue:  make(chan events.Event, buffer),
		logger: logger,
	}
}

func (p *RedisPublisher) Emit(evt events.Event) {
	if _, ok := Payload(evt); !ok {
		return
	}
	select {
	case p.queue <- evt:
	default:
		metrics.Farming().ObservePublishFailure("redis")
		p.logger.Warn("redis event queue full, dropping event", slog.String("type", evt.EventType()))
	}
}

// Run drains the queue until ctx ends, then flushes what is already queued.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case evt := <-p.queue:
			p.publish(ctx, evt)
		}
	}
}

func (p *RedisPublisher) flush() {
	ctx := context.Background()
	for {
		select {
		case evt := <-p.queue:
			p.publish(ctx, evt)
		default:
			return
		}
	}
}

// Values flattens an event into stream entry fields. Attributes keep their
// names; the event type is stored under "type".
func Values(evt events.Event) map[string]interface{} {
	payload, ok := Payload(evt)
	if !ok {
		return nil
	}
	values := make(map[string]interface{}, len(payload.Attributes)+1)
	for k, v := range payload.Attributes {
		values[k] = v
	}
	values["type"] = payload.Type
	return values
}

func (p *RedisPublisher) publish(ctx context.Context, evt events.Event) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := p.client.XAdd(pubCtx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: Values(evt),
	}).Result()
	if err != nil {
		metrics.Farming().ObservePublishFailure("redis")
		p.logger.Warn("failed to add event to redis stream",
			slog.String("stream", p.stream),
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
	}
}
