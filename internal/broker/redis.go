package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "pipeline:broker:"
	exchangesKey  = keyPrefix + "exchanges"
	queuesKey     = keyPrefix + "queues"
	consumerGroup = "workers"
	readBlock     = 2 * time.Second
	readCount     = 10
	errorBackoff  = time.Second

	fieldExchange    = "exchange"
	fieldRoutingKey  = "routing_key"
	fieldBody        = "body"
	fieldHeaders     = "headers"
	fieldPublishedAt = "published_at"

	// HeaderDeathQueue names the queue a dead-lettered message was rejected from.
	HeaderDeathQueue = "x-death-queue"
)

func bindingsKey(exchange string) string { return keyPrefix + "exchange:" + exchange + ":bindings" }
func streamKey(queue string) string      { return keyPrefix + "queue:" + queue }
func queueMetaKey(queue string) string   { return keyPrefix + "queue:" + queue + ":meta" }

// RedisConfig tunes the Redis Streams broker.
type RedisConfig struct {
	// ClaimIdle is how long a delivered message may stay unacknowledged
	// before another consumer reclaims it.
	ClaimIdle time.Duration `mapstructure:"claim_idle"`
	// ClaimInterval is how often consumers look for reclaimable messages.
	ClaimInterval time.Duration `mapstructure:"claim_interval"`
}

// RedisBroker implements Broker on Redis Streams. Exchanges are sets of
// queue bindings, queues are streams consumed through a single consumer
// group so consumers compete for messages.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
	cfg    RedisConfig

	mu    sync.Mutex
	hooks []func(ctx context.Context) error
}

// NewRedisBroker creates a new Redis-backed broker.
func NewRedisBroker(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisBroker {
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 15 * time.Second
	}
	return &RedisBroker{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// DeclareExchange records the exchange.
func (b *RedisBroker) DeclareExchange(ctx context.Context, name string) error {
	if err := b.client.SAdd(ctx, exchangesKey, name).Err(); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// DeclareQueue creates the queue stream and its consumer group.
func (b *RedisBroker) DeclareQueue(ctx context.Context, name string, args QueueArgs) error {
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, queuesKey, name)
	pipe.HSet(ctx, queueMetaKey(name), "dead_letter_exchange", args.DeadLetterExchange)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return b.ensureGroup(ctx, name)
}

func (b *RedisBroker) ensureGroup(ctx context.Context, queue string) error {
	// "0" so messages routed before the group existed are still delivered.
	err := b.client.XGroupCreateMkStream(ctx, streamKey(queue), consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", queue, err)
	}
	return nil
}

// BindQueue adds a topic binding from exchange to queue.
func (b *RedisBroker) BindQueue(ctx context.Context, queue, exchange, pattern string) error {
	if err := b.client.SAdd(ctx, bindingsKey(exchange), queue+"|"+pattern).Err(); err != nil {
		return fmt.Errorf("bind %s to %s: %w", queue, exchange, err)
	}
	return nil
}

// Publish appends the message to every matching queue stream atomically.
func (b *RedisBroker) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
	if exchange == "" || routingKey == "" {
		return fmt.Errorf("%w: exchange and routing key are required", ErrMalformed)
	}

	bindings, err := b.client.SMembers(ctx, bindingsKey(exchange)).Result()
	if err != nil {
		return fmt.Errorf("load bindings for %s: %w", exchange, err)
	}

	queues := matchBindings(bindings, routingKey)
	if len(queues) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnroutable, exchange, routingKey)
	}

	var headerData []byte
	if len(headers) > 0 {
		if headerData, err = json.Marshal(headers); err != nil {
			return fmt.Errorf("%w: headers: %v", ErrMalformed, err)
		}
	}

	values := map[string]interface{}{
		fieldExchange:    exchange,
		fieldRoutingKey:  routingKey,
		fieldBody:        body,
		fieldHeaders:     headerData,
		fieldPublishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	pipe := b.client.TxPipeline()
	for _, q := range queues {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(q), Values: values})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func matchBindings(bindings []string, routingKey string) []string {
	seen := make(map[string]bool)
	var queues []string
	for _, binding := range bindings {
		queue, pattern, ok := strings.Cut(binding, "|")
		if !ok || seen[queue] || !Match(pattern, routingKey) {
			continue
		}
		seen[queue] = true
		queues = append(queues, queue)
	}
	return queues
}

// Subscribe reads the queue through the shared consumer group. Messages
// left unacknowledged longer than ClaimIdle are reclaimed and redelivered.
func (b *RedisBroker) Subscribe(ctx context.Context, queue, consumer string) (<-chan *Delivery, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)

		stream := streamKey(queue)
		lastClaim := time.Time{}
		failing := false

		for {
			if ctx.Err() != nil {
				return
			}

			var messages []redis.XMessage
			redelivered := false

			if time.Since(lastClaim) >= b.cfg.ClaimInterval {
				lastClaim = time.Now()
				claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
					Stream:   stream,
					Group:    consumerGroup,
					MinIdle:  b.cfg.ClaimIdle,
					Start:    "0-0",
					Count:    readCount,
					Consumer: consumer,
				}).Result()
				if err != nil && err != redis.Nil && ctx.Err() == nil {
					b.logger.Warn("reclaim pending messages failed", zap.String("queue", queue), zap.Error(err))
				}
				if len(claimed) > 0 {
					b.logger.Info("reclaimed stale deliveries", zap.String("queue", queue), zap.Int("count", len(claimed)))
					messages, redelivered = claimed, true
				}
			}

			if len(messages) == 0 {
				streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
					Group:    consumerGroup,
					Consumer: consumer,
					Streams:  []string{stream, ">"},
					Count:    readCount,
					Block:    readBlock,
				}).Result()
				if err != nil {
					if err == redis.Nil {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					if !failing {
						b.logger.Error("broker read failed", zap.String("queue", queue), zap.Error(err))
					}
					failing = true
					sleepCtx(ctx, errorBackoff)
					continue
				}
				for _, s := range streams {
					messages = append(messages, s.Messages...)
				}
			}

			if failing {
				failing = false
				b.logger.Info("broker connection recovered", zap.String("queue", queue))
				b.runReconnectHooks(ctx)
			}

			for _, msg := range messages {
				d, err := b.toDelivery(queue, msg, redelivered)
				if err != nil {
					b.logger.Error("dropping unreadable stream entry",
						zap.String("queue", queue),
						zap.String("id", msg.ID),
						zap.Error(err),
					)
					_ = b.remove(ctx, queue, msg.ID)
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBroker) toDelivery(queue string, msg redis.XMessage, redelivered bool) (*Delivery, error) {
	m, err := decodeEntry(msg)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		Message:     m,
		Queue:       queue,
		Redelivered: redelivered,
		ack: func(ctx context.Context) error {
			return b.remove(ctx, queue, m.ID)
		},
		nack: func(ctx context.Context, requeue bool) error {
			if requeue {
				// Left pending; reclaimed once idle for ClaimIdle.
				return nil
			}
			return b.deadLetter(ctx, queue, m)
		},
	}, nil
}

func decodeEntry(msg redis.XMessage) (Message, error) {
	str := func(field string) string {
		v, _ := msg.Values[field].(string)
		return v
	}

	body, ok := msg.Values[fieldBody].(string)
	if !ok {
		return Message{}, fmt.Errorf("%w: entry %s has no body", ErrMalformed, msg.ID)
	}

	m := Message{
		ID:         msg.ID,
		Exchange:   str(fieldExchange),
		RoutingKey: str(fieldRoutingKey),
		Body:       []byte(body),
	}
	if h := str(fieldHeaders); h != "" {
		if err := json.Unmarshal([]byte(h), &m.Headers); err != nil {
			return Message{}, fmt.Errorf("%w: entry %s headers: %v", ErrMalformed, msg.ID, err)
		}
	}
	if ts := str(fieldPublishedAt); ts != "" {
		m.PublishedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return m, nil
}

func (b *RedisBroker) remove(ctx context.Context, queue, id string) error {
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, streamKey(queue), consumerGroup, id)
	pipe.XDel(ctx, streamKey(queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, queue, err)
	}
	return nil
}

func (b *RedisBroker) deadLetter(ctx context.Context, queue string, m Message) error {
	dlx, err := b.client.HGet(ctx, queueMetaKey(queue), "dead_letter_exchange").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load dead-letter exchange for %s: %w", queue, err)
	}

	if dlx != "" {
		headers := make(map[string]string, len(m.Headers)+1)
		for k, v := range m.Headers {
			headers[k] = v
		}
		headers[HeaderDeathQueue] = queue
		if err := b.Publish(ctx, dlx, m.RoutingKey, m.Body, headers); err != nil {
			return fmt.Errorf("dead-letter %s: %w", m.ID, err)
		}
	} else {
		b.logger.Warn("rejected message dropped, queue has no dead-letter exchange",
			zap.String("queue", queue),
			zap.String("id", m.ID),
		)
	}
	return b.remove(ctx, queue, m.ID)
}

// Peek returns up to limit messages held by the queue, oldest first.
func (b *RedisBroker) Peek(ctx context.Context, queue string, limit int) ([]Message, error) {
	entries, err := b.client.XRangeN(ctx, streamKey(queue), "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", queue, err)
	}
	messages := make([]Message, 0, len(entries))
	for _, e := range entries {
		m, err := decodeEntry(e)
		if err != nil {
			b.logger.Warn("skipping unreadable stream entry", zap.String("queue", queue), zap.Error(err))
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// Depth returns the stream length of the queue.
func (b *RedisBroker) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.XLen(ctx, streamKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth of %s: %w", queue, err)
	}
	return n, nil
}

// OnReconnect registers a hook run when a consumer recovers from read errors.
func (b *RedisBroker) OnReconnect(fn func(ctx context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

func (b *RedisBroker) runReconnectHooks(ctx context.Context) {
	b.mu.Lock()
	hooks := append([]func(ctx context.Context) error(nil), b.hooks...)
	b.mu.Unlock()

	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			b.logger.Error("reconnect hook failed", zap.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
