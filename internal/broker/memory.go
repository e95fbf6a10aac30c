package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const memoryPollInterval = 5 * time.Millisecond

type memoryBinding struct {
	queue   string
	pattern string
}

type memoryQueue struct {
	args    QueueArgs
	ready   []Message
	pending map[string]Message
}

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker is an in-process Broker for tests and single-binary use.
type MemoryBroker struct {
	mu        sync.Mutex
	seq       int64
	exchanges map[string]bool
	bindings  map[string][]memoryBinding
	queues    map[string]*memoryQueue
	hooks     []func(ctx context.Context) error
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]bool),
		bindings:  make(map[string][]memoryBinding),
		queues:    make(map[string]*memoryQueue),
	}
}

func (b *MemoryBroker) DeclareExchange(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = true
	return nil
}

func (b *MemoryBroker) DeclareQueue(_ context.Context, name string, args QueueArgs) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		q.args = args
		return nil
	}
	b.queues[name] = &memoryQueue{args: args, pending: make(map[string]Message)}
	return nil
}

func (b *MemoryBroker) BindQueue(_ context.Context, queue, exchange, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	for _, existing := range b.bindings[exchange] {
		if existing.queue == queue && existing.pattern == pattern {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], memoryBinding{queue: queue, pattern: pattern})
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
	if exchange == "" || routingKey == "" {
		return fmt.Errorf("%w: exchange and routing key are required", ErrMalformed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(exchange, routingKey, body, headers)
}

func (b *MemoryBroker) publishLocked(exchange, routingKey string, body []byte, headers map[string]string) error {
	seen := make(map[string]bool)
	for _, binding := range b.bindings[exchange] {
		if seen[binding.queue] || !Match(binding.pattern, routingKey) {
			continue
		}
		q, ok := b.queues[binding.queue]
		if !ok {
			continue
		}
		seen[binding.queue] = true
		b.seq++
		q.ready = append(q.ready, Message{
			ID:          fmt.Sprintf("%d-0", b.seq),
			Exchange:    exchange,
			RoutingKey:  routingKey,
			Body:        append([]byte(nil), body...),
			Headers:     copyHeaders(headers),
			PublishedAt: time.Now().UTC(),
		})
	}
	if len(seen) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnroutable, exchange, routingKey)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, queue, _ string) (<-chan *Delivery, error) {
	b.mu.Lock()
	_, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		ticker := time.NewTicker(memoryPollInterval)
		defer ticker.Stop()
		for {
			if d := b.next(queue); d != nil {
				select {
				case out <- d:
					continue
				case <-ctx.Done():
					b.requeue(queue, d.ID)
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) next(queue string) *Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q.ready) == 0 {
		return nil
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	q.pending[m.ID] = m

	return &Delivery{
		Message: m,
		Queue:   queue,
		ack: func(context.Context) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(q.pending, m.ID)
			return nil
		},
		nack: func(_ context.Context, requeue bool) error {
			if requeue {
				b.requeue(queue, m.ID)
				return nil
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(q.pending, m.ID)
			if q.args.DeadLetterExchange == "" {
				return nil
			}
			headers := copyHeaders(m.Headers)
			if headers == nil {
				headers = make(map[string]string)
			}
			headers[HeaderDeathQueue] = queue
			return b.publishLocked(q.args.DeadLetterExchange, m.RoutingKey, m.Body, headers)
		},
	}
}

func (b *MemoryBroker) requeue(queue, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	m, ok := q.pending[id]
	if !ok {
		return
	}
	delete(q.pending, id)
	q.ready = append([]Message{m}, q.ready...)
}

func (b *MemoryBroker) Peek(_ context.Context, queue string, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	all := make([]Message, 0, len(q.ready)+len(q.pending))
	all = append(all, q.ready...)
	for _, m := range q.pending {
		all = append(all, m)
	}
	sort.Slice(all, func(i, k int) bool { return seqOf(all[i].ID) < seqOf(all[k].ID) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (b *MemoryBroker) Depth(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return int64(len(q.ready) + len(q.pending)), nil
}

func (b *MemoryBroker) OnReconnect(fn func(ctx context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Reset drops every exchange, queue and binding, as a restarted broker
// without persistence would.
func (b *MemoryBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = make(map[string]bool)
	b.bindings = make(map[string][]memoryBinding)
	b.queues = make(map[string]*memoryQueue)
}

// Reconnect runs the registered reconnect hooks.
func (b *MemoryBroker) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	hooks := append([]func(ctx context.Context) error(nil), b.hooks...)
	b.mu.Unlock()
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func seqOf(id string) int64 {
	var n int64
	fmt.Sscanf(id, "%d-0", &n)
	return n
}
