package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"marketgate/config"
	"marketgate/internal/cache"
	"marketgate/logger"
)

// InvalidationEvent is the wire format relayed to peer gateways so they
// can drop entries this instance has rewritten or removed.
type InvalidationEvent struct {
	Event     string    `json:"event"`
	Key       string    `json:"key"`
	Gateway   string    `json:"gateway"`
	Timestamp time.Time `json:"timestamp"`
}

// messageWriter is the slice of kafka.Writer the forwarder uses. Tests
// substitute a recorder.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder subscribes to the cache event bus and relays version_changed
// and data_removed events to a Kafka topic. Cache writes never block on
// the broker: events are queued and shipped by a background worker, with
// drops on overflow.
type Forwarder struct {
	gateway string
	cache   *cache.TieredCache
	writer  messageWriter
	queue   chan InvalidationEvent
	subs    []cache.SubscriptionID
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

func NewForwarder(cfg config.KafkaConfig, gatewayName string, tc *cache.TieredCache) (*Forwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}

	f := newForwarder(gatewayName, tc, &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	})

	f.log.WithComponent("event_forwarder").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("invalidation forwarder initialized")
	return f, nil
}

func newForwarder(gatewayName string, tc *cache.TieredCache, writer messageWriter) *Forwarder {
	return &Forwarder{
		gateway: gatewayName,
		cache:   tc,
		writer:  writer,
		queue:   make(chan InvalidationEvent, 256),
		log:     logger.GetLogger(),
	}
}

// Start subscribes to the cache bus and launches the relay worker.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("forwarder already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	for _, eventType := range []string{cache.EventVersionChanged, cache.EventDataRemoved} {
		id := f.cache.Subscribe(eventType, f.enqueue)
		f.subs = append(f.subs, id)
	}

	f.wg.Add(1)
	go f.run()

	f.log.WithComponent("event_forwarder").Debug("invalidation forwarder started")
	return nil
}

// enqueue runs inside the cache's synchronous event dispatch, so it must
// never block.
func (f *Forwarder) enqueue(eventType, key string) {
	ev := InvalidationEvent{
		Event:     eventType,
		Key:       key,
		Gateway:   f.gateway,
		Timestamp: time.Now().UTC(),
	}
	select {
	case f.queue <- ev:
	default:
		f.log.WithComponent("event_forwarder").WithFields(logger.Fields{
			"key": key,
		}).Warn("event queue full, dropping invalidation event")
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case ev := <-f.queue:
			payload, err := json.Marshal(ev)
			if err != nil {
				f.log.WithComponent("event_forwarder").WithError(err).Warn("failed to marshal event")
				continue
			}
			msg := kafka.Message{
				Key:   []byte(ev.Key),
				Value: payload,
			}
			if err := f.writer.WriteMessages(f.ctx, msg); err != nil {
				f.log.WithComponent("event_forwarder").WithError(err).Warn("failed to publish invalidation event")
			}
		}
	}
}

// Stop unsubscribes from the cache bus, drains the worker and closes the
// Kafka writer.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	for _, id := range f.subs {
		f.cache.Unsubscribe(id)
	}
	f.subs = nil

	f.cancel()
	f.wg.Wait()
	f.writer.Close()
	f.log.WithComponent("event_forwarder").Debug("invalidation forwarder stopped")
}
