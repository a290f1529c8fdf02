// Package kafka bridges records from Kafka/Redpanda topics into the broker:
// every consumed record is published onto the broker topic with the same
// name, fanning out to whatever channels subscribe to it. The bridge is
// strictly an ingestion path; it never changes engine semantics.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/lingerd/internal/logging"
	"github.com/adred-codev/lingerd/internal/metrics"
)

// Publisher is the broker-side surface the bridge needs.
type Publisher interface {
	PublishMessage(topic string, body []byte, mimetype string) (map[string]int64, error)
}

// Guard is the backpressure surface: rate limiting plus the CPU emergency
// brake that pauses consumption entirely.
type Guard interface {
	AllowKafkaMessage(ctx context.Context) (allow bool, waitDuration time.Duration)
	ShouldPauseKafka() bool
}

// Config holds bridge configuration.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Mimetype      string // applied to every published record; defaults to application/json
	Logger        zerolog.Logger
	Publisher     Publisher
	Guard         Guard
}

// Bridge consumes one or more Kafka topics and publishes each record's value
// onto the correspondingly-named broker topic.
type Bridge struct {
	client    *kgo.Client
	logger    zerolog.Logger
	publisher Publisher
	guard     Guard
	mimetype  string
	topics    []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ingested uint64
	dropped  uint64
	failed   uint64
}

// New creates a bridge. It does not begin consuming until Start.
func New(cfg Config) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("resource guard is required")
	}

	mimetype := cfg.Mimetype
	if mimetype == "" {
		mimetype = "application/json"
	}

	ctx, cancel := context.WithCancel(context.Background())

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Bridge{
		client:    client,
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		guard:     cfg.Guard,
		mimetype:  mimetype,
		topics:    cfg.Topics,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins the consume loop.
func (b *Bridge) Start() {
	b.logger.Info().Strs("topics", b.topics).Msg("starting kafka ingestion bridge")
	metrics.KafkaConsumerConnected.Set(1)
	b.wg.Add(1)
	go b.consumeLoop()
}

// Stop cancels the consume loop, waits for it, and closes the client.
func (b *Bridge) Stop() {
	b.logger.Info().Msg("stopping kafka ingestion bridge")
	b.cancel()
	b.wg.Wait()
	b.client.Close()
	metrics.KafkaConsumerConnected.Set(0)

	b.logger.Info().
		Uint64("records_ingested", atomic.LoadUint64(&b.ingested)).
		Uint64("records_dropped", atomic.LoadUint64(&b.dropped)).
		Uint64("records_failed", atomic.LoadUint64(&b.failed)).
		Msg("kafka ingestion bridge stopped")
}

func (b *Bridge) consumeLoop() {
	defer logging.RecoverGoroutine(b.logger, "kafkaConsumeLoop", map[string]any{
		"topics": b.topics,
	})
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		// CPU emergency brake: stop pulling work entirely until it clears.
		if b.guard.ShouldPauseKafka() {
			b.logger.Warn().Msg("kafka consumption paused, CPU critical")
			select {
			case <-time.After(time.Second):
			case <-b.ctx.Done():
				return
			}
			continue
		}

		fetches := b.client.PollFetches(b.ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Error().
				Str("topic", topic).
				Int32("partition", partition).
				Err(err).
				Msg("kafka fetch error")
		})

		fetches.EachRecord(func(record *kgo.Record) {
			if allow, _ := b.guard.AllowKafkaMessage(b.ctx); !allow {
				atomic.AddUint64(&b.dropped, 1)
				metrics.KafkaMessagesDroppedTotal.Inc()
				return
			}
			if _, err := b.publisher.PublishMessage(record.Topic, record.Value, b.mimetype); err != nil {
				atomic.AddUint64(&b.failed, 1)
				b.logger.Error().
					Str("topic", record.Topic).
					Err(err).
					Msg("failed to publish ingested record")
				return
			}
			atomic.AddUint64(&b.ingested, 1)
			metrics.KafkaMessagesIngestedTotal.Inc()
		})
	}
}

// Stats reports lifetime counters for the admin surface.
func (b *Bridge) Stats() (ingested, dropped, failed uint64) {
	return atomic.LoadUint64(&b.ingested), atomic.LoadUint64(&b.dropped), atomic.LoadUint64(&b.failed)
}
