/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvevents

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils/logging"
)

// SinkType names a delivery backend.
type SinkType string

const (
	// SinkNone disables event publication.
	SinkNone SinkType = ""
	// SinkZMQ publishes on a ZMQ PUB socket.
	SinkZMQ SinkType = "zmq"
	// SinkRedis publishes with Redis PUBLISH.
	SinkRedis SinkType = "redis"
)

// maxRetries bounds redelivery attempts of one message.
const maxRetries = 5

// retryBackoff spaces the redelivery attempts of one message.
var retryBackoff = wait.Backoff{
	Duration: 5 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    maxRetries + 1,
}

// Config holds the configuration for event publication.
type Config struct {
	// Sink selects the delivery backend; empty disables publication.
	Sink SinkType `json:"sink"`
	// ZMQEndpoint is the ZMQ address to connect to (e.g., "tcp://indexer:5557").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// RedisAddress is the host:port of the Redis server.
	RedisAddress string `json:"redisAddress"`
	// PodIdentifier names this host in event topics.
	PodIdentifier string `json:"podIdentifier"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration with publication disabled.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint:   "tcp://localhost:5557",
		RedisAddress:  "localhost:6379",
		PodIdentifier: "localhost",
		Concurrency:   4,
	}
}

// Message is one encoded event batch addressed to a topic.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the publisher-wide sequence number of the message.
	Seq uint64
	// PoolName is the pool the events belong to.
	PoolName string
}

// Sink delivers messages. Publish may be called from several workers at once.
type Sink interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// Topic returns the topic used for events of pool published by pod.
func Topic(podIdentifier, pool string) string {
	return "kv@" + podIdentifier + "@" + pool
}

// BlockHash returns the block hash announced for a pool entry key.
func BlockHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Publisher turns pool notifications into events and delivers them through
// a Sink. Messages are sharded by pool name onto workqueues, each drained by
// one worker that retries a failed message before taking the next, so the
// events of a pool are delivered in order.
type Publisher struct {
	queues        []workqueue.TypedInterface[*Message]
	concurrency   int
	sink          Sink
	podIdentifier string
	seq           atomic.Uint64
	wg            sync.WaitGroup
	logger        klog.Logger
}

var _ kvpool.Listener = &Publisher{}

// NewPublisher creates a Publisher with the sink selected by cfg. It returns
// nil when cfg disables publication.
func NewPublisher(ctx context.Context, cfg *Config) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var sink Sink
	var err error
	switch cfg.Sink {
	case SinkNone:
		return nil, nil //nolint:nilnil // publication disabled
	case SinkZMQ:
		sink, err = NewZMQSink(cfg.ZMQEndpoint)
	case SinkRedis:
		sink, err = NewRedisSink(ctx, cfg.RedisAddress)
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Sink)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sink: %w", cfg.Sink, err)
	}

	return NewPublisherWithSink(ctx, cfg, sink), nil
}

// NewPublisherWithSink creates a Publisher delivering through sink.
func NewPublisherWithSink(ctx context.Context, cfg *Config, sink Sink) *Publisher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	concurrency := max(cfg.Concurrency, 1)

	p := &Publisher{
		queues:        make([]workqueue.TypedInterface[*Message], concurrency),
		concurrency:   concurrency,
		sink:          sink,
		podIdentifier: cfg.PodIdentifier,
		logger:        klog.FromContext(ctx).WithName("kvevents.Publisher"),
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTyped[*Message]()
	}
	return p
}

// Start begins the workers. It is non-blocking.
func (p *Publisher) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded event publisher", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.worker(ctx, i)
	}
}

// Shutdown drains the queues, stops the workers and closes the sink.
func (p *Publisher) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down event publisher...")

	for _, queue := range p.queues {
		queue.ShutDownWithDrain()
	}
	p.wg.Wait()

	if err := p.sink.Close(); err != nil {
		logger.Error(err, "failed to close event sink")
	}
	logger.Info("event publisher shut down.")
}

// OnStored publishes a BlockStored event for e.
func (p *Publisher) OnStored(pool string, e kvpool.Entry) {
	ev := BlockStored{
		BlockHashes: []uint64{BlockHash(e.Key)},
		BlockSize:   int(e.SequenceLength), //nolint:gosec // token counts fit an int
	}
	if e.PrefixHash != "" {
		if parent, err := strconv.ParseUint(e.PrefixHash, 16, 64); err == nil {
			ev.ParentBlockHash = &parent
		}
	}
	p.enqueue(pool, ev)
}

// OnRemoved publishes a BlockRemoved event for e. Replacements are followed
// by a BlockStored for the same key, so both are published.
func (p *Publisher) OnRemoved(pool string, e kvpool.Entry, _ kvpool.RemoveReason) {
	p.enqueue(pool, BlockRemoved{BlockHashes: []uint64{BlockHash(e.Key)}})
}

// PublishCleared announces that every block of pool is gone.
func (p *Publisher) PublishCleared(pool string) {
	p.enqueue(pool, AllBlocksCleared{})
}

func (p *Publisher) enqueue(pool string, ev Event) {
	payload, err := EncodeBatch(float64(time.Now().UnixNano())/1e9, ev)
	if err != nil {
		p.logger.Error(err, "dropping event", "pool", pool)
		return
	}

	p.AddTask(&Message{
		Topic:    Topic(p.podIdentifier, pool),
		Payload:  payload,
		Seq:      p.seq.Add(1),
		PoolName: pool,
	})
}

// AddTask queues msg on the shard owning its pool, so messages for the same
// pool always go to the same worker.
func (p *Publisher) AddTask(msg *Message) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(msg.PoolName))

	//nolint:gosec // if concurrency overflows then the world is in trouble anyway
	queueIndex := h.Sum32() % uint32(p.concurrency)
	p.queues[queueIndex].Add(msg)
}

// worker delivers messages from its dedicated queue shard.
func (p *Publisher) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvevents.Publisher.worker")

	for {
		msg, shutdown := queue.Get()
		if shutdown {
			return
		}

		attempt := 0
		err := wait.ExponentialBackoffWithContext(ctx, retryBackoff, func(ctx context.Context) (bool, error) {
			attempt++
			if err := p.sink.Publish(ctx, msg); err != nil {
				debugLogger.Error(err, "Failed to publish event", "topic", msg.Topic, "seq", msg.Seq, "attempt", attempt)
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			debugLogger.Error(err, "Dropping event", "topic", msg.Topic, "seq", msg.Seq, "attempts", attempt)
		}
		queue.Done(msg)
	}
}
