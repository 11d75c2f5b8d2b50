package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultStream     = "bouncer"
	defaultBlock      = 2 * time.Second
	defaultMaxThreads = 100
	publishBatchSize  = 100
	publishTimeout    = 500 * time.Millisecond
)

// RedisBroker is an implementation of the Broker interface that uses a
// Redis stream. Published messages are batched into a single stream entry.
type RedisBroker struct {
	id     string
	stream string
	client *redis.Client

	// time window of older entries read on startup
	initialLoadOffset time.Duration
	maxStreamLen      int64
	block             time.Duration
	maxThreads        int64

	backoff        *backoff.Backoff
	publishChannel chan Message
	sem            *semaphore.Weighted

	logger   *slog.Logger
	errorLog rate.Sometimes

	startOnce sync.Once
}

// NewRedisBroker returns a RedisBroker on the "bouncer" stream.
func NewRedisBroker(rdb *redis.Client, opts ...func(*RedisBroker)) *RedisBroker {
	rb := &RedisBroker{
		id:     uuid.NewString(),
		client: rdb,
		stream: defaultStream,
		block:  defaultBlock,
		backoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: false,
		},
		publishChannel: make(chan Message, publishBatchSize),
		maxThreads:     defaultMaxThreads,
		logger:         slog.Default(),
		errorLog:       rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}

	for _, opt := range opts {
		opt(rb)
	}
	rb.sem = semaphore.NewWeighted(rb.maxThreads)

	return rb
}

// WithStream sets the Redis stream name, a good value
// would be the name of your application.
// default: "bouncer"
func WithStream(stream string) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.stream = stream
	}
}

// WithCappedStream sets the approximate maximum length of the stream.
func WithCappedStream(maxLen int64) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.maxStreamLen = maxLen
	}
}

// WithInitLoadOffset makes the consumer start this far in the past, so
// signals published shortly before a restart are not lost.
func WithInitLoadOffset(offset time.Duration) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.initialLoadOffset = offset
	}
}

// WithBlock sets how long a single XREAD waits for new entries.
// default: 2s
func WithBlock(block time.Duration) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.block = block
	}
}

// WithMaxThreads sets the maximum number of concurrent publish calls.
// With a single thread batches reach the stream in publish order.
// default: 100
func WithMaxThreads(maxThreads int) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		if maxThreads > 0 {
			rb.maxThreads = int64(maxThreads)
		}
	}
}

// WithBrokerID overrides the generated broker ID.
func WithBrokerID(id string) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.id = id
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) func(*RedisBroker) {
	return func(rb *RedisBroker) {
		rb.logger = logger
	}
}

// ID returns the ID stamped on messages published by this broker.
func (r *RedisBroker) ID() string {
	return r.id
}

// Start runs the broker in the background until ctx is cancelled.
func (r *RedisBroker) Start(ctx context.Context, handlerFunc func(Message)) {
	go func() {
		if err := r.Run(ctx, handlerFunc); err != nil {
			r.logger.Error("broker stopped", slog.Any("error", err))
		}
	}()
}

// Run publishes queued messages and consumes the stream, calling
// handlerFunc for every message in stream order. It returns nil once ctx
// is cancelled. A broker can only be run once.
func (r *RedisBroker) Run(ctx context.Context, handlerFunc func(Message)) error {
	started := false
	r.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("broker already running")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.publishLoop(ctx) })
	g.Go(func() error { return r.Consume(ctx, handlerFunc) })
	return g.Wait()
}

// Publish queues msg for publishing. The broker ID and timestamp are
// filled in when empty.
func (r *RedisBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.BrokerID == "" {
		msg.BrokerID = r.id
	}
	if msg.Event == "" {
		msg.Event = SignalFired
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case r.publishChannel <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publishLoop drains the publish channel in batches. Each batch is written
// by its own goroutine, bounded by the semaphore.
func (r *RedisBroker) publishLoop(ctx context.Context) error {
	defer func() {
		// wait for in-flight publishes
		_ = r.sem.Acquire(context.Background(), r.maxThreads)
		r.sem.Release(r.maxThreads)
	}()

	for {
		events := make([]Message, 0, publishBatchSize)

		// Block until we receive the first message
		select {
		case msg := <-r.publishChannel:
			events = append(events, msg)
		case <-ctx.Done():
			return nil
		}

		// Gather whatever else is ready
	gather:
		for len(events) < publishBatchSize {
			select {
			case msg := <-r.publishChannel:
				events = append(events, msg)
			default:
				break gather
			}
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		go func(events []Message) {
			defer r.sem.Release(1)

			publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
			defer cancel()

			if err := r.publish(publishCtx, events); err != nil {
				r.logger.Error("error publishing to redis",
					slog.Any("error", err),
					slog.Int("events", len(events)),
				)
			}
		}(events)
	}
}

func (r *RedisBroker) publish(ctx context.Context, events []Message) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"events": payload},
		MaxLen: r.maxStreamLen,
		Approx: r.maxStreamLen > 0,
	}).Err()
}

// Consume reads the stream and calls handlerFunc for every message. Redis
// errors are retried with exponential backoff. It returns nil once ctx is
// cancelled.
func (r *RedisBroker) Consume(ctx context.Context, handlerFunc func(Message)) error {
	var lastMessageID string

	for {
		if ctx.Err() != nil {
			return nil
		}

		if lastMessageID == "" {
			id, err := r.initialMessageID(ctx)
			if err != nil {
				if !r.retry(ctx, err) {
					return nil
				}
				continue
			}
			lastMessageID = id
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, lastMessageID},
			Count:   100,
			Block:   r.block,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if !r.retry(ctx, err) {
				return nil
			}
			continue
		}
		r.backoff.Reset()

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastMessageID = entry.ID

				for _, msg := range r.decode(entry) {
					handlerFunc(msg)
				}
			}
		}
	}
}

// retry logs err and waits out the next backoff interval. It reports false
// once ctx is done.
func (r *RedisBroker) retry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	r.errorLog.Do(func() {
		r.logger.Error("error reading from stream",
			slog.String("stream", r.stream),
			slog.Any("error", err),
		)
	})

	select {
	case <-time.After(r.backoff.Duration()):
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *RedisBroker) decode(entry redis.XMessage) []Message {
	raw, ok := entry.Values["events"].(string)
	if !ok {
		r.logger.Warn("skipping stream entry without events", slog.String("id", entry.ID))
		return nil
	}

	var events []Message
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		r.logger.Warn("skipping malformed stream entry",
			slog.String("id", entry.ID),
			slog.Any("error", err),
		)
		return nil
	}
	return events
}

// initialMessageID pins the starting position to a concrete ID, so entries
// added between two blocking reads are never skipped the way "$" would.
func (r *RedisBroker) initialMessageID(ctx context.Context) (string, error) {
	if r.initialLoadOffset > 0 {
		from := time.Now().Add(-r.initialLoadOffset)
		return fmt.Sprintf("%d-0", from.UnixMilli()), nil
	}

	last, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}
