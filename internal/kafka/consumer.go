package kafka

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler returns nil only when the message was processed and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fans messages out to workers by partition. Each partition is
// handled by exactly one worker in offset order, and a message that fails is
// retried until it succeeds, so no offset is ever committed past a failure.
type Consumer struct {
	r       messageReader
	log     *slog.Logger
	workers int
	backoff func(attempt int) time.Duration
}

func NewConsumer(log *slog.Logger, brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, log: log, workers: workers, backoff: retryBackoff}
}

func retryBackoff(attempt int) time.Duration {
	const ceiling = 10 * time.Second
	if attempt > 6 {
		return ceiling
	}
	if d := 200 * time.Millisecond << attempt; d < ceiling {
		return d
	}
	return ceiling
}

// Start blocks until ctx is cancelled or the reader fails.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()
	ctx, cancel := context.WithCancel(ctx)

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if !c.process(ctx, h, m) {
					return
				}
			}
		}(lanes[i])
	}
	defer func() {
		cancel()
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// process runs h on m until it succeeds and then commits m. It reports false
// when ctx ended first; m stays uncommitted and is redelivered.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) bool {
	for attempt := 0; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				// a later commit on the partition covers this offset
				c.log.Warn("kafka commit failed", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		wait := c.backoff(attempt)
		c.log.Error("consumer handler failed, retrying",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset,
			"attempt", attempt+1, "retry_in", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}
	}
}
