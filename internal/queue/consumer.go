package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"tutordash/internal/metrics"
	logx "tutordash/pkg/logx"
)

// Handler processes one message. Returning nil acks it, a Permanent error
// drops it, anything else sends it back for redelivery.
type Handler func(ctx context.Context, m Message) error

type ConsumerConfig struct {
	Workers int
	// MaxAttempts dead-letters a message after that many deliveries. Zero
	// means unlimited.
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// HandleTimeout bounds a single handler call. Zero disables it.
	HandleTimeout time.Duration
}

type Consumer struct {
	q   Queue
	h   Handler
	cfg ConsumerConfig
	log logx.Logger
}

func NewConsumer(q Queue, h Handler, cfg ConsumerConfig, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBase {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	return &Consumer{q: q, h: h, cfg: cfg, log: log}
}

// Run drains the queue until ctx ends or the queue closes. One receiver
// routes each message to a worker picked by tutor, so a tutor's snapshots
// are handled one at a time in the order they were received.
func (c *Consumer) Run(ctx context.Context) error {
	lanes := make([]chan Message, c.cfg.Workers)
	var wg sync.WaitGroup
	wg.Add(len(lanes))
	for i := range lanes {
		lanes[i] = make(chan Message, 1)
		go func(in <-chan Message) {
			defer wg.Done()
			for m := range in {
				c.Process(ctx, m)
			}
		}(lanes[i])
	}
	c.log.Info("consumer started", logx.Int("workers", c.cfg.Workers))

	c.receive(ctx, lanes)
	for _, ch := range lanes {
		close(ch)
	}
	wg.Wait()
	c.log.Info("consumer stopped")
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (c *Consumer) receive(ctx context.Context, lanes []chan Message) {
	for {
		m, err := c.q.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			c.log.Warn("queue receive failed", logx.Err(err))
			continue
		}
		select {
		case lanes[laneFor(m.TutorEmail, len(lanes))] <- m:
		case <-ctx.Done():
			// unacked; the queue hands it out again
			return
		}
	}
}

// laneFor maps a tutor to a fixed worker.
func laneFor(tutorEmail string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tutorEmail))
	return int(h.Sum32() % uint32(n))
}

// Process runs the handler on m and settles it with the queue.
func (c *Consumer) Process(ctx context.Context, m Message) {
	err := c.handle(ctx, m)
	fields := []logx.Field{
		logx.String("message_id", m.ID),
		logx.String("tutor", m.TutorEmail),
		logx.Int("attempt", m.Attempts),
	}
	switch {
	case err == nil:
		c.settle(ctx, m, "acked", fields)
	case IsPermanent(err):
		c.log.Warn("message dropped", append(fields, logx.Err(err))...)
		c.settle(ctx, m, "dropped", fields)
	case c.cfg.MaxAttempts > 0 && m.Attempts >= c.cfg.MaxAttempts:
		c.log.Error("message dead-lettered", append(fields, logx.Err(err))...)
		c.settle(ctx, m, "dead", fields)
	default:
		delay := c.backoff(m.Attempts)
		c.log.Debug("message redelivery scheduled", append(fields, logx.Duration("delay", delay), logx.Err(err))...)
		if nerr := c.q.Nack(context.WithoutCancel(ctx), m, delay); nerr != nil {
			c.log.Warn("nack failed", append(fields, logx.Err(nerr))...)
		}
		metrics.QueueProcessed.WithLabelValues("nacked").Inc()
	}
}

func (c *Consumer) settle(ctx context.Context, m Message, disposition string, fields []logx.Field) {
	if err := c.q.Ack(context.WithoutCancel(ctx), m); err != nil {
		c.log.Warn("ack failed", append(fields, logx.Err(err))...)
	}
	metrics.QueueProcessed.WithLabelValues(disposition).Inc()
}

func (c *Consumer) handle(ctx context.Context, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in queue handler", logx.String("message_id", m.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if c.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandleTimeout)
		defer cancel()
	}
	return c.h(ctx, m)
}

func (c *Consumer) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < attempt && d < c.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	return d
}
