package eventamqp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/failure"
)

var errDeliveriesClosed = errors.New("delivery channel is closed")

// HandlerFunc handles the body of one message.
type HandlerFunc func(ctx context.Context, body []byte) error

// Handle returns a HandlerFunc that decodes the body into T before calling fn.
// A body that doesn't decode fails as a User error.
func Handle[T event.Event](fn func(ctx context.Context, e T) error) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var e T
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(&e); err != nil {
			return failure.User(failure.CodeModelDecode, "unable to decode event", err)
		}
		return fn(ctx, e)
	}
}

// Consumer consumes one queue and reconnects with backoff when the
// connection is lost.
type Consumer struct {
	connectionString string      // required
	queue            string      // required
	handler          HandlerFunc // required
	prefetch         int
}

func NewConsumer(cfg *Config, queue string, handler HandlerFunc) *Consumer {
	return &Consumer{
		connectionString: cfg.connectionString(),
		queue:            queue,
		handler:          handler,
		prefetch:         cfg.prefetch(),
	}
}

// Run consumes until ctx is done.
//
// A handled message is acked. A message that failed with a User error is
// dropped. Any other failure requeues the message.
func (c *Consumer) Run(ctx context.Context) error {
	retries := 0
	for {
		consumeErr := c.consume(ctx, func() {
			if retries > 0 {
				slog.Info("recovered", "queue", c.queue, "retries", retries)
				retries = 0
			}
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("didn't consume", "queue", c.queue, "error", consumeErr)

		retries++
		select {
		case <-time.After(retryWaitDuration(retries - 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
		slog.Info("retrying", "queue", c.queue, "retries", retries)
	}
}

func (c *Consumer) consume(ctx context.Context, onHandled func()) error {
	conn, err := amqp091.Dial(c.connectionString)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := declareQueue(ch, c.queue)
	if err != nil {
		return err
	}

	if err = ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}

	messages, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	slog.Info("starting consuming", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-messages:
			if !ok {
				return errDeliveriesClosed
			}
			if err = c.handle(ctx, m); err != nil {
				return err
			}
			onHandled()
		}
	}
}

// handle runs the handler and settles m. It fails only when m can't be settled.
func (c *Consumer) handle(ctx context.Context, m amqp091.Delivery) error {
	handleErr := c.handler(ctx, m.Body)
	if handleErr == nil {
		if err := m.Ack(false); err != nil {
			return fmt.Errorf("eventamqp.Consumer: %w", err)
		}
		return nil
	}

	requeue := failure.Retryable(handleErr)
	slog.Warn("didn't handle message", "queue", c.queue, "kind", failure.KindOf(handleErr), "requeue", requeue, "error", handleErr)
	if err := m.Nack(false, requeue); err != nil {
		return fmt.Errorf("eventamqp.Consumer: %w", err)
	}
	return nil
}

// retryWaitDuration calculates the wait duration for a retry.
// It is calculated using exponential backoff with jitter.
// It grows with each retry and stops growing after thirteenth retry
// where it is chosen from the interval (32.4s, 97.4s).
// The first retry number is 0, the thirteenth is 12.
func retryWaitDuration(retry int) time.Duration {
	n := min(retry, 12)
	second := int(time.Second)

	// start with 0.5s
	duration := second / 2

	// multiply by 1.5 to the power of n
	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	// add or subtract up to 50%
	jitter := rand.IntN(duration) - duration/2
	duration += jitter

	return time.Duration(duration)
}
