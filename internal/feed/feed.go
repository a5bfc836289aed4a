// Package feed consumes market events from NATS and dispatches each one to
// the analysis pipeline on a bounded worker pool.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/HKUDS/AI-Trader-sub000/internal/logging"
	"github.com/HKUDS/AI-Trader-sub000/internal/memory"
)

// Handler processes one decoded event. Each invocation gets its own
// goroutine; errors are logged, not propagated, because an event feed has
// no caller to report to.
type Handler func(ctx context.Context, event memory.Event) error

// Feed subscribes to a NATS subject and fans events out to a handler,
// bounding concurrent runs with a weighted semaphore.
type Feed struct {
	conn    *nats.Conn
	subject string
	sem     *semaphore.Weighted
	logger  *logging.Logger
}

// Connect dials NATS with retrying reconnect behavior.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// New creates a feed reading the subject with at most maxConcurrent
// simultaneous handler invocations.
func New(conn *nats.Conn, subject string, maxConcurrent int64, logger *logging.Logger) *Feed {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Feed{
		conn:    conn,
		subject: subject,
		sem:     semaphore.NewWeighted(maxConcurrent),
		logger:  logger,
	}
}

// Run blocks consuming events until the context is canceled, then drains
// in-flight handlers before returning.
func (f *Feed) Run(ctx context.Context, handle Handler) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := f.conn.ChanSubscribe(f.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", f.subject, err)
	}
	defer sub.Unsubscribe()

	f.logger.Info(ctx, "feed started", zap.String("subject", f.subject))

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			f.logger.Info(context.Background(), "feed drained")
			return nil
		case msg := <-msgs:
			event, err := decodeEvent(msg.Data)
			if err != nil {
				f.logger.Warn(ctx, "dropping undecodable event", zap.Error(err))
				continue
			}
			if err := f.sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer f.sem.Release(1)
				runCtx := logging.WithRunID(ctx, event.ID)
				if err := handle(runCtx, event); err != nil {
					f.logger.Error(runCtx, "event processing failed",
						zap.String("event_id", event.ID),
						zap.Error(err))
				}
			}()
		}
	}
}

// decodeEvent parses an event message, requiring an ID and a timestamp.
func decodeEvent(data []byte) (memory.Event, error) {
	var event memory.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return memory.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.ID == "" {
		return memory.Event{}, fmt.Errorf("event missing id")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return event, nil
}
