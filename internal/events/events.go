// Package events publishes domain events after a transaction commits.
// Publishing is fire-and-forget: a failed publish is logged and counted,
// never surfaced to the trader, and never rolls anything back.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seedsx/market-engine/internal/metrics"
	"github.com/seedsx/market-engine/internal/model"
)

// Kind names an event on the wire.
type Kind string

const (
	KindDecisionCreated  Kind = "decision_created"
	KindTradeExecuted    Kind = "trade_executed"
	KindDecisionResolved Kind = "decision_resolved"
	KindSeedsAdjusted    Kind = "seeds_adjusted"
)

// Event is the envelope sent to every publisher. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind       Kind                      `json:"kind"`
	DecisionID string                    `json:"decision_id,omitempty"`
	UserID     string                    `json:"user_id,omitempty"`
	Timestamp  time.Time                 `json:"timestamp"`
	Trade      *model.TradingTransaction `json:"trade,omitempty"`
	Tick       *model.OpinionTick        `json:"tick,omitempty"`
	Resolution *model.ResolutionInfo     `json:"resolution,omitempty"`
	Seeds      *model.SeedsTransaction   `json:"seeds,omitempty"`
	Settled    int                       `json:"settled,omitempty"` // anticipations settled by a resolution
}

// Key partitions events; all events of one decision stay ordered.
func (e Event) Key() string {
	if e.DecisionID != "" {
		return e.DecisionID
	}
	return e.UserID
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher publishes events in the background, each bounded by timeout.
type Dispatcher struct {
	pub     Publisher
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher wraps pub. A nil pub discards events.
func NewDispatcher(pub Publisher, timeout time.Duration) *Dispatcher {
	if pub == nil {
		pub = Nop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{pub: pub, timeout: timeout}
}

// Dispatch publishes e without blocking the caller.
func (d *Dispatcher) Dispatch(e Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.pub.Publish(ctx, e); err != nil {
			metrics.EventPublishFailures.WithLabelValues(string(e.Kind)).Inc()
			slog.Warn("event publish failed",
				"kind", e.Kind,
				"decision", e.DecisionID,
				"err", err,
			)
		}
	}()
}

// Wait blocks until every dispatched event has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
