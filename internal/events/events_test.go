package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedsx/market-engine/internal/events"
	"github.com/seedsx/market-engine/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("broker down")}

	err := events.Multi{ok, bad}.Publish(context.Background(), events.Event{Kind: events.KindTradeExecuted})

	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}

func TestDispatcher_DeliversAsync(t *testing.T) {
	rec := &recorder{}
	d := events.NewDispatcher(rec, time.Second)

	for i := 0; i < 5; i++ {
		d.Dispatch(events.Event{Kind: events.KindTradeExecuted, DecisionID: "d1"})
	}
	d.Wait()

	assert.Len(t, rec.events, 5)
}

func TestDispatcher_SwallowsErrors(t *testing.T) {
	d := events.NewDispatcher(&recorder{err: errors.New("boom")}, time.Second)
	d.Dispatch(events.Event{Kind: events.KindDecisionResolved})
	d.Wait() // must not panic or block
}

func TestDispatcher_NilPublisher(t *testing.T) {
	d := events.NewDispatcher(nil, 0)
	d.Dispatch(events.Event{Kind: events.KindSeedsAdjusted})
	d.Wait()
}

func TestMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := events.Event{
		Kind:       events.KindTradeExecuted,
		DecisionID: "d1",
		UserID:     "u1",
		Timestamp:  ts,
		Trade: &model.TradingTransaction{
			ID: "t1", DecisionID: "d1", Type: model.TradeBuy,
			Shares: decimal.NewFromInt(10), Cost: decimal.RequireFromString("800.5"),
		},
	}

	msg, err := events.Message(e)
	require.NoError(t, err)
	assert.Equal(t, "d1", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "trade_executed", string(msg.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "trade_executed", decoded["kind"])
	trade := decoded["trade"].(map[string]any)
	assert.Equal(t, "800.5", trade["cost"])
}

func TestEventKey_FallsBackToUser(t *testing.T) {
	assert.Equal(t, "u1", events.Event{UserID: "u1"}.Key())
}
