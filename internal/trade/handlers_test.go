package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedsx/market-engine/internal/auth"
	"github.com/seedsx/market-engine/internal/events"
	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/resolution"
	"github.com/seedsx/market-engine/internal/trade"
)

// newRouter mounts the API on a chi router in header-identity mode.
func newRouter(t *testing.T) (*testEnv, chi.Router) {
	t.Helper()
	e := newTestEnv(t, trade.Options{})
	h := trade.NewHandler(e.svc, resolution.NewEngine(e.st, nil))
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		h.Mount(r, auth.New(""))
	})
	return e, r
}

func do(t *testing.T, router chi.Router, method, path, user, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	if role != "" {
		req.Header.Set(auth.HeaderRole, role)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doTrade(t *testing.T, router chi.Router, side, user, position, shares string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/v1/decisions/d1/"+side, user, "",
		map[string]string{"position": position, "shares": shares})
}

func TestHTTP_BuyAndSell(t *testing.T) {
	_, router := newRouter(t)

	w := doTrade(t, router, "buy", "alice", "yes", "10")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bought trade.BuyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bought))
	assert.True(t, bought.Cost.Equal(d("800.5")))
	assert.NotEmpty(t, bought.Trade.ID)

	w = doTrade(t, router, "sell", "alice", "YES", "10")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sold trade.SellResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sold))
	assert.True(t, sold.Net.Equal(d("640.4")))
	assert.True(t, sold.Balance.Equal(d("839.9")))
}

func TestHTTP_ErrorStatus(t *testing.T) {
	_, router := newRouter(t)

	tests := []struct {
		name   string
		side   string
		pos    string
		shares string
		status int
	}{
		{"bad position", "buy", "maybe", "1", http.StatusBadRequest},
		{"zero shares", "buy", "yes", "0", http.StatusBadRequest},
		{"insufficient funds", "buy", "yes", "100", http.StatusPaymentRequired},
		{"insufficient shares", "sell", "no", "1", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doTrade(t, router, tt.side, "alice", tt.pos, tt.shares)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}

	w := do(t, router, http.MethodPost, "/api/v1/decisions/nope/buy", "alice", "",
		map[string]string{"position": "yes", "shares": "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/decisions/d1/history?interval=soon", "alice", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_ConflictIsRetryable(t *testing.T) {
	svc, st := newConflictingEnv(t)
	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		trade.NewHandler(svc, nil).Mount(r, auth.New(""))
	})
	st.fail(trade.MaxTxRetries + 1)

	w := doTrade(t, router, "buy", "alice", "yes", "1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHTTP_RequiresIdentity(t *testing.T) {
	_, router := newRouter(t)
	w := do(t, router, http.MethodGet, "/api/v1/portfolio", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHTTP_ServiceRoutes(t *testing.T) {
	e, router := newRouter(t)
	create := map[string]string{"id": "d2", "title": "Second", "target_price": "40", "depth": "5000"}

	w := do(t, router, http.MethodPost, "/api/v1/decisions", "alice", "", create)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/decisions", "resolver", auth.RoleService, create)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/decisions", "resolver", auth.RoleService, create)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/seeds/adjust", "resolver", auth.RoleService,
		map[string]string{"user_id": "alice", "amount": "25", "reason": model.ReasonReward})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Equal(t, http.StatusOK, doTrade(t, router, "buy", "alice", "yes", "1").Code)

	w = do(t, router, http.MethodPost, "/api/v1/decisions/d1/resolve", "resolver", auth.RoleService,
		map[string]string{"kind": "outcome", "winner": "yes"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res resolution.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, model.DecisionResolved, res.Decision.Status)
	assert.Equal(t, 1, res.Winners)

	w = do(t, router, http.MethodPost, "/api/v1/decisions/d1/resolve", "resolver", auth.RoleService,
		map[string]string{"kind": "cancelled"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doTrade(t, router, "buy", "alice", "yes", "1")
	assert.Equal(t, http.StatusConflict, w.Code)

	e.assertConserved(t, "alice")
}

func TestHTTP_Reads(t *testing.T) {
	_, router := newRouter(t)
	require.Equal(t, http.StatusOK, doTrade(t, router, "buy", "alice", "yes", "10").Code)

	w := do(t, router, http.MethodGet, "/api/v1/decisions", "alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var decs []model.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decs))
	require.Len(t, decs, 1)

	w = do(t, router, http.MethodGet, "/api/v1/decisions/d1/price/yes", "alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"80.1"`)

	w = do(t, router, http.MethodGet, "/api/v1/decisions/d1/quote?side=sell&position=yes&shares=10", "alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var q trade.Quote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.True(t, q.Net.Equal(d("640.4")))

	w = do(t, router, http.MethodGet, "/api/v1/decisions/d1/history?interval=1h", "alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h trade.History
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Len(t, h.Snapshots, 1)

	w = do(t, router, http.MethodGet, "/api/v1/portfolio", "alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p model.Portfolio
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Len(t, p.Positions, 1)

	w = do(t, router, http.MethodGet, "/api/v1/seeds/transactions", "alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []model.SeedsTransaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	assert.Len(t, rows, 1)
}

func TestWSHub_BroadcastsTrades(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	tick := model.OpinionTick{DecisionID: "d1", YesPrice: d("80.1"), NoPrice: d("80"), YesCount: d("10"), NoCount: d("0")}
	tr := model.TradingTransaction{DecisionID: "d1", Position: model.PositionYes, Type: model.TradeBuy, Shares: d("10")}
	require.NoError(t, hub.Publish(context.Background(), events.Event{
		Kind:       events.KindTradeExecuted,
		DecisionID: "d1",
		Timestamp:  t0,
		Trade:      &tr,
		Tick:       &tick,
	}))
	// Ledger events are not broadcast.
	require.NoError(t, hub.Publish(context.Background(), events.Event{Kind: events.KindSeedsAdjusted, UserID: "alice"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg trade.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.KindTradeExecuted), msg.Type)
	assert.Equal(t, "d1", msg.DecisionID)
	assert.Equal(t, "80.1", msg.YesPrice)
	assert.Equal(t, "yes", msg.Position)
	assert.Equal(t, "10", msg.Shares)
}
