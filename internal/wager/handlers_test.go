package wager_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/model"
	"github.com/coinwager/ledger-engine/internal/referral"
	"github.com/coinwager/ledger-engine/internal/wager"
)

func newRouter(t *testing.T) (*testEnv, chi.Router) {
	t.Helper()
	env := newTestEnv(t, nil)
	h := wager.NewHandler(env.svc, env.ms, zap.NewNop())

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return env, r
}

func do(t *testing.T, router http.Handler, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(wager.UserHeader, caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func wagerBody(userID, eventID string, amount any) map[string]any {
	return map[string]any{"eventId": eventID, "userId": userID, "amount": amount, "prediction": true}
}

func TestPlaceWagerHandler_Success(t *testing.T) {
	env, router := newRouter(t)
	env.seedEvent(t, "E", model.EventActive)
	env.fund(t, "u1", 100)

	w := do(t, router, "POST", "/api/v1/wagers", "u1", wagerBody("u1", "E", 50))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["betId"])
	assert.Equal(t, true, resp["isFirstBet"])
	assert.Equal(t, false, resp["rewardProcessed"])

	w = do(t, router, "GET", "/api/v1/balance/u1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"balance":50}`, w.Body.String())
}

func TestPlaceWagerHandler_ErrorMapping(t *testing.T) {
	env, router := newRouter(t)
	env.seedEvent(t, "E", model.EventActive)
	env.seedEvent(t, "closed", model.EventClosed)
	env.fund(t, "u1", 100)

	_, err := env.svc.Place(context.Background(), place("u1", "E", 20))
	require.NoError(t, err)

	tests := []struct {
		name   string
		caller string
		body   any
		status int
		msg    string
	}{
		{"below minimum", "u1", wagerBody("u1", "other", 5), http.StatusBadRequest, wager.MsgAmountRange},
		{"unknown event", "u1", wagerBody("u1", "nope", 50), http.StatusNotFound, wager.MsgEventNotFound},
		{"closed event", "u1", wagerBody("u1", "closed", 50), http.StatusConflict, wager.MsgEventNotActive},
		{"already bet", "u1", wagerBody("u1", "E", 30), http.StatusConflict, wager.MsgAlreadyBet},
		{"no identity", "", wagerBody("u1", "E", 30), http.StatusUnauthorized, wager.MsgUnauthenticated},
		{"other user", "u2", wagerBody("u1", "E", 30), http.StatusForbidden, wager.MsgForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/wagers", tt.caller, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			resp := decode(t, w)
			assert.Equal(t, false, resp["success"])
			assert.Equal(t, tt.msg, resp["error"])
		})
	}

	assert.True(t, env.balance(t, "u1").Equal(coins(80)))
}

func TestPlaceWagerHandler_InsufficientFunds(t *testing.T) {
	env, router := newRouter(t)
	env.seedEvent(t, "E", model.EventActive)
	env.fund(t, "u1", 20)

	w := do(t, router, "POST", "/api/v1/wagers", "u1", wagerBody("u1", "E", 50))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, wager.MsgInsufficient, decode(t, w)["error"])
}

func TestPlaceWagerHandler_InvalidBody(t *testing.T) {
	_, router := newRouter(t)

	req := httptest.NewRequest("POST", "/api/v1/wagers", bytes.NewBufferString("{"))
	req.Header.Set(wager.UserHeader, "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

func TestReadEndpoints(t *testing.T) {
	env, router := newRouter(t)
	env.seedEvent(t, "E", model.EventActive)
	env.fund(t, "u1", 100)
	env.fund(t, "ref", 0)
	_, err := referral.Register(context.Background(), env.ms, "ref", "u1")
	require.NoError(t, err)

	w := do(t, router, "POST", "/api/v1/wagers", "u1", wagerBody("u1", "E", "25"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["rewardProcessed"])

	w = do(t, router, "GET", "/api/v1/bets/u1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bets []model.Bet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bets))
	require.Len(t, bets, 1)
	assert.True(t, bets[0].PotentialPayout.Equal(coins(50)))

	w = do(t, router, "GET", "/api/v1/transactions/u1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs []model.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	require.Len(t, txs, 2)
	assert.Equal(t, model.TxBetPlacement, txs[0].Type)
	assert.Equal(t, model.TxReferralReward, txs[1].Type)

	w = do(t, router, "GET", "/api/v1/referrals/ref/stats", "ref", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats model.ReferralStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.CompletedRewards)
	assert.True(t, stats.CoinsEarned.Equal(coins(100)))

	w = do(t, router, "GET", "/api/v1/events/E", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", decode(t, w)["status"])

	w = do(t, router, "GET", "/api/v1/events/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/balance/u1", "ref", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegisterReferralHandler(t *testing.T) {
	_, router := newRouter(t)

	w := do(t, router, "POST", "/api/v1/referrals", "u1", map[string]string{"referrerId": "ref", "referredId": "u1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pending", decode(t, w)["status"])

	w = do(t, router, "POST", "/api/v1/referrals", "u1", map[string]string{"referrerId": "other", "referredId": "u1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/v1/referrals", "u2", map[string]string{"referrerId": "u2", "referredId": "u2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/referrals", "u3", map[string]string{"referrerId": "ref", "referredId": "u1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
