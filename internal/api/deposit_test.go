package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-deposits/internal/deposit"
	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/identity"
	"github.com/ashureev/shsh-deposits/internal/keys"
	"github.com/ashureev/shsh-deposits/internal/store"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (http.Handler, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	deriver, err := keys.NewDeriver("000102030405060708090a0b0c0d0e0f", &chaincfg.TestNet3Params)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(identity.Middleware(false))
	NewHealthHandler(repo, time.Second).RegisterHealth(r)
	NewDepositHandler(deposit.NewService(repo, deriver, 30*time.Minute)).RegisterRoutes(r)
	return r, repo
}

func do(t *testing.T, h http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set(identity.UserHeaderName, userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) domain.Snapshot {
	t.Helper()
	var snap domain.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	return snap
}

func TestDepositLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodPost, "/api/deposits", "alice", `{"chain":"BTC","amount":"0.005"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeSnapshot(t, w)
	assert.Equal(t, domain.ChainBitcoin, created.Chain)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.True(t, decimal.RequireFromString("0.005").Equal(created.ExpectedAmount))
	assert.True(t, strings.HasPrefix(created.ReceivingAddress, "tb1q"), created.ReceivingAddress)

	w = do(t, h, http.MethodGet, "/api/deposits/"+created.Token, "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.Token, decodeSnapshot(t, w).Token)

	w = do(t, h, http.MethodGet, "/api/deposits/"+created.Token, "mallory", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/deposits/"+created.Token+"/sent", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusUserConfirmedSent, decodeSnapshot(t, w).Status)
}

func TestCreateDepositValidation(t *testing.T) {
	h, _ := newTestRouter(t)

	tests := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{name: "no identity", body: `{"chain":"btc","amount":"1"}`, status: http.StatusUnauthorized},
		{name: "unknown chain", user: "alice", body: `{"chain":"doge","amount":"1"}`, status: http.StatusBadRequest},
		{name: "zero amount", user: "alice", body: `{"chain":"usdt","amount":"0"}`, status: http.StatusBadRequest},
		{name: "too precise", user: "alice", body: `{"chain":"usdt","amount":"1.1234567"}`, status: http.StatusBadRequest},
		{name: "malformed", user: "alice", body: `{"chain":`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/deposits", tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestConfirmSentOnClosedSession(t *testing.T) {
	h, repo := newTestRouter(t)

	w := do(t, h, http.MethodPost, "/api/deposits", "alice", `{"chain":"usdt","amount":"25"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeSnapshot(t, w)
	require.NoError(t, repo.UpdateStatus(context.Background(), created.Token, domain.StatusExpired, time.Now(), ""))

	w = do(t, h, http.MethodPost, "/api/deposits/"+created.Token+"/sent", "alice", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBalancesStartEmpty(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodGet, "/api/balances", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"alice","balances":[]}`, w.Body.String())
}

type failingPinger struct{ err error }

func (f failingPinger) Ping(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	w := do(t, h, http.MethodGet, "/health", "alice", "")
	assert.Equal(t, http.StatusOK, w.Code)

	r := chi.NewRouter()
	NewHealthHandler(failingPinger{err: errors.New("db down")}, time.Second).RegisterHealth(r)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unreachable")
}
