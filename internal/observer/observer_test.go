package observer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastClient = ClientConfig{Timeout: 2 * time.Second, RPS: 1000, Burst: 100}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const btcAddressDoc = `{
	"address": "bc1qtest",
	"unconfirmed_txrefs": [
		{"tx_hash": "unconf", "tx_input_n": -1, "value": 100000, "confirmations": 0, "spent": false}
	],
	"txrefs": [
		{"tx_hash": "outgoing", "tx_input_n": 0, "value": 500000, "confirmations": 3, "spent": false},
		{"tx_hash": "spent", "tx_input_n": -1, "value": 500000, "confirmations": 5, "spent": true},
		{"tx_hash": "bound", "tx_input_n": -1, "value": 500000, "confirmations": 4, "spent": false},
		{"tx_hash": "good", "tx_input_n": -1, "value": 499500, "confirmations": 2, "spent": false}
	]
}`

func newBitcoinServer(t *testing.T, handler http.HandlerFunc) *BitcoinObserver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBitcoinObserver(NewBlockCypher(srv.URL, "", fastClient), d("0.00001"), nil)
}

func TestBitcoinObserverMatchesReceivedOutput(t *testing.T) {
	obs := newBitcoinServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/addrs/bc1qtest", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = fmt.Fprint(w, btcAddressDoc)
	})

	skip := func(hash string) bool { return hash == "bound" }
	check := obs.CheckAddressForDeposit(context.Background(), "bc1qtest", d("0.005"), skip)

	require.True(t, check.Found)
	assert.Equal(t, "good", check.TxHash)
	assert.True(t, check.ActualAmount.Equal(d("0.004995")))
	assert.Equal(t, int64(2), check.Confirmations.Count)
}

func TestBitcoinObserverOutsideToleranceNotFound(t *testing.T) {
	obs := newBitcoinServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, btcAddressDoc)
	})

	check := obs.CheckAddressForDeposit(context.Background(), "bc1qtest", d("0.01"), nil)
	assert.False(t, check.Found)
}

func TestBitcoinObserverDegradesToNotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"malformed json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, `{"txrefs": [`)
		}},
		{"indexer error", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, `{"error": "Invalid address"}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := newBitcoinServer(t, tt.handler)
			check := obs.CheckAddressForDeposit(context.Background(), "bc1qtest", d("0.005"), nil)
			assert.False(t, check.Found)

			conf := obs.GetConfirmations(context.Background(), "any")
			assert.True(t, conf.Estimated)
		})
	}
}

func TestIndexerBacksOffAfter429(t *testing.T) {
	var calls int32
	obs := newBitcoinServer(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	for i := 0; i < 3; i++ {
		check := obs.CheckAddressForDeposit(context.Background(), "bc1qtest", d("0.005"), nil)
		assert.False(t, check.Found)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBitcoinGetConfirmations(t *testing.T) {
	obs := newBitcoinServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/txs/abc", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"hash": "abc", "confirmations": 4}`)
	})

	conf := obs.GetConfirmations(context.Background(), "abc")
	assert.Equal(t, Confirmations{Count: 4}, conf)
}

const tokenAddress = "0x1111111111111111111111111111111111111111"

type etherscanFake struct {
	tokentx string
	receipt string
	block   string
}

func (f etherscanFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "tokentx":
		_, _ = fmt.Fprint(w, f.tokentx)
	case "eth_getTransactionReceipt":
		_, _ = fmt.Fprint(w, f.receipt)
	case "eth_blockNumber":
		_, _ = fmt.Fprint(w, f.block)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func tokenTxDoc(items ...string) string {
	body := `{"status":"1","message":"OK","result":[`
	for i, item := range items {
		if i > 0 {
			body += ","
		}
		body += item
	}
	return body + `]}`
}

func tokenItem(hash, to, value string, ts time.Time) string {
	return fmt.Sprintf(`{"hash":%q,"to":%q,"value":%q,"tokenDecimal":"6","timeStamp":"%d","blockNumber":"100"}`,
		hash, to, value, ts.Unix())
}

func newTokenObserver(t *testing.T, fake etherscanFake) *TokenObserver {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	api := NewEtherscan(srv.URL, "key", fastClient)
	return NewTokenObserver(api, "0xdAC17F958D2ee523a2206206994597C13D831ec7", d("0.02"), 2*time.Hour, nil)
}

func TestTokenObserverMatchesRecentTransfer(t *testing.T) {
	now := time.Now()
	obs := newTokenObserver(t, etherscanFake{
		tokentx: tokenTxDoc(
			tokenItem("0xout", "0x2222222222222222222222222222222222222222", "100000000", now),
			tokenItem("0xlow", tokenAddress, "90000000", now),
			tokenItem("0xold", tokenAddress, "100000000", now.Add(-3*time.Hour)),
			tokenItem("0xgood", tokenAddress, "99000000", now.Add(-time.Hour)),
		),
		receipt: `{"jsonrpc":"2.0","id":1,"result":{"blockNumber":"0x64","status":"0x1"}}`,
		block:   `{"jsonrpc":"2.0","id":83,"result":"0x70"}`,
	})

	check := obs.CheckAddressForDeposit(context.Background(), tokenAddress, d("100"), nil)
	require.True(t, check.Found)
	assert.Equal(t, "0xgood", check.TxHash)
	assert.True(t, check.ActualAmount.Equal(d("99")))
	assert.Equal(t, Confirmations{Count: 12}, check.Confirmations)
}

func TestTokenObserverEmptyHistory(t *testing.T) {
	obs := newTokenObserver(t, etherscanFake{
		tokentx: `{"status":"0","message":"No transactions found","result":[]}`,
	})
	check := obs.CheckAddressForDeposit(context.Background(), tokenAddress, d("100"), nil)
	assert.False(t, check.Found)
}

func TestTokenObserverRateLimitMessage(t *testing.T) {
	obs := newTokenObserver(t, etherscanFake{
		tokentx: `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`,
	})
	check := obs.CheckAddressForDeposit(context.Background(), tokenAddress, d("100"), nil)
	assert.False(t, check.Found)
	assert.True(t, obs.api.client.backingOff())
}

func TestTokenConfirmations(t *testing.T) {
	tests := []struct {
		name    string
		receipt string
		block   string
		want    Confirmations
	}{
		{
			name:    "mined",
			receipt: `{"result":{"blockNumber":"0x10","status":"0x1"}}`,
			block:   `{"result":"0x1a"}`,
			want:    Confirmations{Count: 10},
		},
		{
			name:    "reverted",
			receipt: `{"result":{"blockNumber":"0x10","status":"0x0"}}`,
			block:   `{"result":"0x1a"}`,
			want:    Confirmations{},
		},
		{
			name:    "pending",
			receipt: `{"result":null}`,
			block:   `{"result":"0x1a"}`,
			want:    Confirmations{},
		},
		{
			name:    "receipt malformed",
			receipt: `{"result":`,
			block:   `{"result":"0x1a"}`,
			want:    Confirmations{Count: 1, Estimated: true},
		},
		{
			name:    "block number malformed",
			receipt: `{"result":{"blockNumber":"0x10","status":"0x1"}}`,
			block:   `{"result":"nope"}`,
			want:    Confirmations{Count: 1, Estimated: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := newTokenObserver(t, etherscanFake{receipt: tt.receipt, block: tt.block})
			assert.Equal(t, tt.want, obs.GetConfirmations(context.Background(), "0xabc"))
		})
	}
}

func TestTolerance(t *testing.T) {
	abs := AbsoluteTolerance(d("0.00001"))
	assert.True(t, abs.Within(d("0.005"), d("0.00501")))
	assert.True(t, abs.Within(d("0.005"), d("0.00499")))
	assert.False(t, abs.Within(d("0.005"), d("0.005011")))

	frac := FractionalTolerance(d("0.02"))
	assert.True(t, frac.Within(d("100"), d("98")))
	assert.True(t, frac.Within(d("100"), d("102")))
	assert.False(t, frac.Within(d("100"), d("97.99")))
}

func TestMatcherRecency(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := Matcher{Tolerance: FractionalTolerance(d("0.02")), Recency: 2 * time.Hour, Now: func() time.Time { return now }}

	transfers := []Transfer{
		{TxHash: "old", Amount: d("100"), Timestamp: now.Add(-3 * time.Hour)},
		{TxHash: "fresh", Amount: d("100"), Timestamp: now.Add(-time.Minute)},
	}
	got, ok := m.Select(transfers, d("100"), nil)
	require.True(t, ok)
	assert.Equal(t, "fresh", got.TxHash)

	_, ok = m.Select(transfers[:1], d("100"), nil)
	assert.False(t, ok)
}

func TestConfirmationPolicy(t *testing.T) {
	p := DefaultConfirmationPolicy()

	tests := []struct {
		chain  domain.Chain
		amount string
		conf   Confirmations
		want   bool
	}{
		{domain.ChainBitcoin, "0.01", Confirmations{Count: 0}, false},
		{domain.ChainBitcoin, "0.01", Confirmations{Count: 1}, true},
		{domain.ChainBitcoin, "0.01", Confirmations{Count: 1, Estimated: true}, false},
		{domain.ChainUSDT, "999.99", Confirmations{Count: 10}, true},
		{domain.ChainUSDT, "999.99", Confirmations{Count: 9}, false},
		{domain.ChainUSDT, "1000", Confirmations{Count: 19}, false},
		{domain.ChainUSDT, "1000", Confirmations{Count: 20}, true},
		{domain.ChainUSDT, "50", Confirmations{Count: 1, Estimated: true}, false},
	}
	for _, tt := range tests {
		got := p.Satisfied(tt.chain, d(tt.amount), tt.conf)
		assert.Equal(t, tt.want, got, "%s %s %+v", tt.chain, tt.amount, tt.conf)
	}
}
