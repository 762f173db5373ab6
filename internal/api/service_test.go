package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmor/loan-engine/internal/api"
	"github.com/bitmor/loan-engine/internal/estimate"
	"github.com/bitmor/loan-engine/internal/model"
	"github.com/bitmor/loan-engine/internal/store"
)

const (
	walletA = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	walletB = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	lsa1    = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
	lsa2    = "0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb"
)

type fakeEstimator struct {
	res *estimate.Result
	err error
	got estimate.Request
}

func (f *fakeEstimator) Estimate(_ context.Context, req estimate.Request) (*estimate.Result, error) {
	f.got = req
	return f.res, f.err
}

// newTestEnv creates a Service over an in-memory store and the full router.
func newTestEnv(t *testing.T, est *fakeEstimator) (*store.MemoryStore, http.Handler) {
	t.Helper()
	ms := store.NewMemoryStore()
	if est == nil {
		est = &fakeEstimator{}
	}
	svc := api.NewService(ms, est, nil)
	return ms, api.NewRouter(svc, nil)
}

func seedLoan(t *testing.T, ms *store.MemoryStore, lsa, wallet string, created time.Time) {
	t.Helper()
	err := ms.CreateLoan(context.Background(), &model.Loan{
		LSAAddress: lsa,
		Wallet:     wallet,
		Deposit:    "2000000000000000000",
		Loan:       "8000000000000000000",
		Collateral: "10000000000000000000",
		Duration:   "12",
		PriceAtBuy: decimal.RequireFromString("100000.5"),
		Salt:       fmt.Sprint(created.Unix()),
		CreatedAt:  created,
	})
	require.NoError(t, err)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Estimate ---

func TestEstimate_OK(t *testing.T) {
	est := &fakeEstimator{res: &estimate.Result{
		Quantity:     decimal.NewFromInt(1),
		Installments: 12,
		EMI:          decimal.RequireFromString("6219.415648"),
	}}
	_, h := newTestEnv(t, est)

	w := get(t, h, "/api/v1/estimate?quantity=1&deposit=20&installments=12")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res estimate.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.EMI.Equal(decimal.RequireFromString("6219.415648")))
	assert.Equal(t, int64(12), est.got.Installments)
	assert.True(t, est.got.DepositPercent.Equal(decimal.NewFromInt(20)))
}

func TestEstimate_BadQuery(t *testing.T) {
	_, h := newTestEnv(t, nil)

	for _, q := range []string{
		"quantity=abc&deposit=20",
		"quantity=0&deposit=20",
		"quantity=1&deposit=100",
		"quantity=1&deposit=20&installments=-1",
	} {
		w := get(t, h, "/api/v1/estimate?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestEstimate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &estimate.ValidationError{Field: "deposit", Reason: "too large"}, http.StatusBadRequest},
		{"upstream", fmt.Errorf("%w: spot price: timeout", estimate.ErrUpstream), http.StatusBadGateway},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestEnv(t, &fakeEstimator{err: tt.err})
			w := get(t, h, "/api/v1/estimate?quantity=1&deposit=20&installments=12")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

// --- Ledger queries ---

func TestLoansByWallet(t *testing.T) {
	ms, h := newTestEnv(t, nil)
	now := time.Now().UTC().Truncate(time.Second)
	seedLoan(t, ms, lsa1, walletA, now.Add(-time.Hour))
	seedLoan(t, ms, lsa2, walletA, now)

	w := get(t, h, "/api/v1/wallet/"+walletA)
	require.Equal(t, http.StatusOK, w.Code)

	var views []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, lsa1, views[0]["lsaAddress"])
	assert.Equal(t, "active", views[0]["status"])
	assert.Equal(t, "8000000000000000000", views[0]["loan"])
	assert.NotNil(t, views[0]["nextPaymentDue"])
	assert.Equal(t, []any{}, views[0]["repayments"])
}

func TestLoansByWallet_NormalizesCase(t *testing.T) {
	ms, h := newTestEnv(t, nil)
	seedLoan(t, ms, lsa1, walletA, time.Now().UTC())
	seedLoan(t, ms, lsa2, walletA, time.Now().UTC())

	w := get(t, h, "/api/v1/wallet/0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed?lsa=0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb")
	require.Equal(t, http.StatusOK, w.Code)

	var views []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, lsa1, views[0]["lsaAddress"])
}

func TestLoansByWallet_Empty(t *testing.T) {
	_, h := newTestEnv(t, nil)

	w := get(t, h, "/api/v1/wallet/"+walletB)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestLoansByWallet_InvalidAddress(t *testing.T) {
	_, h := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/wallet/not-an-address").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/wallet/"+walletA+"?lsa=0x123").Code)
}

func TestLoanByLSA(t *testing.T) {
	ms, h := newTestEnv(t, nil)
	created := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	seedLoan(t, ms, lsa1, walletA, created)
	closed := created.Add(24 * time.Hour)
	require.NoError(t, ms.SetEarlyCloseDate(context.Background(), lsa1, closed))

	w := get(t, h, "/api/v1/lsa/"+lsa1)
	require.Equal(t, http.StatusOK, w.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "earlyClosed", view["status"])
	assert.Equal(t, walletA, view["wallet"])
	assert.Nil(t, view["nextPaymentDue"])
}

func TestLoanByLSA_NotFound(t *testing.T) {
	_, h := newTestEnv(t, nil)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/lsa/"+lsa2).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/lsa/xyz").Code)
}

func TestHealthAndCORS(t *testing.T) {
	_, h := newTestEnv(t, nil)

	w := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"loan-engine"}`, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/lsa/"+lsa1, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
