// Package api serves the loan engine's thin HTTP surface: loan estimates,
// ledger queries and a WebSocket feed of ledger updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/bitmor/loan-engine/internal/autorepay"
	"github.com/bitmor/loan-engine/internal/estimate"
	"github.com/bitmor/loan-engine/internal/metrics"
	"github.com/bitmor/loan-engine/internal/model"
	"github.com/bitmor/loan-engine/internal/store"
)

// Estimator computes loan estimates.
type Estimator interface {
	Estimate(ctx context.Context, req estimate.Request) (*estimate.Result, error)
}

// Service handles the read side of the ledger and estimates.
type Service struct {
	store     store.Store
	estimator Estimator
	logger    *slog.Logger
}

// NewService creates the API service.
func NewService(st store.Store, est Estimator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, estimator: est, logger: logger}
}

// LoanView is a ledger record with its derived state.
type LoanView struct {
	model.Loan
	Status         model.Status `json:"status"`
	NextPaymentDue *time.Time   `json:"nextPaymentDue,omitempty"`
}

func newLoanView(l model.Loan) LoanView {
	v := LoanView{Loan: l, Status: l.Status()}
	if l.Repayments == nil {
		v.Repayments = []model.Repayment{}
	}
	if v.Status == model.StatusActive {
		due := autorepay.NextDue(&l)
		v.NextPaymentDue = &due
	}
	return v
}

// --- HTTP Handlers ---

// Estimate handles GET /api/v1/estimate?quantity=&deposit=&installments=
func (s *Service) Estimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := estimate.ParseRequest(q.Get("quantity"), q.Get("deposit"), q.Get("installments"))
	if err != nil {
		metrics.EstimatesTotal.WithLabelValues("invalid").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.estimator.Estimate(r.Context(), req)
	if err != nil {
		var verr *estimate.ValidationError
		switch {
		case errors.As(err, &verr):
			metrics.EstimatesTotal.WithLabelValues("invalid").Inc()
			writeError(w, verr.Error(), http.StatusBadRequest)
		case errors.Is(err, estimate.ErrUpstream):
			metrics.EstimatesTotal.WithLabelValues("upstream_error").Inc()
			s.logger.Error("estimate upstream failure", "err", err)
			writeError(w, "pricing source unavailable", http.StatusBadGateway)
		default:
			metrics.EstimatesTotal.WithLabelValues("error").Inc()
			s.logger.Error("estimate failed", "err", err)
			writeError(w, "failed to compute estimate", http.StatusInternalServerError)
		}
		return
	}

	metrics.EstimatesTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, res)
}

// LoansByWallet handles GET /api/v1/wallet/{wallet}?lsa=
// Returns the wallet's loans, optionally narrowed to one LSA.
func (s *Service) LoansByWallet(w http.ResponseWriter, r *http.Request) {
	wallet, ok := checksum(chi.URLParam(r, "wallet"))
	if !ok {
		writeError(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	var lsa string
	if raw := r.URL.Query().Get("lsa"); raw != "" {
		if lsa, ok = checksum(raw); !ok {
			writeError(w, "invalid lsa address", http.StatusBadRequest)
			return
		}
	}

	loans, err := s.store.FindByWallet(r.Context(), wallet, lsa)
	if err != nil {
		s.logger.Error("wallet lookup failed", "wallet", wallet, "err", err)
		writeError(w, "failed to load loans", http.StatusInternalServerError)
		return
	}

	views := make([]LoanView, 0, len(loans))
	for _, l := range loans {
		views = append(views, newLoanView(l))
	}
	writeJSON(w, http.StatusOK, views)
}

// LoanByLSA handles GET /api/v1/lsa/{lsa}
func (s *Service) LoanByLSA(w http.ResponseWriter, r *http.Request) {
	lsa, ok := checksum(chi.URLParam(r, "lsa"))
	if !ok {
		writeError(w, "invalid lsa address", http.StatusBadRequest)
		return
	}

	loan, err := s.store.FindByLSA(r.Context(), lsa)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "loan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("lsa lookup failed", "lsa", lsa, "err", err)
		writeError(w, "failed to load loan", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newLoanView(*loan))
}

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "loan-engine"})
}

// checksum normalizes an address to the EIP-55 form the ledger is keyed by.
func checksum(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return common.HexToAddress(addr).Hex(), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
