package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/shsh-deposits/internal/deposit"
	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/identity"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// createLocks prevents concurrent session creation for the same user.
var createLocks sync.Map

// DepositService is the deposit session surface served over HTTP.
type DepositService interface {
	CreateDepositSession(ctx context.Context, userID string, chain domain.Chain, amount decimal.Decimal) (*domain.DepositSession, error)
	ConfirmUserSentPayment(ctx context.Context, userID, token string) (*domain.DepositSession, error)
	GetSessionStatus(ctx context.Context, userID, token string) (domain.Snapshot, error)
	Balances(ctx context.Context, userID string) ([]domain.Balance, error)
}

// DepositHandler handles deposit session endpoints.
type DepositHandler struct {
	svc DepositService
	now func() time.Time
}

// NewDepositHandler creates a new deposit handler.
func NewDepositHandler(svc DepositService) *DepositHandler {
	return &DepositHandler{svc: svc, now: time.Now}
}

// RegisterRoutes registers deposit routes.
func (h *DepositHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/deposits", h.Create)
		r.Get("/deposits/{token}", h.Status)
		r.Post("/deposits/{token}/sent", h.ConfirmSent)
		r.Get("/balances", h.Balances)
	})
}

type createRequest struct {
	Chain  string          `json:"chain"`
	Amount decimal.Decimal `json:"amount"`
}

type balancesResponse struct {
	UserID   string           `json:"user_id"`
	Balances []domain.Balance `json:"balances"`
}

// Create opens a new deposit session for the caller.
func (h *DepositHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	chain, err := domain.ParseChain(req.Chain)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	lock, _ := createLocks.LoadOrStore(userID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Deposit session creation already in progress", "user_id", userID)
		Error(w, http.StatusConflict, "creation_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		createLocks.Delete(userID)
	}()

	session, err := h.svc.CreateDepositSession(r.Context(), userID, chain, req.Amount)
	if err != nil {
		h.writeServiceError(w, err, userID)
		return
	}
	JSON(w, http.StatusCreated, session.Snapshot(h.now()))
}

// ConfirmSent records the caller's claim that payment was sent.
func (h *DepositHandler) ConfirmSent(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	token := chi.URLParam(r, "token")

	session, err := h.svc.ConfirmUserSentPayment(r.Context(), userID, token)
	if err != nil {
		h.writeServiceError(w, err, userID)
		return
	}
	JSON(w, http.StatusOK, session.Snapshot(h.now()))
}

// Status returns the polling view of one session.
func (h *DepositHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	token := chi.URLParam(r, "token")

	snap, err := h.svc.GetSessionStatus(r.Context(), userID, token)
	if err != nil {
		h.writeServiceError(w, err, userID)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Balances returns the caller's credited balances.
func (h *DepositHandler) Balances(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	balances, err := h.svc.Balances(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, userID)
		return
	}
	if balances == nil {
		balances = []domain.Balance{}
	}
	JSON(w, http.StatusOK, balancesResponse{UserID: userID, Balances: balances})
}

func (h *DepositHandler) writeServiceError(w http.ResponseWriter, err error, userID string) {
	switch {
	case errors.Is(err, deposit.ErrInvalidAmount):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, deposit.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, deposit.ErrInvalidTransition):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, deposit.ErrSessionExpired):
		Error(w, http.StatusGone, "session expired; start a new deposit session")
	default:
		slog.Error("Deposit request failed", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
