package wager

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/model"
	"github.com/coinwager/ledger-engine/internal/referral"
	"github.com/coinwager/ledger-engine/internal/store"
)

// UserHeader carries the caller identity set by the auth gateway.
const UserHeader = "X-User-ID"

// Handler serves the wager and ledger read endpoints.
type Handler struct {
	svc   *Service
	store store.Store
	log   *zap.Logger
}

// NewHandler creates a Handler. Reads go straight to st.
func NewHandler(svc *Service, st store.Store, log *zap.Logger) *Handler {
	return &Handler{svc: svc, store: st, log: log}
}

// Routes registers the endpoints on r, relative to the API prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/wagers", h.PlaceWager)
	r.Get("/balance/{userID}", h.GetBalance)
	r.Get("/bets/{userID}", h.ListBets)
	r.Get("/transactions/{userID}", h.ListTransactions)
	r.Post("/referrals", h.RegisterReferral)
	r.Get("/referrals/{userID}/stats", h.GetReferralStats)
	r.Get("/events/{eventID}", h.GetEvent)
}

type placeResponse struct {
	Success         bool   `json:"success"`
	BetID           string `json:"betId,omitempty"`
	IsFirstBet      bool   `json:"isFirstBet"`
	RewardProcessed bool   `json:"rewardProcessed"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// PlaceWager handles POST /api/v1/wagers
func (h *Handler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !authorize(w, r, req.UserID) {
		return
	}

	res, err := h.svc.Place(r.Context(), req)
	if err != nil {
		writeFailure(w, publicMessage(err), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, placeResponse{
		Success:         true,
		BetID:           res.BetID,
		IsFirstBet:      res.IsFirstBet,
		RewardProcessed: res.RewardProcessed,
	})
}

// GetBalance handles GET /api/v1/balance/{userID}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorize(w, r, userID) {
		return
	}

	b, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("load balance failed", zap.String("user_id", userID), zap.Error(err))
		writeFailure(w, MsgInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.Number{
		"balance": json.Number(b.Amount.String()),
	})
}

// ListBets handles GET /api/v1/bets/{userID}
func (h *Handler) ListBets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorize(w, r, userID) {
		return
	}

	bets, err := h.store.ListBetsByUser(r.Context(), userID)
	if err != nil {
		h.log.Error("list bets failed", zap.String("user_id", userID), zap.Error(err))
		writeFailure(w, MsgInternal, http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// ListTransactions handles GET /api/v1/transactions/{userID}
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorize(w, r, userID) {
		return
	}

	txs, err := h.store.ListTransactionsByUser(r.Context(), userID)
	if err != nil {
		h.log.Error("list transactions failed", zap.String("user_id", userID), zap.Error(err))
		writeFailure(w, MsgInternal, http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

type registerReferralRequest struct {
	ReferrerID string `json:"referrerId"`
	ReferredID string `json:"referredId"`
}

// RegisterReferral handles POST /api/v1/referrals
// The referred user claims their referrer.
func (h *Handler) RegisterReferral(w http.ResponseWriter, r *http.Request) {
	var req registerReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !authorize(w, r, req.ReferredID) {
		return
	}

	reward, err := referral.Register(r.Context(), h.store, req.ReferrerID, req.ReferredID)
	switch {
	case errors.Is(err, referral.ErrMissingParty), errors.Is(err, referral.ErrSelfReferral):
		writeFailure(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrReferralExists):
		writeFailure(w, "referral already registered", http.StatusConflict)
		return
	case err != nil:
		h.log.Error("register referral failed",
			zap.String("referrer_id", req.ReferrerID),
			zap.String("referred_id", req.ReferredID),
			zap.Error(err))
		writeFailure(w, MsgInternal, http.StatusInternalServerError)
		return
	}

	h.log.Info("referral registered",
		zap.String("reward_id", reward.ID),
		zap.String("referrer_id", reward.ReferrerID),
		zap.String("referred_id", reward.ReferredID))
	writeJSON(w, http.StatusCreated, reward)
}

// GetReferralStats handles GET /api/v1/referrals/{userID}/stats
func (h *Handler) GetReferralStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorize(w, r, userID) {
		return
	}

	stats, err := h.store.GetReferralStats(r.Context(), userID)
	if err != nil {
		h.log.Error("referral stats failed", zap.String("user_id", userID), zap.Error(err))
		writeFailure(w, MsgInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetEvent handles GET /api/v1/events/{eventID}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	event, err := h.store.GetEvent(r.Context(), eventID)
	if errors.Is(err, store.ErrNotFound) {
		writeFailure(w, MsgEventNotFound, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("load event failed", zap.String("event_id", eventID), zap.Error(err))
		writeFailure(w, MsgInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// authorize requires the gateway identity to equal userID.
func authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	caller := r.Header.Get(UserHeader)
	if caller == "" {
		writeFailure(w, MsgUnauthenticated, http.StatusUnauthorized)
		return false
	}
	if userID == "" {
		writeFailure(w, MsgUserRequired, http.StatusBadRequest)
		return false
	}
	if caller != userID {
		writeFailure(w, MsgForbidden, http.StatusForbidden)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindPrecondition:
		if errors.Is(err, store.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.Msg
	}
	return MsgInternal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFailure writes a JSON error response.
func writeFailure(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, failureResponse{Success: false, Error: message})
}
