package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
)

type creditsResponse struct {
	UserID       string                     `json:"user_id"`
	Credits      int                        `json:"credits"`
	Transactions []domain.CreditTransaction `json:"transactions"`
}

// GetCredits returns the caller's balance and recent ledger lines. Users can
// only read their own account.
func (a *App) GetCredits(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	target := chi.URLParam(r, "id")
	if uid == "" || uid != target {
		a.error(w, r, domain.ErrUnauthorized)
		return
	}

	u, err := a.Users.Get(r.Context(), target)
	if err != nil {
		a.error(w, r, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	txs, err := a.Users.Transactions(r.Context(), target, limit)
	if err != nil {
		a.error(w, r, err)
		return
	}
	if txs == nil {
		txs = []domain.CreditTransaction{}
	}

	a.json(w, http.StatusOK, creditsResponse{UserID: u.ID, Credits: u.Credits, Transactions: txs})
}
