package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/hero"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/lifecycle"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/middleware"
)

// App bundles the services the HTTP handlers dispatch into.
type App struct {
	Lifecycle *lifecycle.Service
	Hero      *hero.Service
	Users     domain.UserRepository
	// StorageDir is the local object-store root, empty when storage is
	// disabled. Used by the archive download handler.
	StorageDir string
	Log        zerolog.Logger
}

func NewApp(lc *lifecycle.Service, h *hero.Service, users domain.UserRepository, storageDir string, log zerolog.Logger) *App {
	return &App{Lifecycle: lc, Hero: h, Users: users, StorageDir: storageDir, Log: log}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// Identity comes from the gateway in front of this service; there is no
// session handling here.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

var insufficientCreditsMsg = map[string]string{
	"en": "insufficient credits",
	"zh": "积分不足",
	"id": "kredit tidak mencukupi",
}

func (a *App) error(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.json(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, domain.ErrUnauthorized):
		a.json(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, domain.ErrInsufficientCredits):
		locale := middleware.LocaleFromContext(r.Context())
		msg, ok := insufficientCreditsMsg[locale]
		if !ok {
			msg = insufficientCreditsMsg["en"]
		}
		a.json(w, http.StatusPaymentRequired, errorBody{Error: msg})
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrStorageDisabled):
		a.json(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		a.Log.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		a.json(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
