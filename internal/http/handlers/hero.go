package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegenerateHero discards the storyboard, archives it and renders a fresh
// hero image.
func (a *App) RegenerateHero(w http.ResponseWriter, r *http.Request) {
	t, err := a.Hero.RegenerateHero(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}

// ApproveHero locks the hero image in and plans the storyboard.
func (a *App) ApproveHero(w http.ResponseWriter, r *http.Request) {
	t, err := a.Hero.ApproveHero(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}

// ReplanStoryboard archives the current storyboard and plans a new one from
// the approved hero.
func (a *App) ReplanStoryboard(w http.ResponseWriter, r *http.Request) {
	t, err := a.Hero.ReplanStoryboard(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}

// RenderStoryShot renders one storyboard shot, appending an attempt.
func (a *App) RenderStoryShot(w http.ResponseWriter, r *http.Request) {
	t, err := a.Hero.RenderShot(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "shot"), userID(r))
	if err != nil {
		if t != nil {
			// The upstream call failed but the attempt was recorded; give
			// the caller the updated workspace along with the failure.
			a.json(w, http.StatusBadGateway, t)
			return
		}
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}

// RenderStoryGrid renders the storyboard contact sheet.
func (a *App) RenderStoryGrid(w http.ResponseWriter, r *http.Request) {
	t, err := a.Hero.RenderGrid(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		if t != nil {
			a.json(w, http.StatusBadGateway, t)
			return
		}
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}

type selectVersionRequest struct {
	AttemptID string `json:"attempt_id"`
}

// SelectShotVersion moves a shot's selection pointer to an earlier attempt.
func (a *App) SelectShotVersion(w http.ResponseWriter, r *http.Request) {
	var req selectVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttemptID == "" {
		a.json(w, http.StatusBadRequest, errorBody{Error: "attempt_id is required"})
		return
	}
	t, err := a.Hero.SelectShotVersion(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "shot"), req.AttemptID, userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}
