package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/lifecycle"
	"github.com/lpding888/ai-fashion-studio-sub000/pkg/zip"
)

type createTaskRequest struct {
	Brief           string                 `json:"brief"`
	ShotCount       int                    `json:"shot_count"`
	Layout          string                 `json:"layout"`
	Tier            string                 `json:"tier"`
	AspectRatio     string                 `json:"aspect_ratio"`
	Workflow        string                 `json:"workflow"`
	RequireApproval bool                   `json:"require_approval"`
	Refs            domain.ReferenceImages `json:"refs"`
}

// CreateTask accepts a new generation task and starts or queues it.
func (a *App) CreateTask(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		a.error(w, r, domain.ErrUnauthorized)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.json(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}

	t, err := a.Lifecycle.Submit(r.Context(), lifecycle.SubmitInput{
		UserID:          uid,
		Brief:           req.Brief,
		ShotCount:       req.ShotCount,
		Layout:          domain.LayoutMode(req.Layout),
		Tier:            domain.ResolutionTier(req.Tier),
		AspectRatio:     req.AspectRatio,
		Refs:            req.Refs,
		Workflow:        domain.WorkflowVariant(req.Workflow),
		RequireApproval: req.RequireApproval,
	})
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, t)
}

// GetTask returns the task document for polling.
func (a *App) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}

// ApproveTask releases a task parked at the plan approval gate.
func (a *App) ApproveTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.Lifecycle.Approve(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}

func (a *App) RetryPlanning(w http.ResponseWriter, r *http.Request) {
	t, err := a.Lifecycle.RetryPlanning(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, t)
}

func (a *App) RetryRender(w http.ResponseWriter, r *http.Request) {
	t, err := a.Lifecycle.RetryRender(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, t)
}

// RetryShot re-renders a single shot synchronously.
func (a *App) RetryShot(w http.ResponseWriter, r *http.Request) {
	t, err := a.Lifecycle.RetryShot(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "shot"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, t)
}

// DownloadArchive streams every stored task image as one zip file.
func (a *App) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	t, err := a.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.error(w, r, err)
		return
	}
	if a.StorageDir == "" {
		a.error(w, r, domain.ErrStorageDisabled)
		return
	}

	var assets []zip.Asset
	for _, img := range t.Images {
		if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.StorageDir, filepath.FromSlash(img)))
		if err != nil {
			a.Log.Warn().Err(err).Str("task_id", t.ID).Str("image", img).Msg("archive read failed")
			continue
		}
		assets = append(assets, zip.Asset{Filename: filepath.Base(img), Data: data})
	}
	if len(assets) == 0 {
		a.error(w, r, domain.ErrNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", t.ID+".zip"))
	_, _ = w.Write(zip.ArchiveAssets(assets))
}
