package domain

import "time"

// ShotAttempt is one execution of a generation call, retained in history
// regardless of outcome so versions can be compared and re-selected.
type ShotAttempt struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Image     string    `json:"image,omitempty"`
	ShootLog  string    `json:"shoot_log,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OK reports whether the attempt produced an image.
func (a ShotAttempt) OK() bool { return a.Image != "" }

// HeroShotOutput is one storyboard shot with its full attempt history and the
// pointer to the attempt currently selected as canonical.
type HeroShotOutput struct {
	Code            string        `json:"code"`
	Type            string        `json:"type,omitempty"`
	Prompt          string        `json:"prompt"`
	Status          ShotStatus    `json:"status"`
	Attempts        []ShotAttempt `json:"attempts,omitempty"`
	SelectedAttempt string        `json:"selected_attempt,omitempty"`
}

// Selected returns the currently selected attempt, or nil.
func (h *HeroShotOutput) Selected() *ShotAttempt {
	for i := range h.Attempts {
		if h.Attempts[i].ID == h.SelectedAttempt {
			return &h.Attempts[i]
		}
	}
	return nil
}

// Record appends an attempt. Successful attempts become the selection; failed
// ones never displace a previously selected image.
func (h *HeroShotOutput) Record(a ShotAttempt) {
	h.Attempts = append(h.Attempts, a)
	if a.OK() {
		h.SelectedAttempt = a.ID
		h.Status = ShotStatusRendered
	} else if h.SelectedAttempt == "" {
		h.Status = ShotStatusFailed
	}
}

// HeroSnapshot archives storyboard state that was invalidated by a hero
// regeneration or a storyboard replan.
type HeroSnapshot struct {
	ArchivedAt time.Time        `json:"archived_at"`
	Reason     string           `json:"reason"`
	Storyboard *ShotPlan        `json:"storyboard,omitempty"`
	Shots      []HeroShotOutput `json:"shots,omitempty"`
	Grid       *HeroShotOutput  `json:"grid,omitempty"`
}

// HeroWorkspace holds the hero/storyboard sub-state of a task.
type HeroWorkspace struct {
	HeroPrompt   string          `json:"hero_prompt,omitempty"`
	HeroAttempts []ShotAttempt   `json:"hero_attempts,omitempty"`
	SelectedHero string          `json:"selected_hero,omitempty"`
	Storyboard   *ShotPlan       `json:"storyboard,omitempty"`
	Shots        []HeroShotOutput `json:"shots,omitempty"`
	Grid         *HeroShotOutput `json:"grid,omitempty"`
	History      []HeroSnapshot  `json:"history,omitempty"`
}

// HeroImage returns the image of the selected hero attempt, or "".
func (w *HeroWorkspace) HeroImage() string {
	for i := range w.HeroAttempts {
		if w.HeroAttempts[i].ID == w.SelectedHero {
			return w.HeroAttempts[i].Image
		}
	}
	return ""
}

// ShotByCode returns the storyboard shot with the given code, or nil.
func (w *HeroWorkspace) ShotByCode(code string) *HeroShotOutput {
	for i := range w.Shots {
		if w.Shots[i].Code == code {
			return &w.Shots[i]
		}
	}
	return nil
}

// Archive moves the current storyboard state into History and clears it.
func (w *HeroWorkspace) Archive(reason string, at time.Time) {
	if w.Storyboard == nil && len(w.Shots) == 0 && w.Grid == nil {
		return
	}
	w.History = append(w.History, HeroSnapshot{
		ArchivedAt: at,
		Reason:     reason,
		Storyboard: w.Storyboard,
		Shots:      w.Shots,
		Grid:       w.Grid,
	})
	w.Storyboard = nil
	w.Shots = nil
	w.Grid = nil
}
