package domain

import "time"

// WorkflowVariant selects which generation pipeline a task runs through.
type WorkflowVariant string

const (
	WorkflowLegacy         WorkflowVariant = "legacy"
	WorkflowHeroStoryboard WorkflowVariant = "hero_storyboard"
)

// LayoutMode controls whether shots are rendered one by one or as a single
// composite contact sheet.
type LayoutMode string

const (
	LayoutIndividual LayoutMode = "individual"
	LayoutGrid       LayoutMode = "grid"
)

// ResolutionTier selects the output quality level and drives pricing.
type ResolutionTier string

const (
	TierStandard ResolutionTier = "standard"
	TierHD       ResolutionTier = "hd"
	TierUHD      ResolutionTier = "uhd"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskStatusDraft            TaskStatus = "DRAFT"
	TaskStatusPending          TaskStatus = "PENDING"
	TaskStatusQueued           TaskStatus = "QUEUED"
	TaskStatusPlanning         TaskStatus = "PLANNING"
	TaskStatusAwaitingApproval TaskStatus = "AWAITING_APPROVAL"
	TaskStatusRendering        TaskStatus = "RENDERING"
	TaskStatusCompleted        TaskStatus = "COMPLETED"
	TaskStatusFailed           TaskStatus = "FAILED"

	TaskStatusHeroRendering        TaskStatus = "HERO_RENDERING"
	TaskStatusAwaitingHeroApproval TaskStatus = "AWAITING_HERO_APPROVAL"
	TaskStatusStoryboardPlanning   TaskStatus = "STORYBOARD_PLANNING"
	TaskStatusStoryboardReady      TaskStatus = "STORYBOARD_READY"
	TaskStatusShotsRendering       TaskStatus = "SHOTS_RENDERING"
)

// ActiveStatuses are the states that consume a slot of the per-user
// concurrency budget. Queued and parked tasks do not.
var ActiveStatuses = []TaskStatus{
	TaskStatusPlanning,
	TaskStatusRendering,
	TaskStatusHeroRendering,
	TaskStatusStoryboardPlanning,
	TaskStatusShotsRendering,
}

// IsActive reports whether the status occupies an admission slot.
func (s TaskStatus) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the task can no longer progress on its own.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ReferenceImages groups the user-supplied references attached to every
// renderer call. Values are storage keys or remote URLs.
type ReferenceImages struct {
	Garment []string `json:"garment,omitempty"`
	Face    string   `json:"face,omitempty"`
	Style   string   `json:"style,omitempty"`
}

// ShotStatus enumerates per-shot render states.
type ShotStatus string

const (
	ShotStatusPending  ShotStatus = "PENDING"
	ShotStatusRendered ShotStatus = "RENDERED"
	ShotStatusFailed   ShotStatus = "FAILED"
)

// ShotVersion is one successful render of a shot. Versions are append-only;
// a failed attempt never removes one.
type ShotVersion struct {
	Prompt    string    `json:"prompt"`
	Image     string    `json:"image"`
	CreatedAt time.Time `json:"created_at"`
}

// Shot is one planned image within a legacy-workflow task.
type Shot struct {
	ID       string     `json:"id"`
	Code     string     `json:"code"`
	Type     string     `json:"type,omitempty"`
	Prompt   string     `json:"prompt"`
	Status   ShotStatus `json:"status"`
	Image    string     `json:"image,omitempty"`
	Error    string     `json:"error,omitempty"`
	Versions []ShotVersion `json:"versions,omitempty"`
	// SelectedVersion indexes into Versions; -1 when none has been rendered.
	SelectedVersion int `json:"selected_version"`
}

// AddVersion appends a successful render and makes it the selected one.
func (s *Shot) AddVersion(prompt, image string, at time.Time) {
	s.Versions = append(s.Versions, ShotVersion{Prompt: prompt, Image: image, CreatedAt: at})
	s.SelectedVersion = len(s.Versions) - 1
	s.Image = image
	s.Status = ShotStatusRendered
	s.Error = ""
}

// MarkFailed records a failed attempt. A shot that already holds a rendered
// version keeps it and stays RENDERED.
func (s *Shot) MarkFailed(reason string) {
	s.Error = reason
	if len(s.Versions) == 0 {
		s.Status = ShotStatusFailed
	}
}

// Task is the unit of work submitted by a user.
type Task struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`

	Workflow        WorkflowVariant `json:"workflow"`
	Layout          LayoutMode      `json:"layout"`
	Tier            ResolutionTier  `json:"tier"`
	AspectRatio     string          `json:"aspect_ratio,omitempty"`
	ShotCount       int             `json:"shot_count"`
	Brief           string          `json:"brief"`
	Refs            ReferenceImages `json:"refs"`
	RequireApproval bool            `json:"require_approval"`

	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`

	CreditsSpent  int            `json:"credits_spent"`
	BillingEvents []BillingEvent `json:"billing_events,omitempty"`
	BillingError  string         `json:"billing_error,omitempty"`

	Images []string       `json:"images,omitempty"`
	Plan   *ShotPlan      `json:"plan,omitempty"`
	Shots  []Shot         `json:"shots,omitempty"`
	Hero   *HeroWorkspace `json:"hero,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShotByID returns a pointer into Task.Shots by shot id or code.
func (t *Task) ShotByID(id string) *Shot {
	for i := range t.Shots {
		if t.Shots[i].ID == id || t.Shots[i].Code == id {
			return &t.Shots[i]
		}
	}
	return nil
}
