package domain

// PlannedShot is one entry of the structured plan produced by the planning
// model. Prompt is opaque text; only ID and Type are structurally used.
type PlannedShot struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type,omitempty"`
	Prompt string `json:"prompt"`
}

// ShotPlan is the structured output contract of the planning step.
type ShotPlan struct {
	Shots         []PlannedShot `json:"shots"`
	ImageAnalysis []string      `json:"image_analysis,omitempty"`
}
