package types

import (
	"fmt"
	"strings"
)

// ScriptType selects the shape of the generated script.
type ScriptType string

// Script type constants accepted by the job control API.
const (
	ScriptTypeFull      ScriptType = "full"
	ScriptTypeOutline   ScriptType = "outline"
	ScriptTypeDialogue  ScriptType = "dialogue"
	ScriptTypeNarration ScriptType = "narration"
)

// Valid returns true for script types accepted by the API.
func (s ScriptType) Valid() bool {
	switch s {
	case ScriptTypeFull, ScriptTypeOutline, ScriptTypeDialogue, ScriptTypeNarration:
		return true
	}
	return false
}

// Request bounds enforced locally before any network activity.
const (
	DescriptionMinLen  = 10
	DescriptionMaxLen  = 4000
	TemperatureMin     = 0.0
	TemperatureMax     = 2.0
	TargetWordsMin     = 100
	TargetWordsMax     = 20000
	DefaultTargetWords = 1200
)

// StartRequest are the parameters for one generation job.
type StartRequest struct {
	// ProjectID identifies the project the script belongs to (required).
	ProjectID string `json:"project_id" yaml:"project_id"`
	// Episode is the optional episode number, starting at 1.
	Episode *int `json:"episode,omitempty" yaml:"episode,omitempty"`
	// Description is the free-text brief for the script (required).
	Description string `json:"description" yaml:"description"`
	// ScriptType selects the generated script shape (required).
	ScriptType ScriptType `json:"script_type" yaml:"script_type"`
	// Model optionally pins a specific model.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// Temperature is the sampling temperature in [0, 2].
	Temperature float64 `json:"temperature" yaml:"temperature"`
	// TargetWords is the target script length. Zero means DefaultTargetWords.
	TargetWords int `json:"target_words,omitempty" yaml:"target_words,omitempty"`
}

// Normalize applies defaults. Call before Validate.
func (r *StartRequest) Normalize() {
	r.Description = strings.TrimSpace(r.Description)
	if r.TargetWords == 0 {
		r.TargetWords = DefaultTargetWords
	}
}

// Validate checks request bounds locally. Returns a *ValidationError on
// the first violation; validation failures are never retried.
func (r *StartRequest) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return &ValidationError{Field: "project_id", Reason: "required"}
	}
	if len(r.Description) < DescriptionMinLen {
		return &ValidationError{
			Field:  "description",
			Reason: fmt.Sprintf("must be at least %d characters", DescriptionMinLen),
		}
	}
	if len(r.Description) > DescriptionMaxLen {
		return &ValidationError{
			Field:  "description",
			Reason: fmt.Sprintf("must be at most %d characters", DescriptionMaxLen),
		}
	}
	if !r.ScriptType.Valid() {
		return &ValidationError{
			Field:  "script_type",
			Reason: fmt.Sprintf("unknown script type %q", r.ScriptType),
		}
	}
	if r.Temperature < TemperatureMin || r.Temperature > TemperatureMax {
		return &ValidationError{
			Field:  "temperature",
			Reason: fmt.Sprintf("must be between %g and %g", TemperatureMin, TemperatureMax),
		}
	}
	if r.TargetWords < TargetWordsMin || r.TargetWords > TargetWordsMax {
		return &ValidationError{
			Field:  "target_words",
			Reason: fmt.Sprintf("must be between %d and %d", TargetWordsMin, TargetWordsMax),
		}
	}
	if r.Episode != nil && *r.Episode < 1 {
		return &ValidationError{Field: "episode", Reason: "must be >= 1"}
	}
	return nil
}
