package domain

import (
	"fmt"
)

// ClassificationResult is the normalized output attached to a Record.
// Confidence is always a fraction of 1 once normalized.
type ClassificationResult struct {
	Prediction  string       `json:"prediction"`
	Confidence  float64      `json:"confidence"`
	Category    string       `json:"category"`
	StoneExists bool         `json:"stone_exists"`
	Source      ResultSource `json:"source,omitempty"`
}

// Validate ensures the result is well formed: a non-empty label and a
// confidence within [0, 1].
func (r *ClassificationResult) Validate() error {
	if r == nil {
		return fmt.Errorf("classification validation: %w", ErrEmptyPrediction)
	}
	if r.Prediction == "" {
		return fmt.Errorf("classification validation: %w", ErrEmptyPrediction)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("classification validation: %w (got %v)", ErrInvalidConfidence, r.Confidence)
	}
	return nil
}

// LogFields returns structured logging fields for audit trails.
func (r *ClassificationResult) LogFields() map[string]any {
	return map[string]any{
		"prediction":   r.Prediction,
		"category":     r.Category,
		"confidence":   r.Confidence,
		"stone_exists": r.StoneExists,
		"source":       string(r.Source),
	}
}
