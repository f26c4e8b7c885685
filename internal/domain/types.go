// Package domain contains the core entities for stone classification of
// uploaded diagnostic recordings: records, classification results and the
// bounded per-patient history built from them.
package domain

import (
	"errors"
	"strings"
)

// Category is the stone size category assigned to a recording.
// NOSTONE is the canonical sentinel for "no stone detected".
type Category string

const (
	NOSTONE Category = "NOSTONE"
	SMALL   Category = "SMALL"
	MEDIUM  Category = "MEDIUM"
	LARGE   Category = "LARGE"
)

// SeverityCategories is the fixed set of positive categories the simulated
// classifier draws from.
var SeverityCategories = []Category{SMALL, MEDIUM, LARGE}

// ResultSource tells whether a result came from the external predictor or
// from the simulated fallback.
type ResultSource string

const (
	SourcePredictor  ResultSource = "predictor"
	SourceSimulation ResultSource = "simulation"
)

// DefaultPatientID is used when an upload does not name a patient.
const DefaultPatientID = "p_anon"

// DefaultHistoryLimit is the number of results kept visible per patient.
const DefaultHistoryLimit = 3

// Validation errors for record and result integrity
var (
	ErrInvalidConfidence = errors.New("confidence must be within [0, 1]")
	ErrEmptyPrediction   = errors.New("prediction label is required")
)

// IsNoStone reports whether a label denotes the no-stone sentinel.
// The comparison is case-insensitive and accepts the NO_STONE spelling
// some predictors emit.
func IsNoStone(label string) bool {
	l := strings.TrimSpace(label)
	return strings.EqualFold(l, string(NOSTONE)) || strings.EqualFold(l, "NO_STONE")
}

// IsSeverity reports whether c is one of the positive severity categories.
func (c Category) IsSeverity() bool {
	switch c {
	case SMALL, MEDIUM, LARGE:
		return true
	default:
		return false
	}
}

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// IsValid validates the result source.
func (s ResultSource) IsValid() bool {
	switch s {
	case SourcePredictor, SourceSimulation:
		return true
	default:
		return false
	}
}
