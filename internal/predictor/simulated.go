package predictor

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/stone-classifier-server/internal/domain"
)

const (
	positiveRate = 0.4

	positiveMin  = 0.80
	positiveSpan = 0.18
	negativeMin  = 0.05
	negativeSpan = 0.25
)

// SimulatedClassifier produces a plausible result without running a model.
// Names containing the positive token are always positive.
type SimulatedClassifier struct {
	positiveToken string
	newRand       func() *rand.Rand
}

// NewSimulatedClassifier creates a simulator. An empty token defaults to "stone".
func NewSimulatedClassifier(positiveToken string) *SimulatedClassifier {
	if positiveToken == "" {
		positiveToken = "stone"
	}
	return &SimulatedClassifier{
		positiveToken: strings.ToLower(positiveToken),
		newRand: func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), uint64(time.Now().UnixNano())))
		},
	}
}

// Classify never fails.
func (s *SimulatedClassifier) Classify(_ context.Context, _ string, originalName string) (*domain.ClassificationResult, error) {
	return s.Simulate(originalName), nil
}

// Simulate draws a result for originalName from a source private to this call.
func (s *SimulatedClassifier) Simulate(originalName string) *domain.ClassificationResult {
	r := s.newRand()

	stone := strings.Contains(strings.ToLower(originalName), s.positiveToken) || r.Float64() < positiveRate

	raw := map[string]any{"stone_exists": stone}
	if stone {
		category := domain.SeverityCategories[r.IntN(len(domain.SeverityCategories))]
		raw["prediction"] = string(category)
		raw["category"] = string(category)
		raw["confidence"] = round4(positiveMin + r.Float64()*positiveSpan)
	} else {
		raw["prediction"] = string(domain.NOSTONE)
		raw["category"] = string(domain.NOSTONE)
		raw["confidence"] = round4(negativeMin + r.Float64()*negativeSpan)
	}

	result := Normalize(raw)
	result.Source = domain.SourceSimulation
	return result
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
