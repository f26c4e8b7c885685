package predictor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/stone-classifier-server/internal/domain"
)

// Simulator is the fallback side of a FallbackClassifier.
type Simulator interface {
	Simulate(originalName string) *domain.ClassificationResult
}

// BreakerConfig controls when the primary classifier is skipped.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// BreakerConfigFrom converts configuration to breaker settings.
func BreakerConfigFrom(cfg domain.BreakerConfig) BreakerConfig {
	return BreakerConfig(cfg)
}

// FallbackClassifier asks the primary classifier through a circuit breaker
// and answers from the simulator on any failure. It never returns an error.
type FallbackClassifier struct {
	primary  domain.Classifier
	fallback Simulator
	breaker  *gobreaker.CircuitBreaker
	log      *logrus.Logger
}

// NewFallbackClassifier composes primary and fallback. A nil primary means
// every call is simulated.
func NewFallbackClassifier(primary domain.Classifier, fallback Simulator, config BreakerConfig, logger *logrus.Logger) *FallbackClassifier {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MinRequests == 0 {
		config.MinRequests = 3
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = 0.6
	}

	f := &FallbackClassifier{
		primary:  primary,
		fallback: fallback,
		log:      logger,
	}

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "predictor",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Predictor circuit breaker changed state")
		},
	})

	return f
}

// Classify returns the predictor's result, or a simulated one.
func (f *FallbackClassifier) Classify(ctx context.Context, artifactPath, originalName string) (*domain.ClassificationResult, error) {
	if f.primary == nil {
		return f.simulate(originalName), nil
	}

	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.primary.Classify(ctx, artifactPath, originalName)
	})
	if err == nil {
		result, _ := out.(*domain.ClassificationResult)
		err = result.Validate()
		if err == nil {
			if result.Source == "" {
				result.Source = domain.SourcePredictor
			}
			return result, nil
		}
	}

	entry := f.log.WithFields(logrus.Fields{
		"artifact": artifactPath,
		"error":    err,
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		entry.Debug("Predictor circuit open, simulating")
	default:
		entry.Warn("Predictor failed, falling back to simulation")
	}

	return f.simulate(originalName), nil
}

// State reports the breaker state for health output.
func (f *FallbackClassifier) State() string {
	if f.primary == nil {
		return "disabled"
	}
	return f.breaker.State().String()
}

func (f *FallbackClassifier) simulate(originalName string) *domain.ClassificationResult {
	result := f.fallback.Simulate(originalName)
	result.Source = domain.SourceSimulation
	return result
}

// New builds the classifier stack described by cfg: the external process
// behind a breaker when a command is configured, simulation otherwise.
func New(cfg domain.PredictorConfig, logger *logrus.Logger) *FallbackClassifier {
	var primary domain.Classifier
	if cfg.Command != "" {
		primary = NewExternalProcessClassifier(ExternalProcessConfigFrom(cfg), logger)
	}
	return NewFallbackClassifier(primary, NewSimulatedClassifier(cfg.PositiveToken), BreakerConfigFrom(cfg.Breaker), logger)
}
