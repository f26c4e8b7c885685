package predictor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stone-classifier-server/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	maxLoggedBytes = 512
)

var (
	errNotAnObject  = errors.New("output is not a JSON object")
	errTrailingData = errors.New("output contains more than one JSON value")
)

// ExternalProcessConfig configures an ExternalProcessClassifier.
type ExternalProcessConfig struct {
	Command   string
	Args      []string // placed before the artifact path
	WorkDir   string
	Timeout   time.Duration
	RateLimit float64 // launches per second, 0 = unlimited
	Burst     int
}

// ExternalProcessConfigFrom builds the process settings from configuration.
func ExternalProcessConfigFrom(cfg domain.PredictorConfig) ExternalProcessConfig {
	return ExternalProcessConfig{
		Command:   cfg.Command,
		Args:      cfg.Args,
		WorkDir:   cfg.WorkDir,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
	}
}

// ExternalProcessClassifier runs an external predictor once per call with the
// artifact path as its last argument and parses one JSON object from stdout.
type ExternalProcessClassifier struct {
	config  ExternalProcessConfig
	limiter *rate.Limiter
	log     *logrus.Logger
}

// NewExternalProcessClassifier creates a classifier for the configured command.
func NewExternalProcessClassifier(config ExternalProcessConfig, logger *logrus.Logger) *ExternalProcessClassifier {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &ExternalProcessClassifier{
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger,
	}
}

// Classify runs the predictor and normalizes its output.
func (c *ExternalProcessClassifier) Classify(ctx context.Context, artifactPath, _ string) (*domain.ClassificationResult, error) {
	if c.config.Command == "" {
		return nil, fmt.Errorf("no predictor command configured: %w", domain.ErrPredictorUnavailable)
	}

	cmdPath, err := exec.LookPath(c.config.Command)
	if err != nil {
		return nil, fmt.Errorf("predictor command %q not found: %w", c.config.Command, domain.ErrPredictorUnavailable)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := c.limiter.Wait(cmdCtx); err != nil {
		return nil, fmt.Errorf("predictor throttled: %v: %w", err, domain.ErrPredictorUnavailable)
	}

	args := make([]string, 0, len(c.config.Args)+1)
	args = append(args, c.config.Args...)
	args = append(args, artifactPath)

	cmd := exec.CommandContext(cmdCtx, cmdPath, args...) //nolint:gosec // command comes from operator configuration
	cmd.Dir = c.config.WorkDir
	// Kill only signals the direct child; don't wait on pipes held open by grandchildren
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	fields := logrus.Fields{
		"command":     c.config.Command,
		"artifact":    artifactPath,
		"duration_ms": duration.Milliseconds(),
	}

	if s := strings.TrimSpace(stderr.String()); s != "" {
		c.log.WithFields(fields).WithField("stderr", truncate(s)).Warn("Predictor wrote to stderr")
	}

	if runErr != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			c.log.WithFields(fields).Warn("Predictor timed out")
			return nil, fmt.Errorf("predictor timed out after %v: %w", c.config.Timeout, domain.ErrPredictorUnavailable)
		}

		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		c.log.WithFields(fields).WithFields(logrus.Fields{
			"exit_code": exitCode,
			"stdout":    truncate(stdout.String()),
			"error":     runErr,
		}).Warn("Predictor failed")

		// Whatever it printed is still judged on its own.
		if strings.TrimSpace(stdout.String()) == "" {
			return nil, fmt.Errorf("predictor exited with code %d: %v: %w", exitCode, runErr, domain.ErrPredictorUnavailable)
		}
	}

	if strings.TrimSpace(stdout.String()) == "" {
		return nil, fmt.Errorf("predictor produced no output: %w", domain.ErrPredictorOutputInvalid)
	}

	raw, err := ParseOutput(stdout.Bytes())
	if err != nil {
		c.log.WithFields(fields).WithFields(logrus.Fields{
			"stdout": truncate(stdout.String()),
			"error":  err,
		}).Warn("Predictor output is not parsable")
		return nil, fmt.Errorf("parsing predictor output: %v: %w", err, domain.ErrPredictorOutputInvalid)
	}

	if !IsUsable(raw) {
		c.log.WithFields(fields).WithField("stdout", truncate(stdout.String())).Warn("Predictor output has no classification")
		return nil, fmt.Errorf("predictor output has no classification fields: %w", domain.ErrPredictorOutputInvalid)
	}

	result := Normalize(raw)
	result.Source = domain.SourcePredictor

	c.log.WithFields(fields).WithFields(result.LogFields()).Debug("Predictor classified artifact")
	return result, nil
}

// truncate bounds text copied into log entries.
func truncate(s string) string {
	if len(s) <= maxLoggedBytes {
		return s
	}
	cut := maxLoggedBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}
