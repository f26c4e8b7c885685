// Package predictor is the gateway that turns an uploaded artifact into a
// ClassificationResult. An external process classifier is composed with a
// simulated one so a classification is always produced.
package predictor

import (
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/stone-classifier-server/internal/domain"
)

// Accepted predictor output fields, highest precedence first. These are the
// output dialects a predictor may emit.
var (
	labelFields      = []string{"prediction", "label", "size_category", "category"}
	categoryFields   = []string{"size_category", "category", "prediction", "label"}
	confidenceFields = []string{"confidence", "probability", "score"}
	stoneFlagFields  = []string{"stone_exists", "stoneExists"}
)

// ParseOutput decodes predictor stdout into a raw field map. The output must
// be exactly one JSON object.
func ParseOutput(stdout []byte) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(string(stdout))))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errNotAnObject
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return raw, nil
}

// IsUsable reports whether raw carries anything to classify with: a label or
// a confidence. An explicit error field without a label is not usable.
func IsUsable(raw map[string]any) bool {
	_, hasLabel := firstString(raw, labelFields)
	if _, failed := raw["error"]; failed && !hasLabel {
		return false
	}
	_, hasConfidence := firstNumber(raw, confidenceFields)
	return hasLabel || hasConfidence
}

// Normalize maps raw predictor fields onto a ClassificationResult using the
// precedence tables above. Missing label means NOSTONE; a confidence above 1
// is a percentage and is divided by 100 once, then clamped to [0, 1].
func Normalize(raw map[string]any) *domain.ClassificationResult {
	label, ok := firstString(raw, labelFields)
	if !ok {
		label = string(domain.NOSTONE)
	}

	category, ok := firstString(raw, categoryFields)
	if !ok {
		category = label
	}

	confidence, _ := firstNumber(raw, confidenceFields)
	confidence = normalizeConfidence(confidence)

	stone := !domain.IsNoStone(label)
	for _, key := range stoneFlagFields {
		if b, ok := raw[key].(bool); ok {
			stone = b
			break
		}
	}

	return &domain.ClassificationResult{
		Prediction:  label,
		Confidence:  confidence,
		Category:    category,
		StoneExists: stone,
	}
}

func normalizeConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	if c > 1 {
		c = c / 100
	}
	return math.Max(0, math.Min(1, c))
}

func firstString(raw map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case json.Number:
			s = t.String()
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			continue
		default:
			continue
		}
		if s != "" {
			return s, true
		}
	}
	return "", false
}

func firstNumber(raw map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f, true
			}
		case float64:
			return t, true
		case int:
			return float64(t), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
