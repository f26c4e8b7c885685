package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodePrediction serializes a result for storage. A nil result encodes
// to the empty string, which stores read back as "no prediction yet".
func EncodePrediction(r *ClassificationResult) (string, error) {
	if r == nil {
		return "", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding prediction: %w", err)
	}
	return string(b), nil
}

// DecodePrediction parses a stored payload. Empty and JSON null payloads
// yield (nil, nil). Anything that is not a valid result yields an error so
// callers can decide how to degrade.
func DecodePrediction(raw string) (*ClassificationResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}

	var r ClassificationResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	return &r, nil
}

// LoadPrediction sets the record's stored payload and decodes it. On a
// decode error Prediction stays nil and RawPrediction keeps the payload.
func (r *Record) LoadPrediction(raw string) error {
	r.RawPrediction = raw
	p, err := DecodePrediction(raw)
	r.Prediction = p
	return err
}
