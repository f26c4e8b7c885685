package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
)

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "predict",
		Description: "Classify a stored record for kidney stones. Stores and returns the result, replacing any earlier one.",
	}, s.handlePredict)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "recent_history",
		Description: "List a patient's most recent records, newest first, with their predictions.",
	}, s.handleRecentHistory)

	s.logger.WithField("tool_count", 2).Debug("Registered MCP tools")
}

type predictInput struct {
	File string `json:"file" jsonschema:"record id returned by the upload"`
}

type predictionOutput struct {
	Prediction  string  `json:"prediction"`
	Confidence  float64 `json:"confidence"`
	Category    string  `json:"category"`
	StoneExists bool    `json:"stone_exists"`
	Source      string  `json:"source,omitempty"`
}

type predictOutput struct {
	File   string           `json:"file"`
	Result predictionOutput `json:"result"`
}

type recentHistoryInput struct {
	PatientID string `json:"patient_id" jsonschema:"patient identifier"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum entries to return (default 3)"`
}

type historyItem struct {
	ID         string            `json:"id"`
	Filename   string            `json:"filename"`
	UploadedAt string            `json:"uploaded_at"`
	Prediction *predictionOutput `json:"prediction,omitempty"`
}

type recentHistoryOutput struct {
	PatientID string        `json:"patient_id"`
	Entries   []historyItem `json:"entries"`
}

func (s *Server) handlePredict(ctx context.Context, _ *sdkmcp.CallToolRequest, in predictInput) (*sdkmcp.CallToolResult, predictOutput, error) {
	result, err := s.predictions.Predict(ctx, in.File)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"tool":  "predict",
			"file":  in.File,
			"error": err,
		}).Warn("Tool call failed")
		return nil, predictOutput{}, toolError(err)
	}

	return nil, predictOutput{
		File:   in.File,
		Result: toPredictionOutput(result),
	}, nil
}

func (s *Server) handleRecentHistory(ctx context.Context, _ *sdkmcp.CallToolRequest, in recentHistoryInput) (*sdkmcp.CallToolResult, recentHistoryOutput, error) {
	if in.Limit < 0 {
		return nil, recentHistoryOutput{}, fmt.Errorf("limit must not be negative")
	}

	entries, err := s.history.RecentHistory(ctx, in.PatientID, in.Limit)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"tool":       "recent_history",
			"patient_id": in.PatientID,
			"error":      err,
		}).Warn("Tool call failed")
		return nil, recentHistoryOutput{}, toolError(err)
	}

	out := recentHistoryOutput{
		PatientID: in.PatientID,
		Entries:   make([]historyItem, 0, len(entries)),
	}
	for _, e := range entries {
		item := historyItem{
			ID:         e.ID,
			Filename:   e.Filename,
			UploadedAt: e.UploadedAt.UTC().Format(time.RFC3339Nano),
		}
		if e.Prediction != nil {
			p := toPredictionOutput(e.Prediction)
			item.Prediction = &p
		}
		out.Entries = append(out.Entries, item)
	}
	return nil, out, nil
}

func toPredictionOutput(r *domain.ClassificationResult) predictionOutput {
	return predictionOutput{
		Prediction:  r.Prediction,
		Confidence:  r.Confidence,
		Category:    r.Category,
		StoneExists: r.StoneExists,
		Source:      string(r.Source),
	}
}

// toolError turns service errors into messages fit for a model to read.
func toolError(err error) error {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		return fmt.Errorf("file not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid %s: %s", verr.Field, verr.Message)
		}
		return fmt.Errorf("invalid input")
	default:
		return fmt.Errorf("internal error")
	}
}
