package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
	"github.com/stone-classifier-server/internal/middleware"
)

// handleUpload stores a multipart upload and records it for the patient.
func (s *Server) handleUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.abort(c, http.StatusRequestEntityTooLarge, domain.ErrCodeInvalidInput, "Upload too large", "")
			return
		}
		s.respondError(c, domain.NewValidationError("file", "No file uploaded", nil))
		return
	}

	f, err := fh.Open()
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer f.Close()

	rec, err := s.services.Records.SaveUpload(c.Request.Context(), c.PostForm("patientId"), fh.Filename, f)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, domain.UploadResponse{
		FileID: rec.ID,
		URL:    "/uploads/" + rec.StoredName,
	})
}

// handleCreateRecord records an artifact an upload collaborator already stored.
func (s *Server) handleCreateRecord(c *gin.Context) {
	var req domain.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, domain.ErrCodeValidation, "Invalid record request", err.Error())
		return
	}

	rec, err := s.services.Records.Create(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": rec.ID})
}

// handleListRecords is a debug listing of the newest records.
func (s *Server) handleListRecords(c *gin.Context) {
	limit, ok := s.queryLimit(c)
	if !ok {
		return
	}

	records, err := s.services.Records.List(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, records)
}

// handlePredict classifies a stored record. A body without a file id is a
// client error, not a prediction.
func (s *Server) handlePredict(c *gin.Context) {
	var req domain.PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.File) == "" {
		s.abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "Missing file id", "")
		return
	}

	result, err := s.services.Predictions.Predict(c.Request.Context(), req.File)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleHistory returns the patient's newest results.
func (s *Server) handleHistory(c *gin.Context) {
	limit, ok := s.queryLimit(c)
	if !ok {
		return
	}

	entries, err := s.services.History.RecentHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}

	c.JSON(http.StatusOK, entries)
}

// queryLimit parses ?limit=. A missing value is 0, which services read as
// their default. Writes a 400 and reports false when malformed.
func (s *Server) queryLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		s.abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "limit must be a non-negative integer", raw)
		return 0, false
	}
	return limit, true
}

// respondError maps a service error to a status and APIError body.
func (s *Server) respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		s.abort(c, http.StatusNotFound, domain.ErrCodeRecordNotFound, "File not found", err.Error())
	case errors.Is(err, domain.ErrDuplicateID):
		s.abort(c, http.StatusConflict, domain.ErrCodeDuplicateID, "Record already exists", err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		var verr *domain.ValidationError
		msg := "Invalid input"
		if errors.As(err, &verr) {
			msg = verr.Message
		}
		s.abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, msg, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.abort(c, http.StatusServiceUnavailable, domain.ErrCodeInternalServer, "Request cancelled", "")
	default:
		s.log.WithFields(logrus.Fields{
			"correlation_id": c.GetString(middleware.CorrelationIDKey),
			"path":           c.Request.URL.Path,
			"error":          err,
		}).Error("Request failed")
		s.abort(c, http.StatusInternalServerError, domain.ErrCodeInternalServer, "Internal server error", "")
	}
}

func (s *Server) abort(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, domain.NewAPIError(code, message, details, c.GetString(middleware.CorrelationIDKey)))
}
