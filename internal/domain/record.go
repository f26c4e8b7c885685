package domain

import (
	"time"
)

// Record represents one uploaded artifact and its optional classification.
type Record struct {
	ID           string                `json:"id" db:"id"`
	PatientID    string                `json:"patient_id" db:"patient_id"`
	StoredName   string                `json:"filename" db:"filename"`
	OriginalName string                `json:"original_name" db:"original_name"`
	Path         string                `json:"path" db:"path"`
	UploadedAt   time.Time             `json:"uploaded_at" db:"uploaded_at"`
	Prediction   *ClassificationResult `json:"prediction" db:"-"`

	// RawPrediction holds the stored payload exactly as persisted. It is
	// kept when the payload could not be decoded into Prediction.
	RawPrediction string `json:"-" db:"prediction"`
}

// HistoryEntry is one row of a patient's recent history.
type HistoryEntry struct {
	ID         string                `json:"id"`
	Filename   string                `json:"filename"`
	UploadedAt time.Time             `json:"uploadedAt"`
	Prediction *ClassificationResult `json:"prediction"`
}

// UploadRequest is what the upload collaborator hands to the core when an
// artifact has been stored.
type UploadRequest struct {
	ID           string `json:"id,omitempty"`
	PatientID    string `json:"patientId"`
	OriginalName string `json:"originalName" binding:"required"`
	StoredName   string `json:"storedName"`
	Path         string `json:"path" binding:"required"`
}

// PredictRequest is the body of a predict call.
type PredictRequest struct {
	File string `json:"file"`
}

// UploadResponse is returned once an artifact has been stored and recorded.
type UploadResponse struct {
	FileID string `json:"fileId"`
	URL    string `json:"url"`
}

// ChangeKind names what happened to a patient's history.
type ChangeKind string

const (
	ChangeRecordCreated ChangeKind = "record_created"
	ChangePredicted     ChangeKind = "predicted"
)

// HistoryChange is delivered to history subscribers after a mutation.
type HistoryChange struct {
	PatientID  string                `json:"patientId"`
	RecordID   string                `json:"recordId"`
	Kind       ChangeKind            `json:"kind"`
	Prediction *ClassificationResult `json:"prediction,omitempty"`
	At         time.Time             `json:"at"`
}

// ToHistoryEntry projects a record onto its history shape.
func (r *Record) ToHistoryEntry() HistoryEntry {
	return HistoryEntry{
		ID:         r.ID,
		Filename:   r.OriginalName,
		UploadedAt: r.UploadedAt,
		Prediction: r.Prediction,
	}
}
