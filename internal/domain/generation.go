package domain

import "time"

type GenerationType string

const (
	GenerationTypePhoto GenerationType = "photo"
	GenerationTypeVideo GenerationType = "video"
	GenerationTypeAudio GenerationType = "audio"
)

type GenerationStatus string

const (
	GenerationStatusQueued     GenerationStatus = "QUEUED"
	GenerationStatusProcessing GenerationStatus = "PROCESSING"
	GenerationStatusCompleted  GenerationStatus = "COMPLETED"
	GenerationStatusFailed     GenerationStatus = "FAILED"
)

// BatchRef places one job inside a larger generation request. Index is
// informational; completion is tracked by count, not position.
type BatchRef struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// GenerationJob is the transport format consumed from queue backends. Field
// names match the producer's enqueue contract verbatim.
type GenerationJob struct {
	ID           string         `json:"id"`
	Type         GenerationType `json:"type"`
	Description  string         `json:"description"`
	UserID       string         `json:"userId"`
	GenerationID string         `json:"generationId"`
	ModelID      string         `json:"modelId"`
	Resolution   string         `json:"resolution,omitempty"`
	FPS          int            `json:"fps,omitempty"`
	Quality      string         `json:"quality,omitempty"`
	VideoLength  int            `json:"videoLength,omitempty"`
	ImageURL     string         `json:"imageUrl,omitempty"`
	Batch        BatchRef       `json:"batch"`
	Attempt      int            `json:"attempt"`
	RequestedAt  time.Time      `json:"requestedAt"`
}

// Generation is the persistent aggregate one or more batch jobs resolve into.
// Status moves QUEUED -> PROCESSING -> COMPLETED|FAILED and never backwards.
// Remaining counts batch items not yet applied; it is seeded to the batch
// total and only ever decremented atomically, so exactly one writer observes
// the transition to zero.
type Generation struct {
	ID             string
	UserID         string
	ModelID        string
	SubModelID     string
	Status         GenerationStatus
	MediaURLs      []string
	ItemsLength    int
	Remaining      int
	GenerationTime float64
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GeneratedImage is the per-artifact child row written for photo generations.
// This pipeline only inserts; selection and discard flags belong to the UI.
type GeneratedImage struct {
	ID          string
	GenerateID  string
	ImageURL    string
	IsDiscarded bool
	IsSelected  bool
	CreatedAt   time.Time
}
