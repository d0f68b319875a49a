// Package core defines the shared types, interfaces and error taxonomy for the
// voice render service.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	UploadFile(ctx context.Context, key, path string) error
}

// VoiceProfile is the read-only view of a voice profile the pipeline needs:
// a transcript and the reference sample it describes.
type VoiceProfile struct {
	ID              string
	Name            string
	PromptText      string
	PromptAudioPath string
}

// ProfileSource resolves voice profiles by id.
type ProfileSource interface {
	Lookup(id string) (VoiceProfile, error)
	DefaultID() string
}

// RenderRequest is a single synthesis job submitted to a Renderer.
type RenderRequest struct {
	// JobID is optional. A random id is assigned when empty.
	JobID     string
	Text      string
	ProfileID string
}

// RenderResult describes a completed job.
type RenderResult struct {
	JobID           string
	ProfileID       string
	AudioPath       string
	SampleRate      int
	DurationSeconds float64
	SizeBytes       int64
	WordCount       int
	Sentences       int
	ProcessingTime  time.Duration
}

// RenderStatus is a point-in-time view of the active job.
type RenderStatus struct {
	IsRendering               bool    `json:"is_rendering"`
	JobID                     string  `json:"job_id,omitempty"`
	State                     string  `json:"state"`
	CurrentSentence           int     `json:"current_sentence"`
	TotalSentences            int     `json:"total_sentences"`
	ElapsedSeconds            float64 `json:"elapsed_time"`
	EstimatedSecondsRemaining float64 `json:"estimated_time_remaining"`
}

// Renderer runs synthesis jobs one at a time.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*RenderResult, error)
	Stop() bool
	Status() RenderStatus
}
