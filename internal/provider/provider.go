package provider

import (
	"context"
	"errors"
)

// ErrNoOutput is returned when a provider finishes without an image.
var ErrNoOutput = errors.New("provider returned no image")

type Request struct {
	Model     string         // provider model slug, e.g. "google/nano-banana-pro"
	Prompt    string
	Input     map[string]any // model-specific parameters
	ImageURLs []string       // reference images
	// Metadata for routing decisions
	UserID    int64
	RequestID string
}

type Result struct {
	ID          string
	ImageURL    string
	Image       []byte
	ContentType string
	Model       string
	Provider    string
	LatencyMs   int64
}

type Provider interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
	Name() string
	SupportedModels() []string
}
