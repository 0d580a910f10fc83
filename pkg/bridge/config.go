package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"minima/internal/history"
	"minima/internal/inference"
	"minima/internal/model"
	"minima/internal/tokencache"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
)

// Recorder persists finished generations. *history.Store implements it.
type Recorder interface {
	Record(ctx context.Context, t history.Turn) (history.Turn, error)
}

// Config encapsulates all tunables for Bridge construction.
type Config struct {
	ModelPath string
	// Store shares loaded models between bridges. Nil creates a private store
	// from StoreOptions.
	Store        *model.Store
	StoreOptions model.Options

	// ContextLength caps this bridge's context (0 = model context length).
	ContextLength int
	WindowPolicy  inference.WindowPolicy
	WindowKeep    int
	SystemPrompt  string

	// Sampling defaults for requests that do not override them. Nil selects
	// inference.DefaultSampling.
	Sampling *inference.SamplingParams

	EmbeddingMinDelta float32

	MaxQueueDepth int
	MaxWait       time.Duration

	TokenCache *tokencache.Cache
	History    Recorder
	Publisher  EventPublisher
	Logger     *zerolog.Logger
}
