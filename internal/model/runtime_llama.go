//go:build llama

package model

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"minima/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

var errStepwiseUnsupported = errors.New("llama runtime decodes through Stream, not per-step logits")

// llamaRuntime owns a go-llama.cpp model. The binding keeps one evaluation
// context per model, so calls are serialized.
type llamaRuntime struct {
	mu      sync.Mutex
	meta    Metadata
	model   *llama.LLama
	threads int
}

func openLlama(meta Metadata, opts Options) (Runtime, error) {
	ctxSize := meta.ContextLength
	if opts.ContextLength > 0 && opts.ContextLength < ctxSize {
		ctxSize = opts.ContextLength
	}
	mo := []llama.ModelOption{llama.SetContext(ctxSize)}
	if opts.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(opts.GPULayers))
	}
	m, err := llama.New(meta.Path, mo...)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "memory") || strings.Contains(msg, "alloc") {
			return nil, types.Wrap(types.KindResourceExhausted, err, "stage gguf model")
		}
		return nil, types.Wrap(types.KindModelFormatInvalid, err, "load gguf model")
	}
	meta.ContextLength = ctxSize
	return &llamaRuntime{meta: meta, model: m, threads: max(1, opts.Threads)}, nil
}

func (r *llamaRuntime) Metadata() Metadata { return r.meta }

func (r *llamaRuntime) Tokenize(text string) ([]Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil, errRuntimeClosed
	}
	_, ids, err := r.model.TokenizeString(text, llama.SetThreads(r.threads))
	if err != nil {
		return nil, err
	}
	out := make([]Token, len(ids))
	for i, id := range ids {
		out[i] = Token(id)
	}
	return out, nil
}

// Piece is unused: llama.cpp detokenizes inside Stream.
func (r *llamaRuntime) Piece(Token) []byte { return nil }

// Projector is nil: go-llama.cpp exposes no embedding batch input.
func (r *llamaRuntime) Projector() Projector { return nil }

func (r *llamaRuntime) NewState(capacity int) (State, error) {
	return &countState{capacity: capacity}, nil
}

func (r *llamaRuntime) Warm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return errRuntimeClosed
	}
	r.model.SetTokenCallback(func(string) bool { return false })
	_, err := r.model.Predict(" ", llama.SetTokens(1), llama.SetThreads(r.threads))
	return err
}

func (r *llamaRuntime) Stream(ctx context.Context, prompt string, p StreamParams, onPiece func(string) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return errRuntimeClosed
	}
	// Bridge token streaming to onPiece and respect cancellation
	r.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return onPiece(tok)
	})
	_, err := r.model.Predict(prompt, predictOptions(p, r.threads)...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *llamaRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts stream params into go-llama.cpp options.
func predictOptions(p StreamParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(p.Temperature),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}

// countState tracks occupancy only; llama.cpp keeps the real cache.
type countState struct {
	capacity int
	n        int
}

func (s *countState) Append(slots []Slot) error {
	for _, sl := range slots {
		if sl.Kind != SlotToken {
			return types.Errorf(types.KindModelIncompatible, "llama runtime accepts token slots only")
		}
	}
	s.n += len(slots)
	return nil
}

func (s *countState) Remove(positions []int) error {
	s.n -= len(positions)
	if s.n < 0 {
		s.n = 0
	}
	return nil
}

func (s *countState) Logits([]float32) ([]float32, error) { return nil, errStepwiseUnsupported }
func (s *countState) Len() int                            { return s.n }
func (s *countState) Reset()                              { s.n = 0 }
