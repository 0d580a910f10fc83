package model

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"minima/pkg/types"
)

// Options tunes how models are staged.
type Options struct {
	// ContextLength caps the model's declared context (0 = as declared).
	ContextLength int
	Threads       int
	GPULayers     int
	// MemoryBudgetMB bounds the summed estimate of all loaded handles
	// (0 = unlimited). MemoryMarginMB is held back from the budget.
	MemoryBudgetMB int
	MemoryMarginMB int
	Logger         *zerolog.Logger
}

// Handle is a loaded model owned by a Store. It is either fully loaded or
// absent; callers never observe a partial Handle.
type Handle struct {
	meta   Metadata
	rt     Runtime
	refs   int
	closed bool
}

func (h *Handle) Metadata() Metadata { return h.meta }
func (h *Handle) Runtime() Runtime   { return h.rt }

// Info is the public view of the handle.
func (h *Handle) Info() types.ModelInfo {
	return types.ModelInfo{
		Path:            h.meta.Path,
		Format:          string(h.meta.Format),
		Architecture:    h.meta.Architecture,
		VocabSize:       h.meta.VocabSize,
		ContextLength:   h.meta.ContextLength,
		EmbeddingLength: h.meta.EmbeddingLength,
		Quantization:    h.meta.Quantization,
		EstimatedMB:     h.meta.EstimatedMB(),
	}
}

// Store loads models and shares one Handle per absolute path among its
// callers. Concurrent loads of the same path are collapsed into one.
type Store struct {
	opts    Options
	log     zerolog.Logger
	mu      sync.Mutex
	handles map[string]*Handle
	usedMB  int
	group   singleflight.Group

	staged func(context.Context) // test hook, runs after the budget reservation
}

// NewStore constructs an empty Store.
func NewStore(opts Options) *Store {
	s := &Store{opts: opts, handles: make(map[string]*Handle), log: zerolog.Nop()}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "model_store").Logger()
	}
	return s
}

// Acquire returns a shared handle for path, loading it on first use. Every
// successful Acquire must be paired with Release.
func (s *Store) Acquire(ctx context.Context, path string) (*Handle, error) {
	abs, fi, err := resolve(path)
	if err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		if h, ok := s.handles[abs]; ok && !h.closed {
			h.refs++
			s.mu.Unlock()
			return h, nil
		}
		s.mu.Unlock()

		v, err, _ := s.group.Do(abs, func() (any, error) {
			s.mu.Lock()
			if h, ok := s.handles[abs]; ok && !h.closed {
				s.mu.Unlock()
				return h, nil
			}
			s.mu.Unlock()
			// the load outlives any single waiter
			return s.load(context.WithoutCancel(ctx), abs, fi)
		})
		if err != nil {
			return nil, err
		}
		h := v.(*Handle)
		s.mu.Lock()
		if h.closed {
			// released to zero between load and this caller's reference
			s.mu.Unlock()
			continue
		}
		h.refs++
		s.mu.Unlock()
		return h, nil
	}
}

// Release drops one reference and frees the runtime with the last one.
func (s *Store) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	s.mu.Lock()
	if h.closed {
		s.mu.Unlock()
		return nil
	}
	h.refs--
	if h.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	h.closed = true
	delete(s.handles, h.meta.Path)
	s.usedMB -= h.meta.EstimatedMB()
	s.mu.Unlock()
	s.log.Info().Str("path", h.meta.Path).Msg("model unloaded")
	return h.rt.Close()
}

// Loaded returns the number of live handles.
func (s *Store) Loaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// load opens, validates and stages the model. The handle is registered with
// zero references; Acquire adds the caller's.
func (s *Store) load(ctx context.Context, abs string, fi os.FileInfo) (*Handle, error) {
	start := time.Now()
	f, err := os.Open(abs)
	if err != nil {
		return nil, types.Wrap(types.KindModelNotFound, err, abs)
	}
	defer f.Close()
	meta, nh, off, err := sniff(f, abs, fi.Size())
	if err != nil {
		s.log.Warn().Err(err).Str("path", abs).Msg("model header rejected")
		return nil, err
	}
	if n := s.opts.ContextLength; n > 0 && n < meta.ContextLength {
		meta.ContextLength = n
	}

	reqMB := meta.EstimatedMB()
	s.mu.Lock()
	if b := s.opts.MemoryBudgetMB; b > 0 && s.usedMB+reqMB > b-s.opts.MemoryMarginMB {
		used := s.usedMB
		s.mu.Unlock()
		return nil, types.Errorf(types.KindResourceExhausted,
			"model needs ~%dMB, %dMB of %dMB budget in use (margin %dMB)", reqMB, used, b, s.opts.MemoryMarginMB)
	}
	// reserve before staging so concurrent loads of other paths see it
	s.usedMB += reqMB
	s.mu.Unlock()
	unreserve := func() {
		s.mu.Lock()
		s.usedMB -= reqMB
		s.mu.Unlock()
	}

	if s.staged != nil {
		s.staged(ctx)
	}
	var rt Runtime
	switch meta.Format {
	case FormatNative:
		nm, derr := decodeNative(f, *nh, off, fi.Size())
		if derr != nil {
			unreserve()
			return nil, derr
		}
		rt, err = newAttnRuntime(meta, nm)
		if err != nil {
			err = types.Wrap(types.KindModelFormatInvalid, err, "build runtime")
		}
	case FormatGGUF:
		rt, err = openLlama(meta, s.opts)
		if err == nil {
			meta = rt.Metadata()
		}
	}
	if err != nil {
		unreserve()
		s.log.Warn().Err(err).Str("path", abs).Msg("model load failed")
		return nil, err
	}
	h := &Handle{meta: meta, rt: rt}
	s.mu.Lock()
	s.handles[abs] = h
	s.mu.Unlock()
	s.log.Info().
		Str("path", abs).
		Str("arch", meta.Architecture).
		Int("ctx", meta.ContextLength).
		Int("est_mb", reqMB).
		Dur("dur", time.Since(start)).
		Msg("model loaded")
	return h, nil
}
