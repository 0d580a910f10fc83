// Package bridge is the public façade over one warmed inference context.
//
// A Bridge loads a model on construction and never fails to construct: a
// failed load is kept and every later call reports ModelNotLoaded. Calls that
// mutate the context (Prefetch, IngestEmbedding, Generate, Reset) are queued
// FIFO behind a single slot; when the queue is full or a call waits longer
// than MaxWait it fails with ContextBusy.
package bridge

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"minima/internal/history"
	"minima/internal/inference"
	"minima/internal/metrics"
	"minima/internal/model"
	"minima/pkg/types"
)

// Bridge owns one InferenceContext over a model handle.
type Bridge struct {
	log      zerolog.Logger
	pub      EventPublisher
	history  Recorder
	store    *model.Store
	h        *model.Handle
	ictx     *inference.Context
	engine   *inference.Engine
	injector inference.Injector
	sampling inference.SamplingParams
	loadErr  error

	// Queueing primitives
	genCh   chan struct{} // size 1: single in-flight mutation
	queueCh chan struct{} // buffered: queue slots
	maxWait time.Duration

	mu      sync.Mutex
	closed  bool
	session string
	lastErr string

	// published after every mutation so queries never touch the context
	pos      atomic.Int64
	consumed atomic.Int64
	warmed   atomic.Bool
}

// New loads cfg.ModelPath and builds the context. It never returns nil;
// inspect IsLoaded and LoadErr for the outcome.
func New(ctx context.Context, cfg Config) *Bridge {
	b := &Bridge{
		log:     zerolog.Nop(),
		pub:     cfg.Publisher,
		history: cfg.History,
		session: uuid.NewString(),
		maxWait: cfg.MaxWait,
	}
	if cfg.Logger != nil {
		b.log = cfg.Logger.With().Str("component", "bridge").Logger()
	}
	if b.pub == nil {
		b.pub = noopPublisher{}
	}
	if b.maxWait <= 0 {
		b.maxWait = defaultMaxWait
	}
	depth := cfg.MaxQueueDepth
	if depth <= 0 {
		depth = defaultMaxQueueDepth
	}
	b.queueCh = make(chan struct{}, depth)
	b.genCh = make(chan struct{}, 1)
	b.sampling = inference.DefaultSampling()
	if cfg.Sampling != nil {
		b.sampling = *cfg.Sampling
	}
	b.injector = inference.Injector{MinDelta: cfg.EmbeddingMinDelta}

	b.store = cfg.Store
	if b.store == nil {
		opts := cfg.StoreOptions
		if opts.Logger == nil {
			opts.Logger = cfg.Logger
		}
		b.store = model.NewStore(opts)
	}

	start := time.Now()
	h, err := b.store.Acquire(ctx, cfg.ModelPath)
	if err != nil {
		b.failLoad(cfg.ModelPath, err, start)
		return b
	}
	ictx, err := inference.NewContext(h.Runtime(), inference.ContextOptions{
		Capacity:     cfg.ContextLength,
		Policy:       cfg.WindowPolicy,
		Keep:         cfg.WindowKeep,
		SystemPrompt: cfg.SystemPrompt,
		Tokens:       cfg.TokenCache,
		Logger:       cfg.Logger,
		OnEvict:      metrics.AddEvictions,
	})
	if err != nil {
		_ = b.store.Release(h)
		b.failLoad(cfg.ModelPath, err, start)
		return b
	}
	b.h = h
	b.ictx = ictx
	b.engine = inference.NewEngine(ictx, cfg.Logger)
	b.publishState()

	info := h.Info()
	metrics.ObserveLoad("ok", time.Since(start))
	b.log.Info().
		Str("model", info.Path).
		Str("arch", info.Architecture).
		Int("ctx", ictx.Capacity()).
		Str("policy", string(ictx.Policy())).
		Dur("dur", time.Since(start)).
		Msg("bridge ready")
	b.publish(EventModelLoaded, map[string]any{"path": info.Path, "architecture": info.Architecture,
		"context_length": ictx.Capacity(), "embedding_length": info.EmbeddingLength})
	return b
}

func (b *Bridge) failLoad(path string, err error, start time.Time) {
	b.loadErr = err
	b.lastErr = err.Error()
	result := string(types.KindOf(err))
	if result == "" {
		result = "error"
	}
	metrics.ObserveLoad(result, time.Since(start))
	b.log.Error().Err(err).Str("path", path).Msg("model load failed")
	b.publish(EventModelLoadFailed, map[string]any{"path": path, "kind": result, "error": err.Error()})
}

func (b *Bridge) publish(name string, fields map[string]any) {
	if b.pub == nil {
		return
	}
	b.pub.Publish(Event{Name: name, Session: b.Session(), Fields: fields})
}

// publishState refreshes the snapshot read by queries. Caller holds the slot.
func (b *Bridge) publishState() {
	b.pos.Store(int64(b.ictx.Position()))
	b.consumed.Store(b.ictx.Consumed())
	b.warmed.Store(b.ictx.Warmed())
	metrics.SetPosition(b.Session(), b.ictx.Position())
}

// ready fails with ModelNotLoaded unless the bridge holds a usable context.
func (b *Bridge) ready() error {
	if b == nil || b.ictx == nil {
		if b != nil && b.loadErr != nil {
			return types.Wrap(types.KindModelNotLoaded, b.loadErr, "model failed to load")
		}
		return types.Errorf(types.KindModelNotLoaded, "no model loaded")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.Errorf(types.KindModelNotLoaded, "bridge closed")
	}
	return nil
}

// acquire combines ready and begin, rechecking ready once the slot is held
// since Close may have run while the call was queued.
func (b *Bridge) acquire(ctx context.Context, op string) (func(), error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	release, err := b.begin(ctx, op)
	if err != nil {
		if types.IsContextBusy(err) {
			b.log.Warn().Str("op", op).Msg("context busy")
		}
		return nil, err
	}
	if err := b.ready(); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (b *Bridge) noteErr(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
}

// IsLoaded reports whether the load succeeded and the bridge is not closed.
func (b *Bridge) IsLoaded() bool { return b.ready() == nil }

// LoadErr returns the load failure, if any.
func (b *Bridge) LoadErr() error {
	if b == nil {
		return nil
	}
	return b.loadErr
}

// Info describes the loaded model.
func (b *Bridge) Info() (types.ModelInfo, error) {
	if err := b.ready(); err != nil {
		return types.ModelInfo{}, err
	}
	info := b.h.Info()
	info.ContextLength = b.ictx.Capacity()
	return info, nil
}

// Session identifies the current conversation; Reset starts a new one.
func (b *Bridge) Session() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// Position is the context occupancy after the last completed mutation.
func (b *Bridge) Position() int {
	if b == nil {
		return 0
	}
	return int(b.pos.Load())
}

// Prefetch warms the context. Repeated calls leave the context unchanged.
func (b *Bridge) Prefetch(ctx context.Context) error {
	release, err := b.acquire(ctx, "prefetch")
	if err != nil {
		return err
	}
	defer release()
	first := !b.ictx.Warmed()
	start := time.Now()
	err = b.ictx.WarmUp(ctx)
	b.publishState()
	if err != nil {
		b.noteErr(err)
		return err
	}
	metrics.IncWarmup()
	if first {
		b.log.Info().Dur("dur", time.Since(start)).Msg("context warmed")
	}
	b.publish(EventWarmed, map[string]any{"first": first, "position": b.ictx.Position()})
	return nil
}

// IngestEmbedding splices buf[:length] into the context as one slot. The
// buffer is copied before the call waits for the context.
func (b *Bridge) IngestEmbedding(ctx context.Context, buf []float32, length int) error {
	if err := b.ready(); err != nil {
		return err
	}
	if length < 0 || length > len(buf) {
		metrics.ObserveEmbedding(string(types.KindEmbeddingDimensionMismatch))
		return types.Errorf(types.KindEmbeddingDimensionMismatch, "length %d outside a buffer of %d values", length, len(buf))
	}
	vec := append([]float32(nil), buf[:length]...)
	if want := b.h.Metadata().EmbeddingLength; want > 0 && length != want {
		metrics.ObserveEmbedding(string(types.KindEmbeddingDimensionMismatch))
		return types.Errorf(types.KindEmbeddingDimensionMismatch, "embedding has %d values, model expects %d", length, want)
	}

	release, err := b.acquire(ctx, "ingest")
	if err != nil {
		return err
	}
	defer release()
	res, err := b.injector.Inject(b.ictx, vec, length)
	b.publishState()
	if err != nil {
		metrics.ObserveEmbedding(string(types.KindOf(err)))
		b.noteErr(err)
		return err
	}
	fields := map[string]any{"length": length, "position": res.Position, "distance": res.Distance}
	if res.Skipped {
		metrics.ObserveEmbedding("skipped")
		b.publish(EventEmbeddingSkipped, fields)
		return nil
	}
	metrics.ObserveEmbedding("ingested")
	b.log.Debug().Int("length", length).Int("position", res.Position).Msg("embedding ingested")
	b.publish(EventEmbeddingIngested, fields)
	return nil
}

// GenerateResponse generates and returns the aggregated result.
func (b *Bridge) GenerateResponse(ctx context.Context, req types.GenerationRequest) (types.Result, error) {
	return b.Generate(ctx, req, nil)
}

// Generate streams fragments to emit in order; emit returning false stops
// generation with a Cancelled result. The Result is returned even alongside
// DecodeFailure and cancellation errors.
func (b *Bridge) Generate(ctx context.Context, req types.GenerationRequest, emit func(types.Fragment) bool) (types.Result, error) {
	release, err := b.acquire(ctx, "generate")
	if err != nil {
		return types.Result{}, err
	}
	defer release()

	r := b.resolve(req)
	withImage := b.ictx.HasEmbedding()
	res, err := b.engine.Generate(ctx, r, emit)
	b.publishState()
	b.noteErr(err)
	if res.State == "" {
		// rejected before decoding
		return res, err
	}
	metrics.ObserveGeneration(string(res.State), res.Usage.CompletionTokens)
	b.publish(EventGenerationDone, map[string]any{"id": res.ID, "state": string(res.State),
		"reason": string(res.FinishReason), "tokens": res.Usage.CompletionTokens, "position": res.Position})
	if b.history != nil {
		turn := history.Turn{
			ID:           res.ID,
			Session:      b.Session(),
			Model:        filepath.Base(b.h.Metadata().Path),
			Prompt:       req.Prompt,
			Output:       res.Text,
			State:        res.State,
			FinishReason: res.FinishReason,
			Usage:        res.Usage,
			WithImage:    withImage,
		}
		if _, herr := b.history.Record(context.WithoutCancel(ctx), turn); herr != nil {
			b.log.Warn().Err(herr).Str("id", res.ID).Msg("history record failed")
		}
	}
	return res, err
}

// resolve applies the bridge sampling defaults to req.
func (b *Bridge) resolve(req types.GenerationRequest) inference.Request {
	p := b.sampling
	if req.Temperature != nil {
		p.Temperature = max(0, *req.Temperature)
	}
	if req.TopP > 0 {
		p.TopP = req.TopP
	}
	if req.TopK > 0 {
		p.TopK = req.TopK
	}
	if req.Seed != 0 {
		p.Seed = req.Seed
	}
	if req.RepeatPenalty > 0 {
		p.RepeatPenalty = req.RepeatPenalty
	}
	maxTokens := p.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = max(0, *req.MaxTokens)
	}
	return inference.Request{
		Prompt:    req.Prompt,
		MaxTokens: maxTokens,
		Stop:      append([]string(nil), req.Stop...),
		Sampling:  p,
	}
}

// Reset clears the conversation and starts a new session.
func (b *Bridge) Reset(ctx context.Context) error {
	release, err := b.acquire(ctx, "reset")
	if err != nil {
		return err
	}
	defer release()
	if err := b.ictx.Reset(); err != nil {
		b.noteErr(err)
		return err
	}
	b.mu.Lock()
	old := b.session
	b.session = uuid.NewString()
	b.mu.Unlock()
	metrics.DropSession(old)
	b.publishState()
	b.publish(EventContextReset, map[string]any{"previous": old, "position": b.ictx.Position()})
	return nil
}

// Status is a read-only projection for the ops endpoint.
func (b *Bridge) Status() types.Status {
	st := types.Status{Session: b.Session()}
	if b == nil {
		return st
	}
	st.Loaded = b.IsLoaded()
	b.mu.Lock()
	st.LastError = b.lastErr
	b.mu.Unlock()
	if b.h != nil && st.Loaded {
		info, _ := b.Info()
		st.Model = &info
	}
	st.Position = b.Position()
	st.Consumed = b.consumed.Load()
	st.Warmed = b.warmed.Load()
	st.QueueLen = len(b.queueCh)
	st.Inflight = len(b.genCh)
	return st
}

// Close waits for the in-flight call, then releases the model handle. Later
// calls fail with ModelNotLoaded. Close is idempotent.
func (b *Bridge) Close() error {
	if b == nil || b.ictx == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.genCh <- struct{}{}
	err := b.store.Release(b.h)
	<-b.genCh
	metrics.DropSession(b.Session())
	b.log.Info().Msg("bridge closed")
	b.publish(EventClosed, nil)
	return err
}
