package inference

import (
	"context"
	"errors"
	"testing"

	"minima/internal/model"
	"minima/internal/testmodel"
)

func loadRuntime(t *testing.T, m *model.NativeModel) model.Runtime {
	t.Helper()
	s := model.NewStore(model.Options{})
	h, err := s.Acquire(context.Background(), testmodel.Write(t, t.TempDir(), "m.mnma", m))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = s.Release(h) })
	return h.Runtime()
}

func newTestContext(t *testing.T, rt model.Runtime, opts ContextOptions) *Context {
	t.Helper()
	c, err := NewContext(rt, opts)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	return c
}

func greedy(max int) Request {
	p := DefaultSampling()
	p.Temperature = 0
	return Request{MaxTokens: max, Sampling: p}
}

// countingRuntime counts warm-up passes.
type countingRuntime struct {
	model.Runtime
	warms int
}

func (r *countingRuntime) Warm(ctx context.Context) error {
	r.warms++
	return r.Runtime.Warm(ctx)
}

// failingRuntime hands out states whose forward pass fails after okCalls
// successful calls.
type failingRuntime struct {
	model.Runtime
	okCalls int
}

func (r *failingRuntime) NewState(n int) (model.State, error) {
	st, err := r.Runtime.NewState(n)
	if err != nil {
		return nil, err
	}
	return &failingState{State: st, left: r.okCalls}, nil
}

type failingState struct {
	model.State
	left int
}

func (s *failingState) Logits(dst []float32) ([]float32, error) {
	if s.left <= 0 {
		return nil, errors.New("kernel fault")
	}
	s.left--
	return s.State.Logits(dst)
}

// fakeStreamer is a runtime with its own decode loop. Tokens are bytes.
type fakeStreamer struct {
	pieces  []string
	err     error
	prompts []string
	params  []model.StreamParams
}

func (f *fakeStreamer) Metadata() model.Metadata {
	return model.Metadata{Path: "/fake.gguf", Format: model.FormatGGUF, Architecture: "llama",
		ContextLength: 64, VocabSize: 256, EOS: model.NoToken, BOS: model.NoToken}
}

func (f *fakeStreamer) Tokenize(text string) ([]model.Token, error) {
	out := make([]model.Token, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = model.Token(text[i])
	}
	return out, nil
}

func (f *fakeStreamer) Piece(model.Token) []byte            { return nil }
func (f *fakeStreamer) NewState(n int) (model.State, error) { return &lenState{}, nil }
func (f *fakeStreamer) Projector() model.Projector          { return nil }
func (f *fakeStreamer) Warm(context.Context) error          { return nil }
func (f *fakeStreamer) Close() error                        { return nil }

func (f *fakeStreamer) Stream(ctx context.Context, prompt string, p model.StreamParams, on func(string) bool) error {
	f.prompts = append(f.prompts, prompt)
	f.params = append(f.params, p)
	for i, pc := range f.pieces {
		if i >= p.MaxTokens || ctx.Err() != nil {
			break
		}
		if !on(pc) {
			return nil
		}
	}
	return f.err
}

type lenState struct{ n int }

func (s *lenState) Append(sl []model.Slot) error        { s.n += len(sl); return nil }
func (s *lenState) Remove(p []int) error                { s.n -= len(p); return nil }
func (s *lenState) Logits([]float32) ([]float32, error) { return nil, errors.New("stepwise unsupported") }
func (s *lenState) Len() int                            { return s.n }
func (s *lenState) Reset()                              { s.n = 0 }
