package bridge

import (
	"context"
	"iter"

	"minima/pkg/types"
)

// Stream is a lazy, single-use generation. Nothing runs until Fragments is
// ranged over or Result is called.
type Stream struct {
	b    *Bridge
	ctx  context.Context
	req  types.GenerationRequest
	done bool
	res  types.Result
	err  error
}

// Stream prepares a generation without starting it.
func (b *Bridge) Stream(ctx context.Context, req types.GenerationRequest) *Stream {
	return &Stream{b: b, ctx: ctx, req: req}
}

// Fragments yields generated text in order. Breaking out of the loop stops
// generation. A second range yields nothing.
func (s *Stream) Fragments() iter.Seq[types.Fragment] {
	return func(yield func(types.Fragment) bool) {
		if s.done {
			return
		}
		s.done = true
		s.res, s.err = s.b.Generate(s.ctx, s.req, yield)
	}
}

// Result returns the outcome, running the generation first if nothing has
// consumed the stream yet.
func (s *Stream) Result() (types.Result, error) {
	if !s.done {
		s.done = true
		s.res, s.err = s.b.Generate(s.ctx, s.req, nil)
	}
	return s.res, s.err
}
