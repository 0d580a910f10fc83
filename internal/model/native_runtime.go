package model

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
)

var errRuntimeClosed = errors.New("runtime closed")

// attnRuntime is the pure-Go minima-attn runtime: one attention layer where
// every slot vector is both key and value, the query is the last slot, and
// h = q + Σ softmax(q·k/√d)·k is projected onto the output matrix.
type attnRuntime struct {
	meta   Metadata
	tok    *Tokenizer
	embd   []float32
	out    []float32
	proj   Projector
	scale  float32
	closed atomic.Bool
}

func newAttnRuntime(meta Metadata, m *NativeModel) (*attnRuntime, error) {
	tok, err := NewTokenizer(m.Header.Vocab, m.Header.SpecialTokens)
	if err != nil {
		return nil, err
	}
	d := m.Header.HiddenSize
	rt := &attnRuntime{
		meta:  meta,
		tok:   tok,
		embd:  m.TokenEmbd,
		out:   m.Output,
		scale: 1 / math32.Sqrt(float32(d)),
	}
	switch {
	case m.Header.hasProjector():
		p, err := NewLinearProjector(m.Header.EmbeddingLength, d, m.Proj, m.ProjBias)
		if err != nil {
			return nil, err
		}
		rt.proj = p
	case m.Header.EmbeddingLength == d:
		rt.proj = IdentityProjector(d)
	}
	return rt, nil
}

func (r *attnRuntime) Metadata() Metadata { return r.meta }

func (r *attnRuntime) Tokenize(text string) ([]Token, error) {
	if r.closed.Load() {
		return nil, errRuntimeClosed
	}
	return r.tok.Tokenize(text), nil
}

func (r *attnRuntime) Piece(t Token) []byte { return r.tok.Piece(t) }

func (r *attnRuntime) Projector() Projector { return r.proj }

func (r *attnRuntime) NewState(capacity int) (State, error) {
	if r.closed.Load() {
		return nil, errRuntimeClosed
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("state capacity %d", capacity)
	}
	return &attnState{rt: r, capacity: capacity, keys: make([][]float32, 0, min(capacity, 256))}, nil
}

func (r *attnRuntime) Warm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := r.NewState(1)
	if err != nil {
		return err
	}
	seed := r.meta.BOS
	if seed == NoToken {
		seed = 0
	}
	if err := st.Append([]Slot{{Kind: SlotToken, Token: seed}}); err != nil {
		return err
	}
	_, err = st.Logits(nil)
	return err
}

func (r *attnRuntime) Close() error {
	r.closed.Store(true)
	return nil
}

type attnState struct {
	rt       *attnRuntime
	capacity int
	keys     [][]float32
	scores   []float32
}

func (s *attnState) Len() int { return len(s.keys) }

func (s *attnState) Reset() { s.keys = s.keys[:0] }

func (s *attnState) Append(slots []Slot) error {
	if s.rt.closed.Load() {
		return errRuntimeClosed
	}
	if len(s.keys)+len(slots) > s.capacity {
		return fmt.Errorf("append %d slots: state holds %d of %d", len(slots), len(s.keys), s.capacity)
	}
	d := s.rt.meta.HiddenSize
	vocab := s.rt.tok.VocabSize()
	vecs := make([][]float32, 0, len(slots))
	for _, sl := range slots {
		v := make([]float32, d)
		switch sl.Kind {
		case SlotToken:
			switch {
			case sl.Token >= 0 && int(sl.Token) < vocab:
				copy(v, s.rt.embd[int(sl.Token)*d:(int(sl.Token)+1)*d])
			case int(sl.Token) >= vocab && int(sl.Token) < vocab+256:
				// byte fallback slots carry no learned embedding
			default:
				return fmt.Errorf("token %d out of range", sl.Token)
			}
		case SlotEmbedding:
			if len(sl.Vector) != d {
				return fmt.Errorf("embedding slot has %d values, want %d", len(sl.Vector), d)
			}
			copy(v, sl.Vector)
		default:
			return fmt.Errorf("unknown slot kind %d", sl.Kind)
		}
		vecs = append(vecs, v)
	}
	s.keys = append(s.keys, vecs...)
	return nil
}

func (s *attnState) Remove(positions []int) error {
	if len(positions) == 0 {
		return nil
	}
	drop := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		if p < 0 || p >= len(s.keys) {
			return fmt.Errorf("remove position %d of %d", p, len(s.keys))
		}
		drop[p] = struct{}{}
	}
	kept := s.keys[:0]
	for i, k := range s.keys {
		if _, ok := drop[i]; !ok {
			kept = append(kept, k)
		}
	}
	for i := len(kept); i < len(s.keys); i++ {
		s.keys[i] = nil
	}
	s.keys = kept
	return nil
}

func (s *attnState) Logits(dst []float32) ([]float32, error) {
	if s.rt.closed.Load() {
		return nil, errRuntimeClosed
	}
	n := len(s.keys)
	if n == 0 {
		return nil, errors.New("logits requested on an empty state")
	}
	q := s.keys[n-1]
	if cap(s.scores) < n {
		s.scores = make([]float32, n)
	}
	scores := s.scores[:n]
	maxScore := math32.Inf(-1)
	for i, k := range s.keys {
		scores[i] = vek32.Dot(q, k) * s.rt.scale
		if scores[i] > maxScore {
			maxScore = scores[i]
		}
	}
	var sum float32
	for i := range scores {
		scores[i] = math32.Exp(scores[i] - maxScore)
		sum += scores[i]
	}
	h := make([]float32, len(q))
	copy(h, q)
	for i, k := range s.keys {
		vek32.Add_Inplace(h, vek32.MulNumber(k, scores[i]/sum))
	}
	vocab := s.rt.tok.VocabSize()
	if cap(dst) < vocab {
		dst = make([]float32, vocab)
	}
	dst = dst[:vocab]
	d := s.rt.meta.HiddenSize
	for j := 0; j < vocab; j++ {
		dst[j] = vek32.Dot(s.rt.out[j*d:(j+1)*d], h)
		if math32.IsNaN(dst[j]) || math32.IsInf(dst[j], 0) {
			return nil, fmt.Errorf("non-finite logit for token %d", j)
		}
	}
	return dst, nil
}
