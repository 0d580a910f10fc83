package inference

import (
	"math/rand/v2"
	"slices"

	"github.com/chewxy/math32"

	"minima/internal/model"
)

// SamplingParams configures next-token selection.
type SamplingParams struct {
	// Temperature 0 selects greedy decoding.
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	RepeatLastN   int
	// Seed 0 draws a random seed.
	Seed      uint64
	MaxTokens int
}

// DefaultSampling is temperature sampling with a nucleus cutoff.
func DefaultSampling() SamplingParams {
	return SamplingParams{
		Temperature:   0.7,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		MaxTokens:     512,
	}
}

// Sampler picks tokens from logits. Not safe for concurrent use.
type Sampler struct {
	p      SamplingParams
	rng    *rand.Rand
	logits []float32
	cand   []candidate
}

type candidate struct {
	id int
	l  float32
	p  float32
}

// NewSampler seeds a PCG generator from p.Seed.
func NewSampler(p SamplingParams) *Sampler {
	seed := p.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Sampler{p: p, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Sample returns the next token. recent feeds the repeat penalty.
func (s *Sampler) Sample(logits []float32, recent []model.Token) model.Token {
	l := append(s.logits[:0], logits...)
	s.logits = l
	if pen := s.p.RepeatPenalty; pen > 0 && pen != 1 {
		seen := make(map[model.Token]bool, len(recent))
		for _, t := range recent {
			if t < 0 || int(t) >= len(l) || seen[t] {
				continue
			}
			seen[t] = true
			if l[t] > 0 {
				l[t] /= pen
			} else {
				l[t] *= pen
			}
		}
	}
	if s.p.Temperature <= 0 {
		return model.Token(argmax(l))
	}

	cand := s.cand[:0]
	for i, v := range l {
		cand = append(cand, candidate{id: i, l: v})
	}
	slices.SortStableFunc(cand, func(a, b candidate) int {
		switch {
		case a.l > b.l:
			return -1
		case a.l < b.l:
			return 1
		}
		return 0
	})
	if k := s.p.TopK; k > 0 && k < len(cand) {
		cand = cand[:k]
	}
	maxL := cand[0].l
	var sum float32
	for i := range cand {
		cand[i].p = math32.Exp((cand[i].l - maxL) / s.p.Temperature)
		sum += cand[i].p
	}
	if top := s.p.TopP; top > 0 && top < 1 {
		var cum float32
		for i := range cand {
			cum += cand[i].p / sum
			if cum >= top {
				cand = cand[:i+1]
				break
			}
		}
		sum = 0
		for _, c := range cand {
			sum += c.p
		}
	}
	s.cand = cand
	r := s.rng.Float32() * sum
	for _, c := range cand {
		r -= c.p
		if r <= 0 {
			return model.Token(c.id)
		}
	}
	return model.Token(cand[len(cand)-1].id)
}

// argmax returns the first index of the largest value.
func argmax(l []float32) int {
	best := 0
	for i, v := range l {
		if v > l[best] {
			best = i
		}
	}
	return best
}
