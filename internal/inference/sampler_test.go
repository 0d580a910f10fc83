package inference

import (
	"testing"

	"minima/internal/model"
)

func TestGreedyLowestIDWinsTies(t *testing.T) {
	s := NewSampler(SamplingParams{})
	if got := s.Sample([]float32{0, 3, 3, 1}, nil); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := s.Sample([]float32{0, 0, 0}, nil); got != 0 {
		t.Fatalf("expected 0 on all-equal logits, got %d", got)
	}
}

func TestRepeatPenalty(t *testing.T) {
	s := NewSampler(SamplingParams{RepeatPenalty: 2})
	// 4/2 = 2 < 3
	if got := s.Sample([]float32{0, 4, 3}, []model.Token{1, 1}); got != 2 {
		t.Fatalf("expected penalized token to lose, got %d", got)
	}
	// negative logits are pushed further down
	if got := s.Sample([]float32{-1, -1.5}, []model.Token{0}); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestSamplerSeeded(t *testing.T) {
	p := SamplingParams{Temperature: 1, Seed: 42}
	logits := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	a, b := NewSampler(p), NewSampler(p)
	for i := 0; i < 32; i++ {
		if x, y := a.Sample(logits, nil), b.Sample(logits, nil); x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}

func TestTopKAndTopP(t *testing.T) {
	logits := []float32{1, 5, 2, 4}
	k1 := NewSampler(SamplingParams{Temperature: 1, TopK: 1, Seed: 7})
	p0 := NewSampler(SamplingParams{Temperature: 1, TopP: 0.01, Seed: 7})
	for i := 0; i < 50; i++ {
		if got := k1.Sample(logits, nil); got != 1 {
			t.Fatalf("top_k=1 picked %d", got)
		}
		if got := p0.Sample(logits, nil); got != 1 {
			t.Fatalf("tiny top_p picked %d", got)
		}
	}
	k2 := NewSampler(SamplingParams{Temperature: 1, TopK: 2, Seed: 9})
	for i := 0; i < 200; i++ {
		if got := k2.Sample(logits, nil); got != 1 && got != 3 {
			t.Fatalf("top_k=2 picked %d", got)
		}
	}
}

func TestSamplerDoesNotMutateLogits(t *testing.T) {
	logits := []float32{1, 2}
	NewSampler(SamplingParams{RepeatPenalty: 3}).Sample(logits, []model.Token{1})
	if logits[1] != 2 {
		t.Fatalf("caller logits mutated")
	}
}
