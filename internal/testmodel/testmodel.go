// Package testmodel builds small deterministic MNMA models for tests.
//
// Both models use hidden size 5 with dimensions {hello, -, cat, dog, done}.
// Under greedy sampling:
//
//	Tiny:   "hello" → " world" → <eos>
//	Vision: [cat image] "describe" → " cat" → <eos>
//	        [dog image] "describe" → " dog" → <eos>
//	        "describe" alone → <eos> (all logits tie, lowest id wins)
package testmodel

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"minima/internal/model"
)

const hidden = 5

// Vocabulary ids of the Vision model.
const (
	EOS model.Token = iota
	Hello
	World
	Describe
	Cat
	Dog
)

var (
	zero  = []float32{0, 0, 0, 0, 0}
	hello = []float32{1, 0, 0, 0, 0}
	done  = []float32{0, 0, 0, 0, 1}
)

func rows(rs ...[]float32) []float32 {
	var out []float32
	for _, r := range rs {
		out = append(out, r...)
	}
	return out
}

// Tiny is a four-token text-only model.
func Tiny() *model.NativeModel {
	return &model.NativeModel{
		Header: model.NativeHeader{
			ContextLength: 64,
			HiddenSize:    hidden,
			Vocab:         []string{"<eos>", "hello", " world", "!"},
			SpecialTokens: []model.Token{0},
			EOSToken:      0,
			BOSToken:      model.NoToken,
		},
		TokenEmbd: rows(zero, hello, done, done),
		Output: rows(
			[]float32{0, 0, 0, 0, 10},
			zero,
			[]float32{3, 0, 0, 0, 0},
			zero,
		),
	}
}

// Vision is a six-token model accepting embeddings of length embedLen
// (at least 2). Vector component 0 projects onto the cat direction and
// component 1 onto the dog direction.
func Vision(embedLen int) *model.NativeModel {
	proj := make([]float32, hidden*embedLen)
	proj[2*embedLen+0] = 1
	proj[3*embedLen+1] = 1
	return &model.NativeModel{
		Header: model.NativeHeader{
			ContextLength:   64,
			HiddenSize:      hidden,
			EmbeddingLength: embedLen,
			Vocab:           []string{"<eos>", "hello", " world", "describe", " cat", " dog"},
			SpecialTokens:   []model.Token{0},
			EOSToken:        0,
			BOSToken:        model.NoToken,
		},
		TokenEmbd: rows(zero, hello, done, zero, done, done),
		Output: rows(
			[]float32{0, 0, 0, 0, 10},
			zero,
			[]float32{3, 0, 0, 0, 0},
			zero,
			[]float32{0, 0, 1, 0, 0},
			[]float32{0, 0, 0, 1, 0},
		),
		Proj:     proj,
		ProjBias: make([]float32, hidden),
	}
}

// CatVector returns an embedding that conditions Vision towards " cat".
func CatVector(n int) []float32 {
	v := make([]float32, n)
	v[0] = 10
	return v
}

// DogVector returns an embedding that conditions Vision towards " dog".
func DogVector(n int) []float32 {
	v := make([]float32, n)
	v[1] = 10
	return v
}

// Encode serializes m.
func Encode(t testing.TB, m *model.NativeModel) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := model.EncodeNative(&buf, m); err != nil {
		t.Fatalf("encode model: %v", err)
	}
	return buf.Bytes()
}

// Write stores m under dir and returns the file path.
func Write(t testing.TB, dir, name string, m *model.NativeModel) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, Encode(t, m), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

// WithContext returns m with its context length replaced.
func WithContext(m *model.NativeModel, n int) *model.NativeModel {
	m.Header.ContextLength = n
	return m
}
