package inference

import (
	"strings"
	"testing"

	"github.com/chewxy/math32"

	"minima/internal/testmodel"
	"minima/pkg/types"
)

func TestInjectValidatesLength(t *testing.T) {
	c := newTestContext(t, loadRuntime(t, testmodel.Vision(768)), ContextOptions{})
	_ = c.AppendTokens(hellos(2))
	before := c.Position()
	cases := map[string]struct {
		buf    []float32
		length int
	}{
		"short vector":       {make([]float32, 10), 10},
		"length past buffer": {make([]float32, 10), 768},
		"negative length":    {make([]float32, 768), -1},
		"long vector":        {make([]float32, 769), 769},
	}
	for name, tc := range cases {
		if _, err := (Injector{}).Inject(c, tc.buf, tc.length); !types.IsKind(err, types.KindEmbeddingDimensionMismatch) {
			t.Fatalf("%s: expected dimension mismatch, got %v", name, err)
		}
		if c.Position() != before {
			t.Fatalf("%s: position moved to %d", name, c.Position())
		}
	}
	nan := testmodel.CatVector(768)
	nan[3] = math32.NaN()
	_, err := (Injector{}).Inject(c, nan, 768)
	if !types.IsKind(err, types.KindEmbeddingDimensionMismatch) {
		t.Fatalf("expected non-finite rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid embedding value NaN at index 3") {
		t.Fatalf("error should name the bad value, got %q", err)
	}
	inf := testmodel.CatVector(768)
	inf[0] = math32.Inf(-1)
	if _, err := (Injector{}).Inject(c, inf, 768); err == nil || !strings.Contains(err.Error(), "invalid embedding value -Inf at index 0") {
		t.Fatalf("expected -Inf rejection, got %v", err)
	}
	if c.Position() != before {
		t.Fatalf("non-finite embedding moved position to %d", c.Position())
	}
}

func TestInjectCopiesBuffer(t *testing.T) {
	c := newTestContext(t, loadRuntime(t, testmodel.Vision(768)), ContextOptions{})
	buf := testmodel.CatVector(800)
	res, err := (Injector{}).Inject(c, buf, 768)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if res.Position != 1 || res.Skipped || res.Distance != -1 {
		t.Fatalf("unexpected injection %+v", res)
	}
	buf[0] = -5
	if c.lastEmbedding[0] != 10 || len(c.lastEmbedding) != 768 {
		t.Fatalf("context aliases caller memory")
	}
	slot := c.entries[0].slot.Vector
	if len(slot) != 5 || slot[2] != 10 {
		t.Fatalf("projected slot %v", slot)
	}
}

func TestInjectTextOnlyModel(t *testing.T) {
	c := newTestContext(t, loadRuntime(t, testmodel.Tiny()), ContextOptions{})
	if _, err := (Injector{}).Inject(c, make([]float32, 5), 5); !types.IsKind(err, types.KindModelIncompatible) {
		t.Fatalf("expected incompatible, got %v", err)
	}
}

func TestInjectDeltaGating(t *testing.T) {
	c := newTestContext(t, loadRuntime(t, testmodel.Vision(16)), ContextOptions{})
	in := Injector{MinDelta: 0.05}
	if _, err := in.Inject(c, testmodel.CatVector(16), 16); err != nil {
		t.Fatal(err)
	}
	near := testmodel.CatVector(16)
	near[5] = 0.1
	res, err := in.Inject(c, near, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || c.Position() != 1 {
		t.Fatalf("near-duplicate frame not skipped: %+v position=%d", res, c.Position())
	}
	res, err = in.Inject(c, testmodel.DogVector(16), 16)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.Distance < 0.99 || c.Position() != 2 {
		t.Fatalf("distinct frame skipped: %+v position=%d", res, c.Position())
	}
	// after a reset there is nothing to compare against
	_ = c.Reset()
	res, _ = in.Inject(c, testmodel.DogVector(16), 16)
	if res.Skipped {
		t.Fatalf("first frame after reset skipped")
	}
}

func TestCosineDistance(t *testing.T) {
	if d := cosineDistance([]float32{1, 0}, []float32{2, 0}); d > 1e-6 {
		t.Fatalf("parallel vectors: %v", d)
	}
	if d := cosineDistance([]float32{1, 0}, []float32{0, 1}); math32.Abs(d-1) > 1e-6 {
		t.Fatalf("orthogonal vectors: %v", d)
	}
	if d := cosineDistance([]float32{0, 0}, []float32{0, 1}); d != 1 {
		t.Fatalf("zero vector: %v", d)
	}
}
