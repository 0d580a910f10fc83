package inference

import (
	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"

	"minima/pkg/types"
)

// Injection reports what Inject did with a vector.
type Injection struct {
	Skipped bool
	// Distance is the cosine distance to the previous vector, or -1 when
	// there was none.
	Distance float32
	Position int
}

// Injector splices caller embedding buffers into a Context. It copies the
// buffer before doing anything else, so callers may reuse it immediately.
type Injector struct {
	// MinDelta skips vectors whose cosine distance to the previously
	// injected vector is below it. Zero injects everything.
	MinDelta float32
}

// Inject validates buf[:length] against the model's embedding length,
// projects it and appends it as one slot. On error the context is unchanged.
func (in Injector) Inject(c *Context, buf []float32, length int) (Injection, error) {
	if length < 0 || length > len(buf) {
		return Injection{}, types.Errorf(types.KindEmbeddingDimensionMismatch,
			"length %d outside a buffer of %d values", length, len(buf))
	}
	vec := make([]float32, length)
	copy(vec, buf[:length])

	want := c.meta.EmbeddingLength
	proj := c.rt.Projector()
	if want <= 0 || proj == nil {
		return Injection{}, types.Errorf(types.KindModelIncompatible, "model %s does not accept embeddings", c.meta.Architecture)
	}
	if length != want {
		return Injection{}, types.Errorf(types.KindEmbeddingDimensionMismatch,
			"embedding has %d values, model expects %d", length, want)
	}
	for i, v := range vec {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			// same kind as a length mismatch; the shape is fine, the value is not
			return Injection{}, types.Errorf(types.KindEmbeddingDimensionMismatch,
				"invalid embedding value %v at index %d", v, i)
		}
	}

	res := Injection{Distance: -1}
	if c.lastEmbedding != nil && c.HasEmbedding() {
		res.Distance = cosineDistance(c.lastEmbedding, vec)
		if in.MinDelta > 0 && res.Distance < in.MinDelta {
			res.Skipped = true
			res.Position = c.Position()
			return res, nil
		}
	}

	slot := make([]float32, proj.OutputLen())
	if err := proj.Project(slot, vec); err != nil {
		return Injection{}, types.Wrap(types.KindEmbeddingDimensionMismatch, err, "project embedding")
	}
	if err := c.AppendEmbedding(slot); err != nil {
		return Injection{}, err
	}
	c.lastEmbedding = vec
	res.Position = c.Position()
	return res, nil
}

// cosineDistance is 1 - cos(a, b); zero vectors are treated as identical to
// each other and maximally distant from anything else.
func cosineDistance(a, b []float32) float32 {
	na, nb := vek32.Norm(a), vek32.Norm(b)
	switch {
	case na == 0 && nb == 0:
		return 0
	case na == 0 || nb == 0:
		return 1
	}
	return 1 - vek32.Dot(a, b)/(na*nb)
}
