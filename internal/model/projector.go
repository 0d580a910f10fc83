package model

import (
	"fmt"

	"github.com/viterin/vek/vek32"
)

// Projector maps an external embedding vector into the runtime's slot space.
type Projector interface {
	InputLen() int
	OutputLen() int
	// Project writes OutputLen values into dst. src has InputLen values.
	Project(dst, src []float32) error
}

// LinearProjector computes W·x + b with W stored row-major [out][in].
type LinearProjector struct {
	in, out int
	w, b    []float32
}

// NewLinearProjector validates shapes. bias may be nil.
func NewLinearProjector(in, out int, w, bias []float32) (*LinearProjector, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("projector shape %dx%d", out, in)
	}
	if len(w) != in*out {
		return nil, fmt.Errorf("projector weight has %d values, want %d", len(w), in*out)
	}
	if bias != nil && len(bias) != out {
		return nil, fmt.Errorf("projector bias has %d values, want %d", len(bias), out)
	}
	return &LinearProjector{in: in, out: out, w: w, b: bias}, nil
}

func (p *LinearProjector) InputLen() int  { return p.in }
func (p *LinearProjector) OutputLen() int { return p.out }

func (p *LinearProjector) Project(dst, src []float32) error {
	if len(src) != p.in || len(dst) < p.out {
		return fmt.Errorf("project: src=%d dst=%d for %dx%d", len(src), len(dst), p.out, p.in)
	}
	for r := 0; r < p.out; r++ {
		v := vek32.Dot(p.w[r*p.in:(r+1)*p.in], src)
		if p.b != nil {
			v += p.b[r]
		}
		dst[r] = v
	}
	return nil
}

// IdentityProjector passes vectors through unchanged; used when the encoder
// already emits vectors in the model's hidden space.
type IdentityProjector int

func (p IdentityProjector) InputLen() int  { return int(p) }
func (p IdentityProjector) OutputLen() int { return int(p) }

func (p IdentityProjector) Project(dst, src []float32) error {
	if len(src) != int(p) || len(dst) < int(p) {
		return fmt.Errorf("project: src=%d dst=%d for identity %d", len(src), len(dst), int(p))
	}
	copy(dst, src)
	return nil
}
