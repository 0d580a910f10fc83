package model_test

import (
	"context"
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

func argmax(l []float32) int {
	best := 0
	for i, v := range l {
		if v > l[best] {
			best = i
		}
	}
	return best
}

func TestAttnLogitsTiny(t *testing.T) {
	rt := loadRuntime(t, testmodel.Tiny())
	st, err := rt.NewState(8)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	if err := st.Append(model.TokenSlots([]model.Token{testmodel.Hello})); err != nil {
		t.Fatalf("append: %v", err)
	}
	l, err := st.Logits(nil)
	if err != nil {
		t.Fatalf("logits: %v", err)
	}
	if len(l) != 4 {
		t.Fatalf("expected 4 logits, got %d", len(l))
	}
	if got := argmax(l); got != int(testmodel.World) {
		t.Fatalf("expected ' world' after hello, got %d (%v)", got, l)
	}
	_ = st.Append(model.TokenSlots([]model.Token{testmodel.World}))
	l, _ = st.Logits(l)
	if got := argmax(l); got != int(testmodel.EOS) {
		t.Fatalf("expected eos after ' world', got %d (%v)", got, l)
	}
	if st.Len() != 2 {
		t.Fatalf("expected 2 slots, got %d", st.Len())
	}
	if err := st.Remove([]int{0}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st.Len() != 1 {
		t.Fatalf("expected 1 slot after remove, got %d", st.Len())
	}
	st.Reset()
	if _, err := st.Logits(nil); err == nil {
		t.Fatalf("expected error for logits on empty state")
	}
}

func TestAttnStateBounds(t *testing.T) {
	rt := loadRuntime(t, testmodel.Tiny())
	st, _ := rt.NewState(2)
	if err := st.Append(model.TokenSlots([]model.Token{1, 1, 1})); err == nil {
		t.Fatalf("expected capacity error")
	}
	if err := st.Append(model.TokenSlots([]model.Token{99999})); err == nil {
		t.Fatalf("expected out of range token error")
	}
	if err := st.Append([]model.Slot{{Kind: model.SlotEmbedding, Vector: []float32{1}}}); err == nil {
		t.Fatalf("expected embedding width error")
	}
	// byte fallback ids are accepted
	if err := st.Append(model.TokenSlots([]model.Token{4 + 'x'})); err != nil {
		t.Fatalf("byte fallback slot: %v", err)
	}
	if err := st.Remove([]int{5}); err == nil {
		t.Fatalf("expected remove range error")
	}
	if _, err := rt.NewState(0); err == nil {
		t.Fatalf("expected capacity validation")
	}
}

func TestAttnVisionProjection(t *testing.T) {
	rt := loadRuntime(t, testmodel.Vision(16))
	p := rt.Projector()
	if p == nil || p.InputLen() != 16 || p.OutputLen() != 5 {
		t.Fatalf("unexpected projector %+v", p)
	}
	for _, tc := range []struct {
		name string
		vec  []float32
		want model.Token
	}{
		{"cat", testmodel.CatVector(16), testmodel.Cat},
		{"dog", testmodel.DogVector(16), testmodel.Dog},
	} {
		t.Run(tc.name, func(t *testing.T) {
			slot := make([]float32, p.OutputLen())
			if err := p.Project(slot, tc.vec); err != nil {
				t.Fatalf("project: %v", err)
			}
			st, _ := rt.NewState(8)
			_ = st.Append([]model.Slot{{Kind: model.SlotEmbedding, Vector: slot}})
			_ = st.Append(model.TokenSlots([]model.Token{testmodel.Describe}))
			l, err := st.Logits(nil)
			if err != nil {
				t.Fatalf("logits: %v", err)
			}
			if got := model.Token(argmax(l)); got != tc.want {
				t.Fatalf("expected %d, got %d (%v)", tc.want, got, l)
			}
		})
	}
}

func TestIdentityProjectorWhenWidthsMatch(t *testing.T) {
	rt := loadRuntime(t, testmodel.Vision(5))
	if _, ok := rt.Projector().(model.IdentityProjector); !ok {
		t.Fatalf("expected identity projector, got %T", rt.Projector())
	}
	if loadRuntime(t, testmodel.Tiny()).Projector() != nil {
		t.Fatalf("text-only model should have no projector")
	}
}

func TestWarm(t *testing.T) {
	rt := loadRuntime(t, testmodel.Tiny())
	if err := rt.Warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rt.Warm(ctx); err == nil {
		t.Fatalf("expected canceled warm to fail")
	}
}

func TestLinearProjectorShapes(t *testing.T) {
	if _, err := model.NewLinearProjector(2, 2, []float32{1, 2, 3}, nil); err == nil {
		t.Fatalf("expected weight shape error")
	}
	p, err := model.NewLinearProjector(2, 1, []float32{1, 2}, []float32{0.5})
	if err != nil {
		t.Fatalf("new projector: %v", err)
	}
	dst := make([]float32, 1)
	if err := p.Project(dst, []float32{3, 4}); err != nil {
		t.Fatalf("project: %v", err)
	}
	if dst[0] != 11.5 {
		t.Fatalf("expected 11.5, got %v", dst[0])
	}
	if err := p.Project(dst, []float32{1}); err == nil {
		t.Fatalf("expected input length error")
	}
}
