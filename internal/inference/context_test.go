package inference

import (
	"context"
	"testing"

	"minima/internal/model"
	"minima/internal/testmodel"
	"minima/internal/tokencache"
	"minima/pkg/types"
)

func hellos(n int) []model.Token {
	out := make([]model.Token, n)
	for i := range out {
		out[i] = testmodel.Hello
	}
	return out
}

func TestParseWindowPolicy(t *testing.T) {
	for in, want := range map[string]WindowPolicy{"": WindowSlide, "slide": WindowSlide, " Reject ": WindowReject} {
		got, err := ParseWindowPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseWindowPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseWindowPolicy("truncate"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestAppendQueuesUntilForward(t *testing.T) {
	c := newTestContext(t, loadRuntime(t, testmodel.Tiny()), ContextOptions{})
	if c.Capacity() != 64 {
		t.Fatalf("expected capacity from model, got %d", c.Capacity())
	}
	if err := c.AppendTokens(hellos(3)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if c.Position() != 3 || c.Pending() != 3 {
		t.Fatalf("position=%d pending=%d", c.Position(), c.Pending())
	}
	if _, err := c.Logits(nil); err != nil {
		t.Fatalf("logits: %v", err)
	}
	if c.Position() != 3 || c.Pending() != 0 || c.st.Len() != 3 {
		t.Fatalf("after forward: position=%d pending=%d state=%d", c.Position(), c.Pending(), c.st.Len())
	}
}

func TestSlideEvictsOldest(t *testing.T) {
	evicted := 0
	c := newTestContext(t, loadRuntime(t, testmodel.WithContext(testmodel.Tiny(), 8)),
		ContextOptions{OnEvict: func(n int) { evicted += n }})
	_ = c.AppendTokens(hellos(8))
	if _, err := c.Logits(nil); err != nil {
		t.Fatalf("logits: %v", err)
	}
	if err := c.AppendTokens([]model.Token{testmodel.World}); err != nil {
		t.Fatalf("append past capacity under slide: %v", err)
	}
	// shrinks to keep=6, then appends one
	if c.Position() != 7 || evicted != 2 {
		t.Fatalf("position=%d evicted=%d", c.Position(), evicted)
	}
	if c.Consumed() != 9 {
		t.Fatalf("consumed=%d", c.Consumed())
	}
	if c.st.Len() != 6 || c.Pending() != 1 {
		t.Fatalf("decoded slots not evicted from state: state=%d pending=%d", c.st.Len(), c.Pending())
	}
	if last := c.entries[len(c.entries)-1].slot.Token; last != testmodel.World {
		t.Fatalf("newest slot lost, got %d", last)
	}
}

func TestRejectPolicy(t *testing.T) {
	c := newTestContext(t, loadRuntime(t, testmodel.Tiny()), ContextOptions{Capacity: 4, Policy: WindowReject})
	if err := c.AppendTokens(hellos(4)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	err := c.AppendTokens(hellos(1))
	if !types.IsKind(err, types.KindContextFull) {
		t.Fatalf("expected ContextFull, got %v", err)
	}
	if c.Position() != 4 || c.Consumed() != 4 {
		t.Fatalf("rejected append changed the context: position=%d consumed=%d", c.Position(), c.Consumed())
	}
}

func TestAppendLargerThanContext(t *testing.T) {
	for _, p := range []WindowPolicy{WindowSlide, WindowReject} {
		c := newTestContext(t, loadRuntime(t, testmodel.Tiny()), ContextOptions{Capacity: 4, Policy: p})
		_ = c.AppendTokens(hellos(2))
		if err := c.AppendTokens(hellos(5)); !types.IsKind(err, types.KindContextFull) {
			t.Fatalf("%s: expected ContextFull, got %v", p, err)
		}
		if c.Position() != 2 {
			t.Fatalf("%s: position changed to %d", p, c.Position())
		}
	}
}

func TestEmbeddingPinnedDuringSlide(t *testing.T) {
	rt := loadRuntime(t, testmodel.WithContext(testmodel.Vision(5), 8))
	c := newTestContext(t, rt, ContextOptions{})
	if err := c.AppendEmbedding(testmodel.CatVector(5)); err != nil {
		t.Fatalf("append embedding: %v", err)
	}
	_ = c.AppendTokens(hellos(7))
	_ = c.AppendTokens(hellos(1))
	if c.entries[0].slot.Kind != model.SlotEmbedding {
		t.Fatalf("pinned embedding evicted while tokens were available")
	}
	if c.Position() != 7 {
		t.Fatalf("position=%d", c.Position())
	}

	// a newer embedding releases the pin on the older one
	if err := c.AppendEmbedding(testmodel.DogVector(5)); err != nil {
		t.Fatalf("second embedding: %v", err)
	}
	if c.entries[0].pinned {
		t.Fatalf("older embedding still pinned")
	}
	if !c.entries[len(c.entries)-1].pinned {
		t.Fatalf("newest embedding not pinned")
	}
}

func TestPinnedEvictedWhenNothingElse(t *testing.T) {
	rt := loadRuntime(t, testmodel.Vision(5))
	c := newTestContext(t, rt, ContextOptions{Capacity: 2})
	_ = c.AppendEmbedding(testmodel.CatVector(5))
	if err := c.AppendTokens(hellos(2)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if c.HasEmbedding() {
		t.Fatalf("expected embedding to be evicted once no other slot remained")
	}
}

func TestAppendEmbeddingWidth(t *testing.T) {
	c := newTestContext(t, loadRuntime(t, testmodel.Vision(768)), ContextOptions{})
	if err := c.AppendEmbedding(make([]float32, 3)); !types.IsKind(err, types.KindEmbeddingDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if c.Position() != 0 {
		t.Fatalf("position changed")
	}
	text := newTestContext(t, loadRuntime(t, testmodel.Tiny()), ContextOptions{})
	if err := text.AppendEmbedding(make([]float32, 5)); !types.IsKind(err, types.KindModelIncompatible) {
		t.Fatalf("expected incompatible for text-only model, got %v", err)
	}
}

func TestWarmUpIdempotent(t *testing.T) {
	rt := &countingRuntime{Runtime: loadRuntime(t, testmodel.Tiny())}
	c := newTestContext(t, rt, ContextOptions{})
	_ = c.AppendTokens(hellos(2))
	for i := 0; i < 3; i++ {
		if err := c.WarmUp(context.Background()); err != nil {
			t.Fatalf("warm-up %d: %v", i, err)
		}
		if c.Position() != 2 || c.Pending() != 0 || !c.Warmed() {
			t.Fatalf("warm-up %d: position=%d pending=%d warmed=%v", i, c.Position(), c.Pending(), c.Warmed())
		}
	}
	if rt.warms != 1 {
		t.Fatalf("expected one seed pass, got %d", rt.warms)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.WarmUp(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSystemPromptSeedsAndSurvivesReset(t *testing.T) {
	cache, err := tokencache.New(tokencache.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	c := newTestContext(t, loadRuntime(t, testmodel.Tiny()), ContextOptions{SystemPrompt: "hello!", Tokens: cache})
	if c.Position() != 2 {
		t.Fatalf("system prompt slots: %d", c.Position())
	}
	if c.HasContent() {
		t.Fatalf("system prompt alone is not content")
	}
	if cache.Len() != 1 {
		t.Fatalf("system prompt tokens not cached")
	}
	_ = c.AppendTokens(hellos(3))
	if !c.HasContent() {
		t.Fatalf("expected content after append")
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if c.Position() != 2 || c.HasContent() || c.Consumed() != 7 {
		t.Fatalf("after reset: position=%d content=%v consumed=%d", c.Position(), c.HasContent(), c.Consumed())
	}
}

func TestRecentTokens(t *testing.T) {
	c := newTestContext(t, loadRuntime(t, testmodel.Vision(5)), ContextOptions{})
	_ = c.AppendTokens([]model.Token{1, 2})
	_ = c.AppendEmbedding(make([]float32, 5))
	_ = c.AppendTokens([]model.Token{3})
	got := c.RecentTokens(2)
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("recent tokens: %v", got)
	}
}

func TestStreamingContextTracksSegments(t *testing.T) {
	c := newTestContext(t, &fakeStreamer{}, ContextOptions{Capacity: 8, SystemPrompt: "sys"})
	if !c.Streaming() {
		t.Fatalf("expected streaming context")
	}
	if _, err := c.AppendText("abcd"); err != nil {
		t.Fatal(err)
	}
	if c.Text() != "sysabcd" {
		t.Fatalf("text: %q", c.Text())
	}
	// overflow drops the whole system segment, not just its first byte
	if _, err := c.AppendText("xy"); err != nil {
		t.Fatal(err)
	}
	if c.Text() != "abcdxy" || c.Position() != 6 {
		t.Fatalf("after slide: %q position=%d", c.Text(), c.Position())
	}
}
