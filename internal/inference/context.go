package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"minima/internal/model"
	"minima/internal/tokencache"
	"minima/pkg/types"
)

// WindowPolicy decides what happens when an append would overflow the context.
type WindowPolicy string

const (
	// WindowSlide evicts the oldest non-pinned slots.
	WindowSlide WindowPolicy = "slide"
	// WindowReject fails the append with ContextFull.
	WindowReject WindowPolicy = "reject"
)

// ParseWindowPolicy maps a config value onto a policy. Empty selects slide.
func ParseWindowPolicy(s string) (WindowPolicy, error) {
	switch WindowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", WindowSlide:
		return WindowSlide, nil
	case WindowReject:
		return WindowReject, nil
	}
	return "", fmt.Errorf("unknown window policy %q", s)
}

// ContextOptions configures a Context.
type ContextOptions struct {
	// Capacity caps the slot count; 0 or more than the model's context length
	// selects the model's context length.
	Capacity int
	Policy   WindowPolicy
	// Keep is the occupancy a slide eviction shrinks to before the append
	// (0 = three quarters of Capacity).
	Keep int
	// SystemPrompt is prepended to every fresh context.
	SystemPrompt string
	Tokens       *tokencache.Cache
	Logger       *zerolog.Logger
	// OnEvict observes the number of slots dropped by each eviction.
	OnEvict func(n int)
}

type entry struct {
	slot   model.Slot
	pinned bool
	system bool
	seg    int
}

// Context is the running slot sequence of one conversation. Slots in
// entries[:decoded] have been applied to the runtime state; the rest are
// pending and are decoded on the next forward pass or warm-up.
type Context struct {
	rt        model.Runtime
	meta      model.Metadata
	st        model.State
	opts      ContextOptions
	log       zerolog.Logger
	streaming bool

	entries  []entry
	decoded  int
	consumed int64
	warmed   bool

	// segment text, only tracked for streaming runtimes
	segs    map[int]string
	nextSeg int

	lastEmbedding []float32
}

// NewContext allocates a Context over rt and seeds it with the system prompt.
func NewContext(rt model.Runtime, opts ContextOptions) (*Context, error) {
	meta := rt.Metadata()
	if opts.Capacity <= 0 || opts.Capacity > meta.ContextLength {
		opts.Capacity = meta.ContextLength
	}
	if opts.Policy == "" {
		opts.Policy = WindowSlide
	}
	if opts.Keep <= 0 || opts.Keep > opts.Capacity {
		opts.Keep = opts.Capacity * 3 / 4
	}
	st, err := rt.NewState(opts.Capacity)
	if err != nil {
		return nil, types.Wrap(types.KindResourceExhausted, err, "allocate context state")
	}
	_, streaming := rt.(model.Streamer)
	c := &Context{
		rt:        rt,
		meta:      meta,
		st:        st,
		opts:      opts,
		log:       zerolog.Nop(),
		streaming: streaming,
		segs:      map[int]string{},
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "context").Logger()
	}
	if err := c.seed(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) seed() error {
	if c.opts.SystemPrompt == "" {
		return nil
	}
	toks, err := c.tokenize(c.opts.SystemPrompt)
	if err != nil {
		return types.Wrap(types.KindDecodeFailure, err, "tokenize system prompt")
	}
	if len(toks) > c.opts.Capacity {
		return types.Errorf(types.KindContextFull, "system prompt needs %d slots, context holds %d", len(toks), c.opts.Capacity)
	}
	return c.push(c.textEntries(c.opts.SystemPrompt, toks, true))
}

func (c *Context) tokenize(text string) ([]model.Token, error) {
	return c.opts.Tokens.Tokenize(c.meta.Path, text, c.rt.Tokenize)
}

func (c *Context) textEntries(text string, toks []model.Token, system bool) []entry {
	seg := c.nextSeg
	c.nextSeg++
	if c.streaming {
		c.segs[seg] = text
	}
	es := make([]entry, len(toks))
	for i, t := range toks {
		es[i] = entry{slot: model.Slot{Kind: model.SlotToken, Token: t}, system: system, seg: seg}
	}
	return es
}

// Runtime returns the runtime the context decodes with.
func (c *Context) Runtime() model.Runtime { return c.rt }

// Metadata returns the model metadata.
func (c *Context) Metadata() model.Metadata { return c.meta }

// Capacity is the maximum number of slots.
func (c *Context) Capacity() int { return c.opts.Capacity }

// Policy returns the window policy in effect.
func (c *Context) Policy() WindowPolicy { return c.opts.Policy }

// Position counts occupied slots, pending ones included. It never exceeds
// Capacity.
func (c *Context) Position() int { return len(c.entries) }

// Pending counts slots not yet decoded.
func (c *Context) Pending() int { return len(c.entries) - c.decoded }

// Consumed counts every slot ever appended over the context lifetime.
func (c *Context) Consumed() int64 { return c.consumed }

// Warmed reports whether a warm-up pass has succeeded.
func (c *Context) Warmed() bool { return c.warmed }

// Streaming reports whether the runtime runs its own decode loop.
func (c *Context) Streaming() bool { return c.streaming }

// HasContent reports whether anything beyond the system prompt is present.
func (c *Context) HasContent() bool {
	for _, e := range c.entries {
		if !e.system {
			return true
		}
	}
	return false
}

// HasEmbedding reports whether an embedding slot is present.
func (c *Context) HasEmbedding() bool {
	for _, e := range c.entries {
		if e.slot.Kind == model.SlotEmbedding {
			return true
		}
	}
	return false
}

// WarmUp runs the runtime's seed forward pass once and decodes any pending
// slots. Later calls only re-check that the context is runnable.
func (c *Context) WarmUp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.warmed {
		if err := c.rt.Warm(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return types.Wrap(types.KindDecodeFailure, err, "warm-up forward pass")
		}
		c.warmed = true
		c.log.Debug().Msg("context warmed")
	}
	return c.flush()
}

// AppendTokens queues tokens, subject to the window policy.
func (c *Context) AppendTokens(toks []model.Token) error {
	if len(toks) == 0 {
		return nil
	}
	text := ""
	if c.streaming {
		text = string(c.pieces(toks))
	}
	return c.push(c.textEntries(text, toks, false))
}

// AppendText tokenizes text and queues it. Returns the token count.
func (c *Context) AppendText(text string) (int, error) {
	toks, err := c.tokenize(text)
	if err != nil {
		return 0, types.Wrap(types.KindDecodeFailure, err, "tokenize")
	}
	if len(toks) == 0 {
		return 0, nil
	}
	return len(toks), c.push(c.textEntries(text, toks, false))
}

// AppendEmbedding queues one slot holding a vector already projected into the
// model's hidden space. The slot is pinned until a newer embedding arrives or
// no other slot is left to evict.
func (c *Context) AppendEmbedding(vec []float32) error {
	if c.streaming || c.rt.Projector() == nil {
		return types.Errorf(types.KindModelIncompatible, "model %s does not accept embeddings", c.meta.Architecture)
	}
	if len(vec) != c.meta.HiddenSize {
		return types.Errorf(types.KindEmbeddingDimensionMismatch,
			"projected embedding has %d values, model hidden size is %d", len(vec), c.meta.HiddenSize)
	}
	e := entry{
		slot:   model.Slot{Kind: model.SlotEmbedding, Vector: append([]float32(nil), vec...)},
		pinned: true,
		seg:    c.nextSeg,
	}
	c.nextSeg++
	if err := c.push([]entry{e}); err != nil {
		return err
	}
	for i := range c.entries[:len(c.entries)-1] {
		c.entries[i].pinned = false
	}
	return nil
}

// Logits decodes pending slots and returns next-token logits.
func (c *Context) Logits(dst []float32) ([]float32, error) {
	if err := c.flush(); err != nil {
		return nil, err
	}
	return c.st.Logits(dst)
}

// RecentTokens returns up to n most recent token ids, oldest first.
func (c *Context) RecentTokens(n int) []model.Token {
	if n <= 0 {
		return nil
	}
	out := make([]model.Token, 0, n)
	for i := len(c.entries) - 1; i >= 0 && len(out) < n; i-- {
		if e := c.entries[i]; e.slot.Kind == model.SlotToken {
			out = append(out, e.slot.Token)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Text returns the concatenated segment text for streaming runtimes.
func (c *Context) Text() string {
	var b strings.Builder
	last := -1
	for _, e := range c.entries {
		if e.seg != last {
			b.WriteString(c.segs[e.seg])
			last = e.seg
		}
	}
	return b.String()
}

// Reset clears every slot and re-seeds the system prompt. Warm-up state is
// kept since it belongs to the runtime.
func (c *Context) Reset() error {
	c.st.Reset()
	c.entries = c.entries[:0]
	c.decoded = 0
	c.lastEmbedding = nil
	clear(c.segs)
	return c.seed()
}

func (c *Context) pieces(toks []model.Token) []byte {
	var b []byte
	for _, t := range toks {
		b = append(b, c.rt.Piece(t)...)
	}
	return b
}

// push appends entries after making room under the window policy.
func (c *Context) push(es []entry) error {
	n := len(es)
	if n > c.opts.Capacity {
		return types.Errorf(types.KindContextFull, "append of %d slots exceeds context of %d", n, c.opts.Capacity)
	}
	if over := len(c.entries) + n - c.opts.Capacity; over > 0 {
		if c.opts.Policy == WindowReject {
			return types.Errorf(types.KindContextFull, "context holds %d of %d slots, append needs %d",
				len(c.entries), c.opts.Capacity, n)
		}
		target := min(c.opts.Keep, c.opts.Capacity-n)
		if err := c.evict(len(c.entries) - target); err != nil {
			return err
		}
	}
	c.entries = append(c.entries, es...)
	c.consumed += int64(n)
	return nil
}

// evict removes at least n slots: oldest non-pinned first, then pinned ones.
// Streaming runtimes only see whole segments, so victims are widened to
// segment boundaries.
func (c *Context) evict(n int) error {
	if n <= 0 {
		return nil
	}
	drop := make([]bool, len(c.entries))
	count := 0
	for pass := 0; pass < 2 && count < n; pass++ {
		for i, e := range c.entries {
			if count >= n {
				break
			}
			if drop[i] || (pass == 0 && e.pinned) {
				continue
			}
			drop[i] = true
			count++
		}
	}
	if c.streaming {
		victimSegs := map[int]bool{}
		for i, d := range drop {
			if d {
				victimSegs[c.entries[i].seg] = true
			}
		}
		for i, e := range c.entries {
			if victimSegs[e.seg] && !drop[i] {
				drop[i] = true
				count++
			}
		}
		for s := range victimSegs {
			delete(c.segs, s)
		}
	}
	var decodedPos []int
	for i := 0; i < c.decoded; i++ {
		if drop[i] {
			decodedPos = append(decodedPos, i)
		}
	}
	if err := c.st.Remove(decodedPos); err != nil {
		return types.Wrap(types.KindDecodeFailure, err, "evict slots")
	}
	kept := c.entries[:0]
	for i, e := range c.entries {
		if !drop[i] {
			kept = append(kept, e)
		}
	}
	c.entries = kept
	c.decoded -= len(decodedPos)
	c.log.Debug().Int("evicted", count).Int("position", len(c.entries)).Msg("context window slid")
	if c.opts.OnEvict != nil {
		c.opts.OnEvict(count)
	}
	return nil
}

// flush applies pending slots to the runtime state. Pending slots that fail
// to decode are dropped so the context stays usable.
func (c *Context) flush() error {
	if c.decoded == len(c.entries) {
		return nil
	}
	slots := make([]model.Slot, 0, len(c.entries)-c.decoded)
	for _, e := range c.entries[c.decoded:] {
		slots = append(slots, e.slot)
	}
	if err := c.st.Append(slots); err != nil {
		c.entries = c.entries[:c.decoded]
		return types.Wrap(types.KindDecodeFailure, err, "decode pending slots")
	}
	c.decoded = len(c.entries)
	return nil
}
