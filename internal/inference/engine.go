package inference

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"minima/internal/model"
	"minima/pkg/types"
)

// promptPlaceholder marks where a model's prompt template inserts the prompt.
const promptPlaceholder = "{{prompt}}"

// Request is a resolved generation request.
type Request struct {
	Prompt string
	// MaxTokens is the generation budget; zero produces an empty, truncated
	// result.
	MaxTokens int
	Stop      []string
	Sampling  SamplingParams
}

// Emit receives fragments in generation order. Returning false stops
// generation with a Cancelled result.
type Emit func(types.Fragment) bool

// Engine runs generations over one Context.
type Engine struct {
	c   *Context
	log zerolog.Logger
}

// NewEngine binds an engine to c.
func NewEngine(c *Context, logger *zerolog.Logger) *Engine {
	e := &Engine{c: c, log: zerolog.Nop()}
	if logger != nil {
		e.log = logger.With().Str("component", "engine").Logger()
	}
	return e
}

// ApplyTemplate wraps prompt with the model's template. A template without
// the placeholder is used as a prefix.
func ApplyTemplate(tpl, prompt string) string {
	if tpl == "" || prompt == "" {
		return prompt
	}
	if strings.Contains(tpl, promptPlaceholder) {
		return strings.ReplaceAll(tpl, promptPlaceholder, prompt)
	}
	return tpl + prompt
}

// run carries the per-call state of one generation.
type run struct {
	res     types.Result
	out     strings.Builder
	co      coalescer
	emit    Emit
	index   int
	stop    []string
	maxStop int
	stopped bool // caller's emit returned false
}

func (r *run) fragment(text string) {
	if text == "" || r.stopped {
		return
	}
	r.out.WriteString(text)
	if r.emit != nil && !r.emit(types.Fragment{Index: r.index, Text: text, Tokens: r.co.take()}) {
		r.stopped = true
	}
	r.index++
}

// hitStop checks the tail of the output against the stop sequences.
func (r *run) hitStop(added int) bool {
	if len(r.stop) == 0 {
		return false
	}
	s := r.out.String()
	tail := s[max(0, len(s)-added-r.maxStop):]
	for _, st := range r.stop {
		if strings.Contains(tail, st) {
			return true
		}
	}
	return false
}

func (r *run) finish(state types.TerminalState, reason types.FinishReason) {
	if state != types.StateCancelled {
		r.fragment(r.co.flush())
	}
	r.res.State = state
	r.res.FinishReason = reason
	r.res.Text = r.out.String()
	r.res.Usage.TotalTokens = r.res.Usage.PromptTokens + r.res.Usage.CompletionTokens
}

// Generate runs Init, appends the prompt and decodes until a stop condition.
// The Result is always populated. A non-nil error accompanies Failed results
// (DecodeFailure) and context cancellation (ctx.Err()); per-call input errors
// are returned before anything is generated.
func (e *Engine) Generate(ctx context.Context, req Request, emit Emit) (types.Result, error) {
	c := e.c
	r := &run{emit: emit}
	r.res.ID = uuid.NewString()
	for _, s := range req.Stop {
		if s != "" {
			r.stop = append(r.stop, s)
			r.maxStop = max(r.maxStop, len(s))
		}
	}
	if err := ctx.Err(); err != nil {
		r.finish(types.StateCancelled, types.FinishCancelled)
		return r.res, err
	}

	// Init
	if strings.TrimSpace(req.Prompt) == "" && !c.HasContent() {
		return r.res, types.Errorf(types.KindEmptyInput, "empty prompt and nothing in context to condition on")
	}
	if req.Prompt != "" {
		n, err := c.AppendText(ApplyTemplate(c.meta.PromptTemplate, req.Prompt))
		if err != nil {
			return r.res, err
		}
		r.res.Usage.PromptTokens = n
	}
	if req.MaxTokens <= 0 {
		r.finish(types.StateTruncated, types.FinishMaxTokens)
		r.res.Position = c.Position()
		return r.res, nil
	}

	var err error
	if c.streaming {
		err = e.stream(ctx, req, r)
	} else {
		err = e.decode(ctx, req, r)
	}
	r.res.Position = c.Position()
	ev := e.log.Debug()
	if err != nil {
		ev = e.log.Warn().Err(err)
	}
	ev.Str("id", r.res.ID).
		Str("state", string(r.res.State)).
		Str("reason", string(r.res.FinishReason)).
		Int("tokens", r.res.Usage.CompletionTokens).
		Int("position", r.res.Position).
		Msg("generation finished")
	return r.res, err
}

func (e *Engine) decode(ctx context.Context, req Request, r *run) error {
	c := e.c
	eos := c.meta.EOS
	sampler := NewSampler(req.Sampling)
	var logits []float32
	for {
		if err := ctx.Err(); err != nil {
			r.finish(types.StateCancelled, types.FinishCancelled)
			return err
		}
		if r.stopped {
			r.finish(types.StateCancelled, types.FinishCancelled)
			return nil
		}
		if r.res.Usage.CompletionTokens >= req.MaxTokens {
			r.finish(types.StateTruncated, types.FinishMaxTokens)
			return nil
		}
		var err error
		logits, err = c.Logits(logits)
		if err != nil {
			r.finish(types.StateFailed, types.FinishError)
			if types.KindOf(err) == "" {
				err = types.Wrap(types.KindDecodeFailure, err, "forward pass")
			}
			return err
		}
		tok := sampler.Sample(logits, c.RecentTokens(req.Sampling.RepeatLastN))
		if tok == eos {
			r.finish(types.StateCompleted, types.FinishEOS)
			return nil
		}
		if err := c.AppendTokens([]model.Token{tok}); err != nil {
			if types.IsKind(err, types.KindContextFull) {
				r.finish(types.StateTruncated, types.FinishContextFull)
				return nil
			}
			r.finish(types.StateFailed, types.FinishError)
			return err
		}
		r.res.Usage.CompletionTokens++
		text := r.co.push(c.rt.Piece(tok))
		r.fragment(text)
		if r.hitStop(len(text)) {
			r.finish(types.StateCompleted, types.FinishStop)
			return nil
		}
	}
}

// stream hands the whole context text to a runtime with its own decode loop.
// Generated text is appended back to the context afterwards.
func (e *Engine) stream(ctx context.Context, req Request, r *run) error {
	c := e.c
	s := c.rt.(model.Streamer)
	if err := c.flush(); err != nil {
		r.finish(types.StateFailed, types.FinishError)
		return err
	}
	room := c.opts.Capacity - c.Position()
	if room <= 0 && c.opts.Policy == WindowReject {
		r.finish(types.StateTruncated, types.FinishContextFull)
		return nil
	}
	budget := req.MaxTokens
	contextLimited := false
	if c.opts.Policy == WindowReject && room < budget {
		budget, contextLimited = room, true
	}
	var stopHit bool
	p := model.StreamParams{
		MaxTokens:     budget,
		Temperature:   req.Sampling.Temperature,
		TopP:          req.Sampling.TopP,
		TopK:          req.Sampling.TopK,
		Seed:          int(req.Sampling.Seed),
		RepeatPenalty: req.Sampling.RepeatPenalty,
		Stop:          r.stop,
	}
	err := s.Stream(ctx, c.Text(), p, func(piece string) bool {
		r.res.Usage.CompletionTokens++
		text := r.co.push([]byte(piece))
		r.fragment(text)
		if r.hitStop(len(text)) {
			stopHit = true
			return false
		}
		return !r.stopped && r.res.Usage.CompletionTokens < budget
	})
	generated := r.out.String() + string(r.co.buf)
	if generated != "" {
		if _, aerr := c.AppendText(generated); aerr != nil && !types.IsKind(aerr, types.KindContextFull) {
			e.log.Warn().Err(aerr).Msg("generated text not retained in context")
		}
	}
	switch {
	case ctx.Err() != nil:
		r.finish(types.StateCancelled, types.FinishCancelled)
		return ctx.Err()
	case err != nil:
		r.finish(types.StateFailed, types.FinishError)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return types.Wrap(types.KindDecodeFailure, err, "stream")
	case r.stopped:
		r.finish(types.StateCancelled, types.FinishCancelled)
	case stopHit:
		r.finish(types.StateCompleted, types.FinishStop)
	case r.res.Usage.CompletionTokens >= budget && contextLimited:
		r.finish(types.StateTruncated, types.FinishContextFull)
	case r.res.Usage.CompletionTokens >= budget:
		r.finish(types.StateTruncated, types.FinishMaxTokens)
	default:
		r.finish(types.StateCompleted, types.FinishEOS)
	}
	return nil
}
