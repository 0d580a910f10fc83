package model

import "context"

// Token is a vocabulary id. Ids at or above the vocabulary size are byte
// fallback tokens (VocabSize + byte value).
type Token int32

// NoToken marks an absent special token (e.g. no BOS).
const NoToken Token = -1

// SlotKind distinguishes textual and non-textual sequence positions.
type SlotKind uint8

const (
	SlotToken SlotKind = iota
	SlotEmbedding
)

// Slot is one position of the model's input sequence.
type Slot struct {
	Kind  SlotKind
	Token Token
	// Vector holds the projected representation of an embedding slot. Its
	// length equals Metadata.HiddenSize.
	Vector []float32
}

// TokenSlots wraps tokens as slots.
func TokenSlots(toks []Token) []Slot {
	out := make([]Slot, len(toks))
	for i, t := range toks {
		out[i] = Slot{Kind: SlotToken, Token: t}
	}
	return out
}

// Format names a recognised container.
type Format string

const (
	FormatNative Format = "mnma"
	FormatGGUF   Format = "gguf"
)

// Metadata is the validated header information of a model artifact.
type Metadata struct {
	Path            string
	Format          Format
	Version         uint32
	Architecture    string
	VocabSize       int
	ContextLength   int
	HiddenSize      int
	EmbeddingLength int
	Quantization    string
	EOS             Token
	BOS             Token
	// PromptTemplate wraps prompts before tokenization; "{{prompt}}" marks
	// the insertion point. Empty means no templating.
	PromptTemplate string
	// HasChatTemplate is set for GGUF files carrying tokenizer.chat_template.
	// The template itself is applied by the backend, never by this package.
	HasChatTemplate bool
	// EstimatedBytes approximates resident memory once loaded.
	EstimatedBytes int64
}

// EstimatedMB rounds EstimatedBytes up to whole megabytes (minimum 1).
func (m Metadata) EstimatedMB() int {
	mb := int((m.EstimatedBytes + (1<<20 - 1)) >> 20)
	if mb <= 0 {
		mb = 1
	}
	return mb
}

// Runtime is a loaded model. Parameter tensors are read-only after load and
// may be shared by many States.
type Runtime interface {
	Metadata() Metadata
	Tokenize(text string) ([]Token, error)
	// Piece returns the bytes a token decodes to. Special tokens decode to nil.
	Piece(t Token) []byte
	// NewState allocates a key/value state holding up to capacity slots.
	NewState(capacity int) (State, error)
	// Projector maps external embedding vectors into slot vectors. Nil when
	// the runtime cannot accept embedding slots.
	Projector() Projector
	// Warm runs a throwaway forward pass on a minimal seed sequence.
	Warm(ctx context.Context) error
	Close() error
}

// State is the mutable key/value cache of one sequence. A State is never
// shared; callers serialize access.
type State interface {
	Append(slots []Slot) error
	// Remove drops the slots at the given ascending positions.
	Remove(positions []int) error
	// Logits returns next-token logits after the last appended slot. dst is
	// reused when large enough.
	Logits(dst []float32) ([]float32, error)
	Len() int
	Reset()
}

// Streamer is implemented by runtimes that run their own decode loop over a
// text prompt instead of exposing per-step logits. onPiece is called once per
// generated token; returning false stops generation.
type Streamer interface {
	Stream(ctx context.Context, prompt string, p StreamParams, onPiece func(string) bool) error
}

// StreamParams carries sampling parameters to a Streamer.
type StreamParams struct {
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	Seed          int
	RepeatPenalty float32
	Stop          []string
}
