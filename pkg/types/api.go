package types

// GenerationRequest is one call's worth of generation input.
type GenerationRequest struct {
	// Prompt text. May be empty when the context already holds content.
	Prompt string `json:"prompt"`
	// MaxTokens caps generated tokens. Nil selects the configured default; zero
	// yields an empty, truncated result.
	MaxTokens *int `json:"max_tokens,omitempty"`
	// Stop sequences. Generation ends once the output contains any of them.
	Stop []string `json:"stop,omitempty"`
	// Sampling overrides; zero values keep the bridge defaults.
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Seed          uint64   `json:"seed,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
}

// Tokens returns a pointer to n for GenerationRequest.MaxTokens.
func Tokens(n int) *int { return &n }

// Temp returns a pointer to t for GenerationRequest.Temperature.
func Temp(t float32) *float32 { return &t }

// Fragment is one incremental piece of generated text. Text always holds
// complete UTF-8 characters.
type Fragment struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	// Tokens is the number of sampled tokens folded into this fragment.
	Tokens int `json:"tokens"`
}

// TerminalState is the final state of a generation call.
type TerminalState string

const (
	StateCompleted TerminalState = "completed"
	StateTruncated TerminalState = "truncated"
	StateCancelled TerminalState = "cancelled"
	StateFailed    TerminalState = "failed"
)

// FinishReason says which stop condition ended generation.
type FinishReason string

const (
	FinishEOS         FinishReason = "eos"
	FinishStop        FinishReason = "stop"
	FinishMaxTokens   FinishReason = "max_tokens"
	FinishContextFull FinishReason = "context_full"
	FinishCancelled   FinishReason = "cancelled"
	FinishError       FinishReason = "error"
)

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result summarizes a generation after streaming.
type Result struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	State        TerminalState `json:"state"`
	FinishReason FinishReason  `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	// Position is the context occupancy after the call.
	Position int `json:"position"`
}
