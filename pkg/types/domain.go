package types

// ModelInfo describes a loaded model artifact.
type ModelInfo struct {
	// Absolute path to the model file on disk.
	// example: /home/user/models/vision.mnma
	Path string `json:"path"`
	// Container format: "mnma" or "gguf".
	Format string `json:"format"`
	// Architecture identifier from the header.
	// example: minima-attn
	Architecture string `json:"architecture"`
	VocabSize    int    `json:"vocab_size"`
	// Maximum context length in slots.
	ContextLength int `json:"context_length"`
	// Expected length of injected embedding vectors; 0 for text-only models.
	EmbeddingLength int `json:"embedding_length"`
	// Quantization or precision mode.
	// example: f32
	Quantization string `json:"quantization"`
	// Estimated resident size in MB.
	EstimatedMB int `json:"estimated_mb"`
}

// Status is a read-only projection of a bridge for the ops endpoint.
type Status struct {
	Loaded    bool       `json:"loaded"`
	Warmed    bool       `json:"warmed"`
	Model     *ModelInfo `json:"model,omitempty"`
	Position  int        `json:"position"`
	Consumed  int64      `json:"consumed"`
	QueueLen  int        `json:"queue_len"`
	Inflight  int        `json:"inflight"`
	Session   string     `json:"session"`
	LastError string     `json:"last_error,omitempty"`
}
