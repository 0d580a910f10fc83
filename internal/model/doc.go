// Package model resolves model artifacts on disk into loaded, validated
// runtimes. It is structured into small files by concern:
//
//   - types.go: Token, Slot, Metadata and the Runtime/State/Streamer contracts.
//   - store.go: Store (shared, ref-counted handles) and the memory budget check.
//   - sniff.go: container detection by magic and per-format dispatch.
//   - native.go: the MNMA v1 container codec.
//   - native_runtime.go: the pure-Go minima-attn runtime.
//   - tokenizer.go: greedy longest-match tokenizer with byte fallback.
//   - projector.go: embedding projectors (linear, identity).
//   - gguf.go: GGUF header metadata reader.
//
// Build tags and runtimes:
//
//   - In-process llama: GGUF execution uses the go-llama.cpp runtime, enabled
//     with `-tags=llama`. Files: runtime_llama.go, llama_cgo.go.
//     A no-CGO stub is compiled when the tag is not set: runtime_llama_stub.go.
//     Without the tag GGUF headers are still validated, but loading reports
//     ModelIncompatible.
//
// All load failures return a *types.Error whose Kind is one of ModelNotFound,
// ModelFormatInvalid, ModelIncompatible or ResourceExhausted. No partially
// initialized Handle is ever returned.
package model
