//go:build !llama

package model

// This file provides a no-CGO stub for the llama runtime. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// GGUF headers are still parsed and validated; execution is refused.

import "minima/pkg/types"

var llamaBuilt = false

func openLlama(meta Metadata, _ Options) (Runtime, error) {
	return nil, types.Errorf(types.KindModelIncompatible,
		"gguf %s model needs the llama runtime (binary built without the 'llama' tag)", meta.Architecture)
}
