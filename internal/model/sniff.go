package model

import (
	"errors"
	"io"
	"os"

	"minima/internal/common/fsutil"
	"minima/pkg/types"
)

// LlamaBuilt reports whether GGUF models can be executed by this binary.
func LlamaBuilt() bool { return llamaBuilt }

// resolve maps a caller path onto an absolute regular file.
func resolve(path string) (string, os.FileInfo, error) {
	abs, fi, err := fsutil.ResolveFile(path)
	switch {
	case err == nil:
		return abs, fi, nil
	case errors.Is(err, os.ErrNotExist):
		return abs, nil, types.Wrap(types.KindModelNotFound, err, path)
	case errors.Is(err, fsutil.ErrIsDir):
		return abs, nil, types.Errorf(types.KindModelNotFound, "%s is a directory", abs)
	}
	return abs, nil, types.Wrap(types.KindModelNotFound, err, path)
}

// Inspect validates the header of the model at path without loading tensors.
func Inspect(path string) (Metadata, error) {
	abs, fi, err := resolve(path)
	if err != nil {
		return Metadata{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return Metadata{}, types.Wrap(types.KindModelNotFound, err, abs)
	}
	defer f.Close()
	meta, _, _, err := sniff(f, abs, fi.Size())
	return meta, err
}

// sniff reads the container magic and header. For native files it also
// returns the decoded header and the tensor section offset.
func sniff(r io.Reader, path string, size int64) (Metadata, *NativeHeader, int64, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Metadata{}, nil, 0, types.Wrap(types.KindModelFormatInvalid, err, "read magic")
	}
	switch string(magic[:]) {
	case nativeMagic:
		h, version, off, err := readNativeHeader(r)
		if err != nil {
			return Metadata{}, nil, 0, err
		}
		meta := Metadata{
			Path:            path,
			Format:          FormatNative,
			Version:         version,
			Architecture:    h.Architecture,
			VocabSize:       len(h.Vocab),
			ContextLength:   h.ContextLength,
			HiddenSize:      h.HiddenSize,
			EmbeddingLength: h.EmbeddingLength,
			Quantization:    h.Quantization,
			EOS:             h.EOSToken,
			BOS:             h.BOSToken,
			PromptTemplate:  h.PromptTemplate,
			EstimatedBytes:  size + int64(h.ContextLength)*int64(h.HiddenSize)*4,
		}
		return meta, &h, off, nil
	case ggufMagic:
		h, err := readGGUFHeader(r)
		if err != nil {
			return Metadata{}, nil, 0, err
		}
		meta, err := h.metadata(path, size)
		return meta, nil, 0, err
	}
	return Metadata{}, nil, 0, types.Errorf(types.KindModelFormatInvalid, "unrecognised container magic %q", magic[:])
}
