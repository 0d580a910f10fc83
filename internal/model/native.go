package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"minima/pkg/types"
)

const (
	nativeMagic    = "MNMA"
	nativeVersion  = 1
	nativeArch     = "minima-attn"
	nativeQuantF32 = "f32"
	// maxNativeHeader bounds the JSON header read before any allocation.
	maxNativeHeader = 16 << 20
	// maxTensorElems bounds every tensor and the kv estimate so that the sum
	// of all tensors in bytes fits an int64 and a slice length.
	maxTensorElems = math.MaxInt / 32
)

// NativeHeader is the JSON header of an MNMA container.
type NativeHeader struct {
	Architecture    string   `json:"architecture"`
	ContextLength   int      `json:"context_length"`
	HiddenSize      int      `json:"hidden_size"`
	EmbeddingLength int      `json:"embedding_length"`
	Quantization    string   `json:"quantization"`
	Vocab           []string `json:"vocab"`
	SpecialTokens   []Token  `json:"special_tokens,omitempty"`
	EOSToken        Token    `json:"eos_token"`
	BOSToken        Token    `json:"bos_token"`
	PromptTemplate  string   `json:"prompt_template,omitempty"`
}

// NativeModel is a fully decoded MNMA container. Tensors are row-major.
type NativeModel struct {
	Header    NativeHeader
	TokenEmbd []float32 // [vocab][hidden]
	Output    []float32 // [vocab][hidden]
	Proj      []float32 // [hidden][embedding_length], empty for text-only models
	ProjBias  []float32 // [hidden]
}

func (h NativeHeader) tensorCount() int {
	v, d := len(h.Vocab), h.HiddenSize
	n := 2 * v * d
	if h.EmbeddingLength > 0 && h.EmbeddingLength != d {
		n += d*h.EmbeddingLength + d
	}
	return n
}

// hasProjector reports whether the container stores projector tensors. When
// embedding_length equals hidden_size the projection is the identity.
func (h NativeHeader) hasProjector() bool {
	return h.EmbeddingLength > 0 && h.EmbeddingLength != h.HiddenSize
}

type tensorSpec struct {
	name string
	data []float32
	want int
}

func (m *NativeModel) tensors() []tensorSpec {
	v, d := len(m.Header.Vocab), m.Header.HiddenSize
	ts := []tensorSpec{
		{"token_embd", m.TokenEmbd, v * d},
		{"output", m.Output, v * d},
	}
	if m.Header.hasProjector() {
		ts = append(ts,
			tensorSpec{"mm_proj", m.Proj, d * m.Header.EmbeddingLength},
			tensorSpec{"mm_bias", m.ProjBias, d},
		)
	}
	return ts
}

// EncodeNative writes an MNMA v1 container.
// Empty architecture and quantization default to minima-attn and f32.
func EncodeNative(w io.Writer, m *NativeModel) error {
	if m.Header.Architecture == "" {
		m.Header.Architecture = nativeArch
	}
	if m.Header.Quantization == "" {
		m.Header.Quantization = nativeQuantF32
	}
	if err := validateNativeHeader(m.Header); err != nil {
		return err
	}
	for _, t := range m.tensors() {
		if len(t.data) != t.want {
			return fmt.Errorf("tensor %s has %d values, want %d", t.name, len(t.data), t.want)
		}
	}
	hb, err := json.Marshal(m.Header)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(nativeMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, [2]uint32{nativeVersion, uint32(len(hb))}); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	for _, t := range m.tensors() {
		if err := binary.Write(bw, binary.LittleEndian, t.data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// readNativeHeader reads version and JSON header after the magic.
func readNativeHeader(r io.Reader) (NativeHeader, uint32, int64, error) {
	var h NativeHeader
	var pre [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &pre); err != nil {
		return h, 0, 0, types.Wrap(types.KindModelFormatInvalid, err, "read mnma preamble")
	}
	version, n := pre[0], pre[1]
	if version != nativeVersion {
		return h, version, 0, types.Errorf(types.KindModelIncompatible, "mnma version %d not supported", version)
	}
	if n == 0 || n > maxNativeHeader {
		return h, version, 0, types.Errorf(types.KindModelFormatInvalid, "mnma header length %d", n)
	}
	hb := make([]byte, n)
	if _, err := io.ReadFull(r, hb); err != nil {
		return h, version, 0, types.Wrap(types.KindModelFormatInvalid, err, "read mnma header")
	}
	if err := json.Unmarshal(hb, &h); err != nil {
		return h, version, 0, types.Wrap(types.KindModelFormatInvalid, err, "parse mnma header")
	}
	if h.Architecture != nativeArch {
		return h, version, 0, types.Errorf(types.KindModelIncompatible, "architecture %q not supported", h.Architecture)
	}
	if h.Quantization != nativeQuantF32 {
		return h, version, 0, types.Errorf(types.KindModelIncompatible, "quantization %q not supported", h.Quantization)
	}
	if err := validateNativeHeader(h); err != nil {
		return h, version, 0, types.Wrap(types.KindModelFormatInvalid, err, "validate mnma header")
	}
	return h, version, int64(len(nativeMagic)) + 8 + int64(n), nil
}

func validateNativeHeader(h NativeHeader) error {
	switch {
	case len(h.Vocab) == 0:
		return fmt.Errorf("empty vocabulary")
	case h.HiddenSize <= 0:
		return fmt.Errorf("hidden_size %d", h.HiddenSize)
	case h.ContextLength <= 0:
		return fmt.Errorf("context_length %d", h.ContextLength)
	case h.EmbeddingLength < 0:
		return fmt.Errorf("embedding_length %d", h.EmbeddingLength)
	case h.EOSToken < NoToken || int(h.EOSToken) >= len(h.Vocab):
		return fmt.Errorf("eos_token %d out of range", h.EOSToken)
	case h.BOSToken < NoToken || int(h.BOSToken) >= len(h.Vocab):
		return fmt.Errorf("bos_token %d out of range", h.BOSToken)
	}
	if !boundedProduct(len(h.Vocab), h.HiddenSize) {
		return fmt.Errorf("vocab %d x hidden_size %d too large", len(h.Vocab), h.HiddenSize)
	}
	if h.hasProjector() && !boundedProduct(h.HiddenSize, h.EmbeddingLength) {
		return fmt.Errorf("hidden_size %d x embedding_length %d too large", h.HiddenSize, h.EmbeddingLength)
	}
	if !boundedProduct(h.ContextLength, h.HiddenSize) {
		return fmt.Errorf("context_length %d x hidden_size %d too large", h.ContextLength, h.HiddenSize)
	}
	if _, err := NewTokenizer(h.Vocab, h.SpecialTokens); err != nil {
		return err
	}
	return nil
}

// boundedProduct reports whether a*b stays within maxTensorElems. Both
// operands must be positive.
func boundedProduct(a, b int) bool {
	return a <= maxTensorElems/b
}

// decodeNative reads the tensor section. size is the full file size and must
// match the header exactly.
func decodeNative(r io.Reader, h NativeHeader, offset, size int64) (*NativeModel, error) {
	want := offset + 4*int64(h.tensorCount())
	if size != want {
		return nil, types.Errorf(types.KindModelFormatInvalid, "mnma file is %d bytes, header implies %d", size, want)
	}
	m := &NativeModel{Header: h}
	v, d := len(h.Vocab), h.HiddenSize
	m.TokenEmbd = make([]float32, v*d)
	m.Output = make([]float32, v*d)
	dst := [][]float32{m.TokenEmbd, m.Output}
	if h.hasProjector() {
		m.Proj = make([]float32, d*h.EmbeddingLength)
		m.ProjBias = make([]float32, d)
		dst = append(dst, m.Proj, m.ProjBias)
	}
	br := bufio.NewReaderSize(r, 1<<16)
	for _, t := range dst {
		if err := binary.Read(br, binary.LittleEndian, t); err != nil {
			return nil, types.Wrap(types.KindModelFormatInvalid, err, "read mnma tensors")
		}
	}
	return m, nil
}
