package model

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"minima/pkg/types"
)

const ggufMagic = "GGUF"

// gguf value types
const (
	ggufUint8 uint32 = iota
	ggufInt8
	ggufUint16
	ggufInt16
	ggufUint32
	ggufInt32
	ggufFloat32
	ggufBool
	ggufString
	ggufArray
	ggufUint64
	ggufInt64
	ggufFloat64
)

// Bounds applied while reading untrusted headers.
const (
	maxGGUFKV        = 1 << 16
	maxGGUFString    = 1 << 22
	maxGGUFArray     = 1 << 24
	maxGGUFArrayBulk = 1 << 30
)

// ggufArchitectures lists architectures the llama runtime executes.
var ggufArchitectures = map[string]bool{
	"llama": true, "mistral": true, "qwen2": true, "qwen3": true,
	"phi3": true, "gemma": true, "gemma2": true, "gemma3": true,
}

// ggufFileTypes maps general.file_type to a quantization name.
var ggufFileTypes = map[uint32]string{
	0: "F32", 1: "F16", 2: "Q4_0", 3: "Q4_1", 7: "Q8_0", 8: "Q5_0", 9: "Q5_1",
	10: "Q2_K", 11: "Q3_K_S", 12: "Q3_K_M", 13: "Q3_K_L", 14: "Q4_K_S", 15: "Q4_K_M",
	16: "Q5_K_S", 17: "Q5_K_M", 18: "Q6_K", 32: "BF16",
}

// ggufHeader holds scalar metadata plus array lengths; array contents are
// skipped.
type ggufHeader struct {
	Version     uint32
	TensorCount uint64
	KV          map[string]any
	ArrayLens   map[string]uint64
}

type ggufReader struct {
	r   io.Reader
	buf [8]byte
}

func (g *ggufReader) u32() (uint32, error) {
	if _, err := io.ReadFull(g.r, g.buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(g.buf[:4]), nil
}

func (g *ggufReader) u64() (uint64, error) {
	if _, err := io.ReadFull(g.r, g.buf[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(g.buf[:8]), nil
}

func (g *ggufReader) str() (string, error) {
	n, err := g.u64()
	if err != nil {
		return "", err
	}
	if n > maxGGUFString {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(g.r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func ggufScalarSize(t uint32) int {
	switch t {
	case ggufUint8, ggufInt8, ggufBool:
		return 1
	case ggufUint16, ggufInt16:
		return 2
	case ggufUint32, ggufInt32, ggufFloat32:
		return 4
	case ggufUint64, ggufInt64, ggufFloat64:
		return 8
	}
	return 0
}

func (g *ggufReader) scalar(t uint32) (any, error) {
	n := ggufScalarSize(t)
	if n == 0 {
		return nil, fmt.Errorf("unknown value type %d", t)
	}
	if _, err := io.ReadFull(g.r, g.buf[:n]); err != nil {
		return nil, err
	}
	b := g.buf[:n]
	switch t {
	case ggufUint8:
		return b[0], nil
	case ggufInt8:
		return int8(b[0]), nil
	case ggufBool:
		return b[0] != 0, nil
	case ggufUint16:
		return binary.LittleEndian.Uint16(b), nil
	case ggufInt16:
		return int16(binary.LittleEndian.Uint16(b)), nil
	case ggufUint32:
		return binary.LittleEndian.Uint32(b), nil
	case ggufInt32:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case ggufFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case ggufUint64:
		return binary.LittleEndian.Uint64(b), nil
	case ggufInt64:
		return int64(binary.LittleEndian.Uint64(b)), nil
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	}
}

// skipArray consumes an array value and returns its element count.
func (g *ggufReader) skipArray() (uint64, error) {
	et, err := g.u32()
	if err != nil {
		return 0, err
	}
	n, err := g.u64()
	if err != nil {
		return 0, err
	}
	if n > maxGGUFArray {
		return 0, fmt.Errorf("array length %d exceeds limit", n)
	}
	switch et {
	case ggufString:
		for i := uint64(0); i < n; i++ {
			l, err := g.u64()
			if err != nil {
				return 0, err
			}
			if l > maxGGUFString {
				return 0, fmt.Errorf("string length %d exceeds limit", l)
			}
			if _, err := io.CopyN(io.Discard, g.r, int64(l)); err != nil {
				return 0, err
			}
		}
	case ggufArray:
		return 0, fmt.Errorf("nested arrays not supported")
	default:
		sz := ggufScalarSize(et)
		if sz == 0 {
			return 0, fmt.Errorf("unknown array element type %d", et)
		}
		total := n * uint64(sz)
		if total > maxGGUFArrayBulk {
			return 0, fmt.Errorf("array payload %d exceeds limit", total)
		}
		if _, err := io.CopyN(io.Discard, g.r, int64(total)); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// readGGUFHeader parses everything after the magic up to the tensor infos.
func readGGUFHeader(r io.Reader) (*ggufHeader, error) {
	g := &ggufReader{r: r}
	invalid := func(err error, what string) error {
		return types.Wrap(types.KindModelFormatInvalid, err, "gguf "+what)
	}
	version, err := g.u32()
	if err != nil {
		return nil, invalid(err, "version")
	}
	if version < 2 || version > 3 {
		return nil, types.Errorf(types.KindModelIncompatible, "gguf version %d not supported", version)
	}
	tensors, err := g.u64()
	if err != nil {
		return nil, invalid(err, "tensor count")
	}
	kvs, err := g.u64()
	if err != nil {
		return nil, invalid(err, "kv count")
	}
	if kvs > maxGGUFKV {
		return nil, types.Errorf(types.KindModelFormatInvalid, "gguf kv count %d exceeds limit", kvs)
	}
	h := &ggufHeader{Version: version, TensorCount: tensors, KV: map[string]any{}, ArrayLens: map[string]uint64{}}
	for i := uint64(0); i < kvs; i++ {
		key, err := g.str()
		if err != nil {
			return nil, invalid(err, "key")
		}
		vt, err := g.u32()
		if err != nil {
			return nil, invalid(err, "value type of "+key)
		}
		switch vt {
		case ggufString:
			s, err := g.str()
			if err != nil {
				return nil, invalid(err, "value of "+key)
			}
			h.KV[key] = s
		case ggufArray:
			n, err := g.skipArray()
			if err != nil {
				return nil, invalid(err, "array "+key)
			}
			h.ArrayLens[key] = n
		default:
			v, err := g.scalar(vt)
			if err != nil {
				return nil, invalid(err, "value of "+key)
			}
			h.KV[key] = v
		}
	}
	return h, nil
}

func ggufUint(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case int32:
		if x >= 0 {
			return uint64(x), true
		}
	case int64:
		if x >= 0 {
			return uint64(x), true
		}
	}
	return 0, false
}

// metadata projects the header onto Metadata. fileSize seeds the memory
// estimate since weights are mapped as stored.
func (h *ggufHeader) metadata(path string, fileSize int64) (Metadata, error) {
	arch, _ := h.KV["general.architecture"].(string)
	if arch == "" {
		return Metadata{}, types.Errorf(types.KindModelFormatInvalid, "gguf missing general.architecture")
	}
	m := Metadata{
		Path:           path,
		Format:         FormatGGUF,
		Version:        h.Version,
		Architecture:   arch,
		EOS:            NoToken,
		BOS:            NoToken,
		EstimatedBytes: fileSize,
	}
	if v, ok := ggufUint(h.KV[arch+".context_length"]); ok {
		m.ContextLength = int(v)
	}
	if v, ok := ggufUint(h.KV[arch+".embedding_length"]); ok {
		m.HiddenSize = int(v)
		m.EmbeddingLength = int(v)
	}
	if n, ok := h.ArrayLens["tokenizer.ggml.tokens"]; ok {
		m.VocabSize = int(n)
	} else if v, ok := ggufUint(h.KV[arch+".vocab_size"]); ok {
		m.VocabSize = int(v)
	}
	if v, ok := ggufUint(h.KV["tokenizer.ggml.eos_token_id"]); ok {
		m.EOS = Token(v)
	}
	if v, ok := ggufUint(h.KV["tokenizer.ggml.bos_token_id"]); ok {
		m.BOS = Token(v)
	}
	if v, ok := ggufUint(h.KV["general.file_type"]); ok {
		if name, ok := ggufFileTypes[uint32(v)]; ok {
			m.Quantization = name
		} else {
			m.Quantization = fmt.Sprintf("type_%d", v)
		}
	}
	_, m.HasChatTemplate = h.KV["tokenizer.chat_template"]
	if m.ContextLength <= 0 || m.VocabSize <= 0 {
		return m, types.Errorf(types.KindModelFormatInvalid, "gguf missing context length or vocabulary")
	}
	if !ggufArchitectures[arch] {
		return m, types.Errorf(types.KindModelIncompatible, "gguf architecture %q not supported", arch)
	}
	return m, nil
}
