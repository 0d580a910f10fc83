package cli

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"minima/internal/common/fsutil"
)

// readEmbedding loads a vector either as raw little-endian float32 (.f32,
// .bin) or as whitespace or comma separated decimal text.
func readEmbedding(path string) ([]float32, error) {
	p, _, err := fsutil.ResolveFile(path)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", path, err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".f32", ".bin":
		if len(b)%4 != 0 {
			return nil, fmt.Errorf("embedding %s: %d bytes is not a whole number of float32 values", path, len(b))
		}
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	}
	fields := strings.FieldsFunc(string(b), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	out := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, fmt.Errorf("embedding %s: value %d: %w", path, len(out), err)
		}
		out = append(out, float32(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embedding %s: no values", path)
	}
	return out, nil
}
