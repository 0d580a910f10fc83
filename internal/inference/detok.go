package inference

import (
	"strings"
	"unicode/utf8"
)

// coalescer buffers token bytes until they form complete UTF-8 characters.
type coalescer struct {
	buf []byte
	n   int // tokens folded into buf since the last emission
}

// push adds token bytes and returns the complete characters now available.
// Invalid sequences become U+FFFD; an incomplete tail is held back.
func (c *coalescer) push(b []byte) string {
	c.buf = append(c.buf, b...)
	c.n++
	i := 0
	var out strings.Builder
	for i < len(c.buf) {
		r, size := utf8.DecodeRune(c.buf[i:])
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(c.buf[i:]) {
				break
			}
			out.WriteRune(utf8.RuneError)
			i++
			continue
		}
		out.Write(c.buf[i : i+size])
		i += size
	}
	c.buf = append(c.buf[:0], c.buf[i:]...)
	return out.String()
}

// take returns and resets the number of tokens behind the last emission.
func (c *coalescer) take() int {
	n := c.n
	c.n = 0
	return n
}

// flush returns whatever is left, with broken bytes replaced.
func (c *coalescer) flush() string {
	if len(c.buf) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(c.buf), string(utf8.RuneError))
	c.buf = c.buf[:0]
	return s
}
