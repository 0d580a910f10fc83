package model

import (
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Tokenizer is a greedy longest-match tokenizer over a fixed vocabulary.
// Bytes not covered by any piece become byte fallback tokens, so every input
// round-trips through Tokenize and Detokenize modulo NFC normalization.
type Tokenizer struct {
	pieces  [][]byte
	special []bool
	index   map[string]Token
	maxLen  int
}

// NewTokenizer builds a tokenizer. Special tokens are never produced from
// text and decode to nothing.
func NewTokenizer(vocab []string, special []Token) (*Tokenizer, error) {
	t := &Tokenizer{
		pieces:  make([][]byte, len(vocab)),
		special: make([]bool, len(vocab)),
		index:   make(map[string]Token, len(vocab)),
	}
	for _, s := range special {
		if s < 0 || int(s) >= len(vocab) {
			return nil, fmt.Errorf("special token %d out of range", s)
		}
		t.special[s] = true
	}
	for i, p := range vocab {
		t.pieces[i] = []byte(p)
		if t.special[i] {
			continue
		}
		if p == "" {
			return nil, fmt.Errorf("empty piece at id %d", i)
		}
		if _, dup := t.index[p]; dup {
			return nil, fmt.Errorf("duplicate piece %q", p)
		}
		t.index[p] = Token(i)
		if len(p) > t.maxLen {
			t.maxLen = len(p)
		}
	}
	return t, nil
}

// VocabSize excludes byte fallback ids.
func (t *Tokenizer) VocabSize() int { return len(t.pieces) }

// Tokenize normalizes text to NFC and splits it into tokens.
func (t *Tokenizer) Tokenize(text string) []Token {
	b := []byte(norm.NFC.String(text))
	out := make([]Token, 0, len(b)/2+1)
	for i := 0; i < len(b); {
		n := min(t.maxLen, len(b)-i)
		matched := false
		for ; n > 0; n-- {
			if id, ok := t.index[string(b[i:i+n])]; ok {
				out = append(out, id)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, Token(len(t.pieces)+int(b[i])))
			i++
		}
	}
	return out
}

// Piece returns the bytes of a token; nil for specials and invalid ids.
func (t *Tokenizer) Piece(id Token) []byte {
	switch {
	case id < 0:
		return nil
	case int(id) < len(t.pieces):
		if t.special[id] {
			return nil
		}
		return t.pieces[id]
	case int(id) < len(t.pieces)+256:
		return []byte{byte(int(id) - len(t.pieces))}
	}
	return nil
}

// Detokenize concatenates token pieces.
func (t *Tokenizer) Detokenize(toks []Token) string {
	var b []byte
	for _, id := range toks {
		b = append(b, t.Piece(id)...)
	}
	return string(b)
}
