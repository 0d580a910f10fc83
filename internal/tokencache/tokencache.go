// Package tokencache memoizes tokenization of recurring text such as system
// prompts and templates. Entries live in memory with a TTL and can be
// persisted under a directory so warm starts skip tokenization.
package tokencache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"minima/internal/common/fsutil"
	"minima/internal/model"
)

const (
	defaultTTL      = 30 * time.Minute
	defaultCapacity = 1024
	fileExt         = ".tok"
)

// Options configures a Cache. An empty Dir disables persistence.
type Options struct {
	Dir      string
	TTL      time.Duration
	Capacity uint64
	Logger   *zerolog.Logger
}

// Cache maps (model, text) to token ids.
type Cache struct {
	mem *ttlcache.Cache[string, []model.Token]
	dir string
	log zerolog.Logger
}

// New constructs a Cache and starts its expiry loop. Call Close to stop it.
func New(opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Capacity == 0 {
		opts.Capacity = defaultCapacity
	}
	c := &Cache{log: zerolog.Nop()}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "token_cache").Logger()
	}
	if opts.Dir != "" {
		dir, err := fsutil.ExpandHome(opts.Dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("token cache dir: %w", err)
		}
		c.dir = dir
	}
	c.mem = ttlcache.New[string, []model.Token](
		ttlcache.WithTTL[string, []model.Token](opts.TTL),
		ttlcache.WithCapacity[string, []model.Token](opts.Capacity),
	)
	go c.mem.Start()
	return c, nil
}

// Key derives the cache key for text under a model identity.
func Key(modelID, text string) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached tokens.
func (c *Cache) Get(modelID, text string) ([]model.Token, bool) {
	if c == nil {
		return nil, false
	}
	key := Key(modelID, text)
	if it := c.mem.Get(key); it != nil {
		return clone(it.Value()), true
	}
	if c.dir == "" {
		return nil, false
	}
	toks, err := c.readFile(key)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Err(err).Str("key", key).Msg("discarding unreadable token cache entry")
			_ = os.Remove(c.path(key))
		}
		return nil, false
	}
	c.mem.Set(key, toks, ttlcache.DefaultTTL)
	return clone(toks), true
}

// Put stores tokens in memory and, when persistence is enabled, on disk.
func (c *Cache) Put(modelID, text string, toks []model.Token) {
	if c == nil {
		return
	}
	key := Key(modelID, text)
	c.mem.Set(key, clone(toks), ttlcache.DefaultTTL)
	if c.dir == "" {
		return
	}
	if err := fsutil.WriteFileAtomic(c.path(key), encode(toks), 0o644); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("token cache persist failed")
	}
}

// Tokenize returns cached tokens for text or computes them with fn.
func (c *Cache) Tokenize(modelID, text string, fn func(string) ([]model.Token, error)) ([]model.Token, error) {
	if toks, ok := c.Get(modelID, text); ok {
		return toks, nil
	}
	toks, err := fn(text)
	if err != nil {
		return nil, err
	}
	c.Put(modelID, text, toks)
	return toks, nil
}

// Len reports the number of in-memory entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.mem.Len()
}

// Close stops the expiry loop.
func (c *Cache) Close() {
	if c != nil {
		c.mem.Stop()
	}
}

func (c *Cache) path(key string) string { return filepath.Join(c.dir, key+fileExt) }

func (c *Cache) readFile(key string) ([]model.Token, error) {
	b, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, err
	}
	return decode(b)
}

func encode(toks []model.Token) []byte {
	b := make([]byte, 4*len(toks))
	for i, t := range toks {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(t))
	}
	return b
}

func decode(b []byte) ([]model.Token, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("token file length %d not a multiple of 4", len(b))
	}
	toks := make([]model.Token, len(b)/4)
	for i := range toks {
		toks[i] = model.Token(int32(binary.LittleEndian.Uint32(b[4*i:])))
	}
	return toks, nil
}

func clone(toks []model.Token) []model.Token {
	return append([]model.Token(nil), toks...)
}
