package translation

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lexiqai/transcript-gateway/internal/observability"
)

const (
	defaultCacheSize = 1000
	defaultCacheTTL  = 10 * time.Minute

	// sourceHintRunes is the text prefix length used to memoize detected languages
	sourceHintRunes = 100
)

// Cache memoizes successful translations and detected source languages.
// Safe for concurrent use; shared across every session in the process.
type Cache struct {
	results *expirable.LRU[string, Result]
	sources *expirable.LRU[string, string]
}

// NewCache creates a bounded LRU cache whose entries expire after ttl
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		results: expirable.NewLRU[string, Result](size, nil, ttl),
		sources: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// Key builds the cache key for already normalized text and target
func Key(normalized, target string) string {
	return target + "\x00" + normalized
}

// Get returns a cached result and counts the lookup
func (c *Cache) Get(key string) (Result, bool) {
	res, ok := c.results.Get(key)
	observability.RecordCacheLookup(ok)
	return res, ok
}

// Peek returns a cached result without touching recency or metrics
func (c *Cache) Peek(key string) (Result, bool) {
	return c.results.Peek(key)
}

// Add stores a result; anything other than a success is ignored
func (c *Cache) Add(key string, res Result) {
	if res.Status != StatusSuccess {
		return
	}
	res.Latency = 0
	res.Cached = true
	c.results.Add(key, res)
}

// SourceHint returns a previously detected source language for text
func (c *Cache) SourceHint(normalized string) string {
	lang, _ := c.sources.Get(sourcePrefix(normalized))
	return lang
}

// RememberSource records the language detected for text
func (c *Cache) RememberSource(normalized, lang string) {
	if lang == "" {
		return
	}
	c.sources.Add(sourcePrefix(normalized), lang)
}

// Len returns the number of cached translations
func (c *Cache) Len() int {
	return c.results.Len()
}

// Purge drops every entry
func (c *Cache) Purge() {
	c.results.Purge()
	c.sources.Purge()
}

func sourcePrefix(s string) string {
	r := []rune(s)
	if len(r) > sourceHintRunes {
		r = r[:sourceHintRunes]
	}
	return string(r)
}
