package rules

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PatternCache holds compiled regular expressions keyed by source.
type PatternCache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

// DefaultPatternCacheSize is used when NewPatternCache gets a size <= 0.
const DefaultPatternCacheSize = 4096

func NewPatternCache(size int) *PatternCache {
	if size <= 0 {
		size = DefaultPatternCacheSize
	}
	c, _ := lru.New[string, *regexp.Regexp](size)
	return &PatternCache{cache: c}
}

// Get returns the compiled form of pattern, compiling on a miss.
func (p *PatternCache) Get(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if caseInsensitive {
		key = "(?i)" + pattern
	}
	if re, ok := p.cache.Get(key); ok {
		return re, nil
	}
	re, err := regexp.Compile(key)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, re)
	return re, nil
}

// Len reports how many patterns are cached.
func (p *PatternCache) Len() int { return p.cache.Len() }
