package pdef

import (
	"hash/fnv"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache memoizes compiled Protocols by source path, keyed additionally on a
// content checksum so an edited file (spec.md §4.9 reload path) invalidates
// the memoized entry instead of serving stale bytecode.
type Cache struct {
	inner *gocache.Cache
}

// NewCache builds a Cache with the given TTL and cleanup interval.
func NewCache(ttl, cleanupInterval time.Duration) *Cache {
	return &Cache{inner: gocache.New(ttl, cleanupInterval)}
}

// LoadFile parses and caches the PDEF file at path, keyed by path+checksum
// so a changed file is recompiled rather than served from cache.
func (c *Cache) LoadFile(path string) (*Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := checksum(data)
	key := path + "#" + sum

	if v, ok := c.inner.Get(key); ok {
		return v.(*Protocol), nil
	}

	proto, err := Parse(string(data), path)
	if err != nil {
		return nil, err
	}
	c.inner.Set(key, proto, gocache.DefaultExpiration)
	return proto, nil
}

// LoadInline parses (and caches, keyed purely on content) PDEF text with no
// backing file — used for the HTTP upload and inline-filter request paths.
func (c *Cache) LoadInline(text string) (*Protocol, error) {
	key := "inline#" + checksum([]byte(text))
	if v, ok := c.inner.Get(key); ok {
		return v.(*Protocol), nil
	}
	proto, err := Parse(text, "")
	if err != nil {
		return nil, err
	}
	c.inner.Set(key, proto, gocache.DefaultExpiration)
	return proto, nil
}

func checksum(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return hex64(h.Sum64())
}

func hex64(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return string(buf)
}
