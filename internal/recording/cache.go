package recording

import (
	lru "github.com/hashicorp/golang-lru"
)

// ReaderCache keeps recently used archive readers open so repeated
// random-access frame requests (the HTTP frame endpoint) skip re-parsing
// the header and index. Evicted readers are closed.
type ReaderCache struct {
	cache *lru.Cache
}

// NewReaderCache creates a cache holding up to size open readers.
func NewReaderCache(size int) (*ReaderCache, error) {
	cache, err := lru.NewWithEvict(size, func(_, value interface{}) {
		if r, ok := value.(*Reader); ok {
			r.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &ReaderCache{cache: cache}, nil
}

// Get returns a cached reader for path, opening and caching one on miss.
func (c *ReaderCache) Get(path string) (*Reader, error) {
	if v, ok := c.cache.Get(path); ok {
		return v.(*Reader), nil
	}
	reader, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(path, reader)
	return reader, nil
}

// Invalidate drops (and closes) the cached reader for path, used when a
// recording file is deleted.
func (c *ReaderCache) Invalidate(path string) {
	c.cache.Remove(path)
}

// Close drops every cached reader.
func (c *ReaderCache) Close() {
	c.cache.Purge()
}
