package gpu

import (
	"hash/fnv"

	"github.com/openfluke/webgpu/wgpu"
)

// CacheStats is a snapshot of pipeline cache counters.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// CachedPipeline is the cache value: a compiled pipeline plus the
// bind-group layout it was built with.
type CachedPipeline struct {
	Pipeline *wgpu.ComputePipeline
	Layout   *wgpu.BindGroupLayout
}

// PipelineCache memoizes compiled pipelines keyed by a fingerprint of the
// shader text and the bind-group layout signature. Both the counting and
// the no-op implementation satisfy it; disabling caching swaps the
// implementation rather than branching at every lookup.
type PipelineCache interface {
	Lookup(key uint64) (CachedPipeline, bool)
	Insert(key uint64, p CachedPipeline)
	Stats() CacheStats
}

// PipelineKey fingerprints shader text plus a layout signature with
// FNV-1a. Two byte-identical (source, signature) pairs always collide on
// purpose: they must share one compiled pipeline.
func PipelineKey(source, layoutSignature string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(layoutSignature))
	return h.Sum64()
}

// CountingCache is the process-wide pipeline cache. Entries are never
// evicted; insertion is first-writer-wins. The host driver is
// single-threaded, so there is no lock.
type CountingCache struct {
	entries map[uint64]CachedPipeline
	hits    uint64
	misses  uint64
}

func NewCountingCache() *CountingCache {
	return &CountingCache{entries: make(map[uint64]CachedPipeline)}
}

func (c *CountingCache) Lookup(key uint64) (CachedPipeline, bool) {
	p, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return p, ok
}

func (c *CountingCache) Insert(key uint64, p CachedPipeline) {
	if _, ok := c.entries[key]; ok {
		return
	}
	c.entries[key] = p
}

func (c *CountingCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}

// NoopCache never stores anything, so every lookup misses and every
// primitive recompiles. Used to measure compilation cost.
type NoopCache struct {
	misses uint64
}

func (c *NoopCache) Lookup(key uint64) (CachedPipeline, bool) {
	c.misses++
	return CachedPipeline{}, false
}

func (c *NoopCache) Insert(uint64, CachedPipeline) {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{Misses: c.misses}
}

// The process-wide cache instance used by primitive execution.
var pipelineCache PipelineCache = NewCountingCache()

// DisablePipelineCache swaps in the no-op cache; EnablePipelineCache
// restores a fresh counting cache. ActiveCacheStats reads the current
// counters.
func DisablePipelineCache() { pipelineCache = &NoopCache{} }
func EnablePipelineCache()  { pipelineCache = NewCountingCache() }

func ActiveCacheStats() CacheStats { return pipelineCache.Stats() }
