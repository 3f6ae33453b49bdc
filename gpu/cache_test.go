package gpu

import "testing"

// TestPipelineKey verifies identical inputs collide and different ones don't
func TestPipelineKey(t *testing.T) {
	a := PipelineKey("shader text", "ro|rw")
	b := PipelineKey("shader text", "ro|rw")
	if a != b {
		t.Error("Identical source and signature must produce the same key")
	}
	if PipelineKey("shader text", "ro") == a {
		t.Error("Different layout signature should change the key")
	}
	if PipelineKey("other text", "ro|rw") == a {
		t.Error("Different source should change the key")
	}
	// The separator keeps (source, signature) boundaries unambiguous.
	if PipelineKey("ab", "c") == PipelineKey("a", "bc") {
		t.Error("Boundary shift should change the key")
	}
}

// TestCountingCache verifies hit/miss accounting and first-writer-wins
func TestCountingCache(t *testing.T) {
	c := NewCountingCache()
	key := PipelineKey("src", "sig")

	if _, ok := c.Lookup(key); ok {
		t.Error("Empty cache should miss")
	}
	c.Insert(key, CachedPipeline{})
	if _, ok := c.Lookup(key); !ok {
		t.Error("Inserted key should hit")
	}
	if _, ok := c.Lookup(key); !ok {
		t.Error("Second lookup should hit")
	}

	stats := c.Stats()
	if stats.Misses != 1 {
		t.Errorf("Expected exactly 1 miss, got %d", stats.Misses)
	}
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Size != 1 {
		t.Errorf("Expected size 1, got %d", stats.Size)
	}
}

// TestNoopCache verifies it never stores
func TestNoopCache(t *testing.T) {
	c := &NoopCache{}
	key := PipelineKey("src", "sig")
	c.Insert(key, CachedPipeline{})
	if _, ok := c.Lookup(key); ok {
		t.Error("NoopCache should always miss")
	}
	if c.Stats().Misses != 1 {
		t.Errorf("Expected 1 recorded miss, got %d", c.Stats().Misses)
	}
}

// TestCacheToggle verifies Disable/Enable swap the active implementation
func TestCacheToggle(t *testing.T) {
	defer EnablePipelineCache()

	DisablePipelineCache()
	if _, ok := pipelineCache.(*NoopCache); !ok {
		t.Error("DisablePipelineCache should install the no-op cache")
	}
	EnablePipelineCache()
	if _, ok := pipelineCache.(*CountingCache); !ok {
		t.Error("EnablePipelineCache should install a counting cache")
	}
	if s := ActiveCacheStats(); s.Hits != 0 || s.Misses != 0 || s.Size != 0 {
		t.Errorf("Fresh cache should have zero stats, got %+v", s)
	}
}
