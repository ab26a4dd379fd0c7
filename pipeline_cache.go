package instanced

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// PipelineId identifies a cache entry. Ids are dense and stable for the
// process lifetime; draw items carry them instead of pipeline pointers.
type PipelineId uint32

// SpecializationError marks a pipeline key that cannot be compiled. It is
// retained in the cache so the same key is not recompiled every frame.
type SpecializationError struct {
	Key PipelineKey
	Err error
}

func (e *SpecializationError) Error() string {
	return fmt.Sprintf("pipeline specialization failed (flags=%#x variant=%d): %v", uint32(e.Key.Flags), e.Key.MaterialVariant, e.Err)
}

func (e *SpecializationError) Unwrap() error { return e.Err }

type pipelineCacheEntry struct {
	id       PipelineId
	pipeline CompiledPipeline
	err      error
}

// PipelineCache memoizes compiled pipelines per distinct key. Lookups are
// safe under concurrent readers; insertion is idempotent: when two callers
// race to specialize the same key, both may compile but exactly one result
// is retained and returned to everyone.
type PipelineCache struct {
	mu      sync.RWMutex
	device  RenderDevice
	entries map[PipelineKey]*pipelineCacheEntry
	byId    []*pipelineCacheEntry
}

func NewPipelineCache(device RenderDevice) *PipelineCache {
	return &PipelineCache{
		device:  device,
		entries: make(map[PipelineKey]*pipelineCacheEntry),
	}
}

// Resolve returns the pipeline id for a key, compiling it on first use via
// the specialize callback. A failed specialization is retained: subsequent
// resolves of the same key return the same error without recompiling.
func (c *PipelineCache) Resolve(key PipelineKey, specialize func() (*wgpu.RenderPipelineDescriptor, error)) (PipelineId, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry.id, entry.err
	}

	// Compile outside the lock. Racing callers may compile the same key
	// twice; the second result is dropped below.
	desc, err := specialize()
	var pipeline CompiledPipeline
	if err == nil {
		pipeline, err = c.device.CreateRenderPipeline(desc)
	}
	if err != nil {
		err = &SpecializationError{Key: key, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		return entry.id, entry.err
	}

	entry = &pipelineCacheEntry{
		id:       PipelineId(len(c.byId)),
		pipeline: pipeline,
		err:      err,
	}
	c.entries[key] = entry
	c.byId = append(c.byId, entry)
	return entry.id, entry.err
}

// Pipeline returns the compiled pipeline for an id issued by Resolve.
func (c *PipelineCache) Pipeline(id PipelineId) (CompiledPipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(id) >= len(c.byId) {
		return nil, false
	}
	entry := c.byId[id]
	if entry.err != nil {
		return nil, false
	}
	return entry.pipeline, true
}

// Len reports the number of distinct keys ever resolved, compiled or failed.
func (c *PipelineCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
