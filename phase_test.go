package instanced

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseQueue_SortOpaque(t *testing.T) {
	q := PhaseQueue{Kind: PhaseOpaque}
	q.Add(DrawItem{Entity: 1, Pipeline: 2, Distance: 1})
	q.Add(DrawItem{Entity: 2, Pipeline: 1, Distance: 9})
	q.Add(DrawItem{Entity: 3, Pipeline: 1, Distance: 3})
	q.Sort()

	items := q.Items()
	// Pipeline batches first, then near to far inside a batch.
	assert.Equal(t, EntityId(3), items[0].Entity)
	assert.Equal(t, EntityId(2), items[1].Entity)
	assert.Equal(t, EntityId(1), items[2].Entity)
}

func TestPhaseQueue_SortTransparentBackToFront(t *testing.T) {
	q := PhaseQueue{Kind: PhaseTransparent}
	q.Add(DrawItem{Entity: 1, Pipeline: 1, Distance: 2})
	q.Add(DrawItem{Entity: 2, Pipeline: 2, Distance: 8})
	q.Add(DrawItem{Entity: 3, Pipeline: 3, Distance: 5})
	q.Sort()

	items := q.Items()
	assert.Equal(t, EntityId(2), items[0].Entity)
	assert.Equal(t, EntityId(3), items[1].Entity)
	assert.Equal(t, EntityId(1), items[2].Entity)
}

func TestPhaseQueue_Clear(t *testing.T) {
	q := PhaseQueue{Kind: PhaseOpaque}
	q.Add(DrawItem{Entity: 1})
	q.Clear()
	assert.Zero(t, q.Len())
}

func TestDrawFunctions_RegisterAndLookup(t *testing.T) {
	fns := NewDrawFunctions()
	id := fns.Register("mesh", func(ctx *DrawContext, pass RenderPass, item *DrawItem) error {
		return nil
	})

	got, ok := fns.Lookup("mesh")
	require.True(t, ok)
	assert.Equal(t, id, got)

	// Re-registering the same name keeps the id stable.
	id2 := fns.Register("mesh", func(ctx *DrawContext, pass RenderPass, item *DrawItem) error {
		return nil
	})
	assert.Equal(t, id, id2)

	_, ok = fns.Lookup("missing")
	assert.False(t, ok)
}

func TestExecutePhase_FailedItemDoesNotAbort(t *testing.T) {
	device := &fakeDevice{}
	cache := NewPipelineCache(device)
	id, err := cache.Resolve(PipelineKey{}, emptyDescriptor)
	require.NoError(t, err)

	fns := NewDrawFunctions()
	drawn := 0
	okFn := fns.Register("ok", func(ctx *DrawContext, pass RenderPass, item *DrawItem) error {
		drawn++
		return nil
	})
	badFn := fns.Register("bad", func(ctx *DrawContext, pass RenderPass, item *DrawItem) error {
		return errors.New("boom")
	})

	q := PhaseQueue{Kind: PhaseOpaque}
	q.Add(DrawItem{Entity: 1, DrawFunction: okFn, Pipeline: id})
	q.Add(DrawItem{Entity: 2, DrawFunction: badFn, Pipeline: id})
	q.Add(DrawItem{Entity: 3, DrawFunction: okFn, Pipeline: id})

	ctx := &DrawContext{Cache: cache, Logger: NewNopLogger()}
	failed := executePhase(&q, ctx, fns, &fakePass{})

	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, drawn, "items after the failed one must still draw")
}

func TestExecutePhase_MissingPipelineSkipsItem(t *testing.T) {
	cache := NewPipelineCache(&fakeDevice{})
	fns := NewDrawFunctions()
	fn := fns.Register("ok", func(ctx *DrawContext, pass RenderPass, item *DrawItem) error {
		t.Fatal("must not be called without a pipeline")
		return nil
	})

	q := PhaseQueue{Kind: PhaseOpaque}
	q.Add(DrawItem{Entity: 1, DrawFunction: fn, Pipeline: PipelineId(9)})

	ctx := &DrawContext{Cache: cache, Logger: NewNopLogger()}
	assert.Equal(t, 1, executePhase(&q, ctx, fns, &fakePass{}))
}
