package instanced

import (
	"cmp"
	"slices"
	"sync"
)

type PhaseKind uint8

const (
	PhaseOpaque PhaseKind = iota
	PhaseAlphaMask
	PhaseTransparent
)

// DrawItem is one classified draw: which entity, which registered draw
// function renders it, which compiled pipeline it needs, and where it sorts
// within its phase. Items live for a single frame inside one phase queue.
type DrawItem struct {
	Entity       EntityId
	DrawFunction DrawFunctionId
	Pipeline     PipelineId
	Distance     float32
}

// PhaseQueue is the ordered bucket of draw items sharing one compositing
// treatment. Rebuilt from scratch every frame.
type PhaseQueue struct {
	Kind  PhaseKind
	items []DrawItem
}

func (q *PhaseQueue) Add(item DrawItem) {
	q.items = append(q.items, item)
}

func (q *PhaseQueue) Len() int          { return len(q.items) }
func (q *PhaseQueue) Items() []DrawItem { return q.items }

func (q *PhaseQueue) Clear() {
	q.items = q.items[:0]
}

// Sort applies the phase's ordering policy. Opaque and alpha-mask order by
// pipeline first to batch state changes, then front to back; transparent
// orders strictly back to front so blending composites correctly. The
// distance value itself is computed identically for all three phases.
func (q *PhaseQueue) Sort() {
	switch q.Kind {
	case PhaseTransparent:
		slices.SortStableFunc(q.items, func(a, b DrawItem) int {
			return cmp.Compare(b.Distance, a.Distance)
		})
	default:
		slices.SortStableFunc(q.items, func(a, b DrawItem) int {
			if c := cmp.Compare(a.Pipeline, b.Pipeline); c != 0 {
				return c
			}
			return cmp.Compare(a.Distance, b.Distance)
		})
	}
}

type DrawFunctionId int

// DrawFunction records the commands for one draw item. A returned error
// fails that item only; the phase executor reports it and moves on.
type DrawFunction func(ctx *DrawContext, pass RenderPass, item *DrawItem) error

// DrawFunctions is the registry mapping draw function names to ids. Draw
// items reference functions by id so queues stay plain data.
type DrawFunctions struct {
	mu  sync.RWMutex
	ids map[string]DrawFunctionId
	fns []DrawFunction
}

func NewDrawFunctions() *DrawFunctions {
	return &DrawFunctions{
		ids: make(map[string]DrawFunctionId),
	}
}

func (d *DrawFunctions) Register(name string, fn DrawFunction) DrawFunctionId {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.ids[name]; ok {
		d.fns[id] = fn
		return id
	}
	id := DrawFunctionId(len(d.fns))
	d.ids[name] = id
	d.fns = append(d.fns, fn)
	return id
}

func (d *DrawFunctions) Lookup(name string) (DrawFunctionId, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.ids[name]
	return id, ok
}

func (d *DrawFunctions) get(id DrawFunctionId) DrawFunction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(id) >= len(d.fns) {
		return nil
	}
	return d.fns[id]
}

// DrawContext bundles the shared read-only state draw functions consult.
type DrawContext struct {
	Meshes *RenderMeshes
	Cache  *PipelineCache
	Logger Logger
}

// executePhase records every item of one phase queue into the pass and
// returns the number of failed draws. A failed item never aborts the frame;
// the worst outcome is one object missing for one frame.
func executePhase(q *PhaseQueue, ctx *DrawContext, fns *DrawFunctions, pass RenderPass) int {
	failed := 0
	for i := range q.items {
		item := &q.items[i]

		pipeline, ok := ctx.Cache.Pipeline(item.Pipeline)
		if !ok {
			failed++
			continue
		}
		pass.SetPipeline(pipeline)

		fn := fns.get(item.DrawFunction)
		if fn == nil {
			ctx.Logger.Errorf("draw function %d not registered", item.DrawFunction)
			failed++
			continue
		}
		if err := fn(ctx, pass, item); err != nil {
			ctx.Logger.Warnf("draw failed for entity %d: %v", item.Entity, err)
			failed++
		}
	}
	return failed
}
