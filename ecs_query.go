package instanced

import (
	"reflect"
)

// Queries iterate all entities holding the requested component set. The
// callback receives pointers into the archetype columns; returning false
// stops the iteration early.
type Query1[A any] struct{ ecs *Ecs }
type Query2[A, B any] struct{ ecs *Ecs }
type Query3[A, B, C any] struct{ ecs *Ecs }
type Query4[A, B, C, D any] struct{ ecs *Ecs }

func MakeQuery1[A any](cmd *Commands) Query1[A]             { return Query1[A]{ecs: cmd.app.ecs} }
func MakeQuery2[A, B any](cmd *Commands) Query2[A, B]       { return Query2[A, B]{ecs: cmd.app.ecs} }
func MakeQuery3[A, B, C any](cmd *Commands) Query3[A, B, C] { return Query3[A, B, C]{ecs: cmd.app.ecs} }
func MakeQuery4[A, B, C, D any](cmd *Commands) Query4[A, B, C, D] {
	return Query4[A, B, C, D]{ecs: cmd.app.ecs}
}

func (q Query1[A]) Map(m func(EntityId, *A) bool) {
	id1 := identifyComponent[A](q.ecs)

	for _, arch := range q.ecs.archetypes {
		arg1CompData, ok := arch.componentData[id1]
		if !ok {
			continue
		}
		comps1 := arg1CompData.([]A)

		for entityId, row := range arch.entities {
			if !m(entityId, &comps1[row]) {
				return
			}
		}
	}
}

func (q Query2[A, B]) Map(m func(EntityId, *A, *B) bool) {
	id1 := identifyComponent[A](q.ecs)
	id2 := identifyComponent[B](q.ecs)

	for _, arch := range q.ecs.archetypes {
		arg1CompData, ok := arch.componentData[id1]
		if !ok {
			continue
		}
		arg2CompData, ok := arch.componentData[id2]
		if !ok {
			continue
		}
		comps1 := arg1CompData.([]A)
		comps2 := arg2CompData.([]B)

		for entityId, row := range arch.entities {
			if !m(entityId, &comps1[row], &comps2[row]) {
				return
			}
		}
	}
}

func (q Query3[A, B, C]) Map(m func(EntityId, *A, *B, *C) bool) {
	id1 := identifyComponent[A](q.ecs)
	id2 := identifyComponent[B](q.ecs)
	id3 := identifyComponent[C](q.ecs)

	for _, arch := range q.ecs.archetypes {
		arg1CompData, ok := arch.componentData[id1]
		if !ok {
			continue
		}
		arg2CompData, ok := arch.componentData[id2]
		if !ok {
			continue
		}
		arg3CompData, ok := arch.componentData[id3]
		if !ok {
			continue
		}
		comps1 := arg1CompData.([]A)
		comps2 := arg2CompData.([]B)
		comps3 := arg3CompData.([]C)

		for entityId, row := range arch.entities {
			if !m(entityId, &comps1[row], &comps2[row], &comps3[row]) {
				return
			}
		}
	}
}

func (q Query4[A, B, C, D]) Map(m func(EntityId, *A, *B, *C, *D) bool) {
	id1 := identifyComponent[A](q.ecs)
	id2 := identifyComponent[B](q.ecs)
	id3 := identifyComponent[C](q.ecs)
	id4 := identifyComponent[D](q.ecs)

	for _, arch := range q.ecs.archetypes {
		arg1CompData, ok := arch.componentData[id1]
		if !ok {
			continue
		}
		arg2CompData, ok := arch.componentData[id2]
		if !ok {
			continue
		}
		arg3CompData, ok := arch.componentData[id3]
		if !ok {
			continue
		}
		arg4CompData, ok := arch.componentData[id4]
		if !ok {
			continue
		}
		comps1 := arg1CompData.([]A)
		comps2 := arg2CompData.([]B)
		comps3 := arg3CompData.([]C)
		comps4 := arg4CompData.([]D)

		for entityId, row := range arch.entities {
			if !m(entityId, &comps1[row], &comps2[row], &comps3[row], &comps4[row]) {
				return
			}
		}
	}
}

func identifyComponent[A any](ecs *Ecs) componentId {
	var a A
	return ecs.getComponentId(reflect.TypeOf(a))
}
