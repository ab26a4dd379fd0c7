package instanced

import (
	"fmt"
	"slices"
)

// Stage is a named slot in the per-frame schedule. Stages run strictly in
// order; systems inside one stage run in registration order.
type Stage struct {
	Name string
}

// The frame is split into a simulation stage followed by the four render
// stages. Extract copies simulation state into render state, Prepare uploads
// GPU resources, Queue classifies draws into phase queues, Render records and
// submits the draw commands. Each later stage may assume every earlier stage
// has fully completed.
var (
	Update  = Stage{Name: "Update"}
	Extract = Stage{Name: "Extract"}
	Prepare = Stage{Name: "Prepare"}
	Queue   = Stage{Name: "Queue"}
	Render  = Stage{Name: "Render"}
)

type systemScheduleBuilder struct {
	inStage Stage
	system  systemFn
}

// System starts a schedule builder for the given system function.
// Without an explicit stage the system lands in Update.
func System(system systemFn) systemScheduleBuilder {
	return systemScheduleBuilder{
		system:  system,
		inStage: Update,
	}
}

func (sched systemScheduleBuilder) InStage(s Stage) systemScheduleBuilder {
	return systemScheduleBuilder{
		system:  sched.system,
		inStage: s,
	}
}

type stagePosition int

const (
	stageBefore stagePosition = iota
	stageAfter
)

type stagePositionBuilder struct {
	position stagePosition
	target   Stage
}

func BeforeStage(s Stage) stagePositionBuilder {
	return stagePositionBuilder{
		position: stageBefore,
		target:   s,
	}
}

func AfterStage(s Stage) stagePositionBuilder {
	return stagePositionBuilder{
		position: stageAfter,
		target:   s,
	}
}

// UseStage inserts a custom stage before or after an existing one.
func (app *App) UseStage(stage Stage, where stagePositionBuilder) *App {
	var stageIdx = -1
	for i, s := range app.stages {
		if s.Name == where.target.Name {
			stageIdx = i
			break
		}
	}
	if -1 == stageIdx {
		panic(fmt.Sprintf("Stage %v not found", where.target.Name))
	}

	var insertAt int
	if stageBefore == where.position {
		insertAt = stageIdx
	} else {
		insertAt = stageIdx + 1
	}

	app.stages = slices.Insert(app.stages, insertAt, stage)
	app.systems[stage.Name] = make([]systemFn, 0)

	return app
}

func (app *App) UseSystem(system systemScheduleBuilder) *App {
	if systems, ok := app.systems[system.inStage.Name]; ok {
		app.systems[system.inStage.Name] = append(systems, system.system)
		return app
	}
	panic(fmt.Sprintf("Stage %v doesn't exist", system.inStage.Name))
}
