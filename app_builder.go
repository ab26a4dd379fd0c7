package instanced

import (
	"reflect"
)

type AppBuilder struct {
	app     *App
	modules []Module
}

func NewAppBuilder() *AppBuilder {
	ecs := MakeEcs()
	app := &App{
		resources: make(map[reflect.Type]any),
		systems:   make(map[string][]systemFn),
		ecs:       &ecs,
	}
	for _, stage := range []Stage{Update, Extract, Prepare, Queue, Render} {
		app.stages = append(app.stages, stage)
		app.systems[stage.Name] = make([]systemFn, 0)
	}
	return &AppBuilder{app: app}
}

func (b *AppBuilder) UseModule(modules ...Module) *AppBuilder {
	b.modules = append(b.modules, modules...)

	return b
}

func (b *AppBuilder) Build() *App {
	app := b.app
	commands := &Commands{app: app}

	for _, module := range b.modules {
		module.Install(app, commands)
	}
	app.FlushCommands()

	return app
}
