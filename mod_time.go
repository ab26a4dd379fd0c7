package instanced

import (
	"time"
)

type Time struct {
	Time    time.Time
	Dt      time.Duration
	Elapsed time.Duration
}

type TimeModule struct {
}

func (mod TimeModule) Install(app *App, cmd *Commands) {
	cmd.AddResources(&Time{
		Time: time.Now(),
		Dt:   0,
	})
	app.UseSystem(
		System(timeSystem).InStage(Update),
	)
}

func timeSystem(timeResource *Time) {
	now := time.Now()

	timeResource.Dt = now.Sub(timeResource.Time)
	timeResource.Elapsed += timeResource.Dt
	timeResource.Time = now
}
