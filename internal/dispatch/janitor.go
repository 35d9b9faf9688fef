package dispatch

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/logging"
)

// sweepParser accepts standard 5-field expressions and descriptors such as
// "@every 1m".
var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Janitor purges finished tasks on a cron schedule.
type Janitor struct {
	engine *Engine
	cron   *cron.Cron
	log    zerolog.Logger
}

// NewJanitor schedules engine.Sweep according to schedule.
func NewJanitor(engine *Engine, schedule string, log *zerolog.Logger) (*Janitor, error) {
	if engine == nil {
		return nil, fmt.Errorf("dispatch: engine is required")
	}
	j := &Janitor{
		engine: engine,
		cron:   cron.New(cron.WithParser(sweepParser)),
		log:    logging.Component(log, "janitor"),
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("dispatch: sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) sweep() {
	if n := j.engine.Sweep(j.engine.clock.Now()); n > 0 {
		j.log.Info().Int("removed", n).Msg("purged finished tasks")
	}
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running sweep to finish.
func (j *Janitor) Run(ctx context.Context) error {
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
	return nil
}
