package jobs

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/pkg/orchestrator"
)

// Runner schedules the reconciliation sweeps. Stalled entries are checked
// frequently; the heavier stuck-message cleanup runs on its own spec.
type Runner struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func NewRunner(orch *orchestrator.Orchestrator, cfg config.JobSettings, log zerolog.Logger) (*Runner, error) {
	c := cron.New()

	if _, err := c.AddFunc(cfg.StalledCheckSpec, recovered(log, "stalled check", func() error {
		_, err := orch.CheckStalledMessages(context.Background())
		return err
	})); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(cfg.StuckCleanupSpec, recovered(log, "stuck cleanup", func() error {
		_, err := orch.CleanupStuckMessages(context.Background())
		return err
	})); err != nil {
		return nil, err
	}

	return &Runner{cron: c, log: log}, nil
}

// recovered keeps a panicking tick from taking down the scheduler.
func recovered(log zerolog.Logger, name string, job func() error) func() {
	return func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("job", name).Msg("job panicked")
			}
		}()
		if err := job(); err != nil {
			log.Error().Err(err).Str("job", name).Msg(name + " failed")
		}
	}
}

func (r *Runner) Start() {
	r.log.Info().Msg("reconciliation jobs started")
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info().Msg("reconciliation jobs stopped")
}
