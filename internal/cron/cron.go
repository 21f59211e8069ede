// Package cron runs the scheduled jobs stored in ir_cron. Multiple server
// processes may poll concurrently; a compare-and-swap claim on the job row
// guarantees a due job runs exactly once per schedule slot.
package cron

import (
	"context"
	"time"

	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// claimWindow is how long a runner owns a claimed job before another
// process may steal it.
const claimWindow = 10 * time.Minute

// maxFailures deactivates a job after this many consecutive failures.
const maxFailures = 5

// EnvFactory builds a fresh sudo environment for each job execution.
type EnvFactory func() *orm.Env

// Runner polls for due jobs on a fixed tick.
type Runner struct {
	db      *gorm.DB
	log     zerolog.Logger
	newEnv  EnvFactory
	tick    time.Duration
	nowFunc func() time.Time
}

func NewRunner(db *gorm.DB, log zerolog.Logger, newEnv EnvFactory, tick time.Duration) *Runner {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Runner{db: db, log: log, newEnv: newEnv, tick: tick, nowFunc: time.Now}
}

// Start polls until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunPending()
		}
	}
}

// RunPending claims and executes every currently due job. Exposed for tests
// and for the tick loop.
func (r *Runner) RunPending() {
	now := r.nowFunc()
	var due []database.CronJob
	err := r.db.
		Where("active = ? AND next_call <= ?", true, now).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Find(&due).Error
	if err != nil {
		r.log.Error().Err(err).Msg("cron poll failed")
		return
	}
	for _, job := range due {
		if !r.claim(&job, now) {
			continue
		}
		r.runJob(&job)
	}
}

// claim takes the job with an optimistic update; a zero row count means a
// concurrent runner won.
func (r *Runner) claim(job *database.CronJob, now time.Time) bool {
	until := now.Add(claimWindow)
	res := r.db.Model(&database.CronJob{}).
		Where("id = ? AND active = ? AND next_call <= ?", job.ID, true, now).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Update("claimed_until", until)
	if res.Error != nil {
		r.log.Error().Err(res.Error).Str("job", job.Name).Msg("cron claim failed")
		return false
	}
	return res.RowsAffected == 1
}

// runJob executes the job's model method in its own transaction. A failure
// rolls the job's work back, bumps the failure count and reschedules.
func (r *Runner) runJob(job *database.CronJob) {
	start := r.nowFunc()
	err := r.newEnv().Transaction(func(env *orm.Env) error {
		_, callErr := env.Model(job.Model).Call(job.Method, orm.Values{})
		return callErr
	})

	updates := map[string]interface{}{
		"claimed_until": nil,
		"next_call":     nextCall(job, r.nowFunc()),
	}
	if err != nil {
		failures := job.FailCount + 1
		updates["fail_count"] = failures
		if failures >= maxFailures {
			updates["active"] = false
			r.log.Error().Str("job", job.Name).Int("failures", failures).
				Msg("cron job deactivated after repeated failures")
		}
		r.log.Error().Err(err).Str("job", job.Name).Msg("cron job failed")
	} else {
		updates["fail_count"] = 0
		r.log.Info().Str("job", job.Name).
			Dur("took", r.nowFunc().Sub(start)).
			Msg("cron job done")
	}
	if dbErr := r.db.Model(&database.CronJob{}).Where("id = ?", job.ID).
		Updates(updates).Error; dbErr != nil {
		r.log.Error().Err(dbErr).Str("job", job.Name).Msg("cron reschedule failed")
	}
}

// nextCall advances the schedule past now so a long outage does not replay
// every missed slot.
func nextCall(job *database.CronJob, now time.Time) time.Time {
	var step time.Duration
	switch job.IntervalUnit {
	case "minutes":
		step = time.Duration(job.IntervalNumber) * time.Minute
	case "days":
		step = time.Duration(job.IntervalNumber) * 24 * time.Hour
	default:
		step = time.Duration(job.IntervalNumber) * time.Hour
	}
	if step <= 0 {
		step = time.Hour
	}
	next := job.NextCall
	if !next.After(now) {
		behind := now.Sub(next)
		next = next.Add(behind - behind%step + step)
	}
	if !next.After(now) {
		// Sub saturates when next_call is the zero time; schedule from now.
		next = now.Add(step)
	}
	return next
}
