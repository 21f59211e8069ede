package cron

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/lucidgrid/basis/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	cronOnce sync.Once
	jobRuns  atomic.Int32
)

func registerCronMethods() {
	cronOnce.Do(func() {
		orm.RegisterMethod("test_cron", "test.job", "tick",
			func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
				jobRuns.Add(1)
				return nil, nil
			})
		orm.RegisterMethod("test_cron", "test.job", "explode",
			func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
				return nil, types.UserError("boom")
			})
	})
}

func newCronRunner(t *testing.T) (*Runner, *gorm.DB) {
	t.Helper()
	registerCronMethods()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	reg := schema.NewRegistry()
	require.NoError(t, reg.Apply(schema.Contribution{
		Module: "test_cron", Model: "test.job", Define: true,
		Fields: []*schema.Field{{Name: "name", Type: schema.TypeChar}},
	}))
	require.NoError(t, reg.Finalize())

	factory := func() *orm.Env {
		return orm.NewEnv(db, reg, orm.NewContext().AsSudo(), zerolog.Nop(), nil)
	}
	return NewRunner(db, zerolog.Nop(), factory, time.Minute), db
}

func dueJob(t *testing.T, db *gorm.DB, name, method string) *database.CronJob {
	t.Helper()
	job := &database.CronJob{
		Module: "test_cron", Name: name, Model: "test.job", Method: method,
		IntervalNumber: 1, IntervalUnit: "hours",
		NextCall: time.Now().Add(-time.Minute), Active: true,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func TestRunPendingExecutesDueJobs(t *testing.T) {
	runner, db := newCronRunner(t)
	job := dueJob(t, db, "tick job", "tick")
	before := jobRuns.Load()

	runner.RunPending()
	assert.Equal(t, before+1, jobRuns.Load())

	var after database.CronJob
	require.NoError(t, db.First(&after, job.ID).Error)
	assert.True(t, after.NextCall.After(time.Now()), "schedule advanced past now")
	assert.Zero(t, after.FailCount)
	assert.Nil(t, after.ClaimedUntil)

	// Not due anymore.
	runner.RunPending()
	assert.Equal(t, before+1, jobRuns.Load())
}

func TestClaimIsExclusive(t *testing.T) {
	runner, db := newCronRunner(t)
	job := dueJob(t, db, "exclusive job", "tick")

	now := time.Now()
	assert.True(t, runner.claim(job, now))
	assert.False(t, runner.claim(job, now), "second claim loses the race")
}

func TestFailureCountsAndDeactivation(t *testing.T) {
	runner, db := newCronRunner(t)
	job := dueJob(t, db, "failing job", "explode")

	for i := 0; i < maxFailures; i++ {
		// Make it due again and reload the persisted failure count.
		var current database.CronJob
		require.NoError(t, db.First(&current, job.ID).Error)
		require.NoError(t, db.Model(&current).Updates(map[string]interface{}{
			"next_call": time.Now().Add(-time.Minute), "claimed_until": nil,
		}).Error)
		runner.RunPending()
	}

	var after database.CronJob
	require.NoError(t, db.First(&after, job.ID).Error)
	assert.Equal(t, maxFailures, after.FailCount)
	assert.False(t, after.Active, "job deactivated after repeated failures")
}

func TestNextCallSkipsMissedSlots(t *testing.T) {
	job := &database.CronJob{IntervalNumber: 1, IntervalUnit: "hours",
		NextCall: time.Now().Add(-10 * time.Hour)}
	next := nextCall(job, time.Now())
	assert.True(t, next.After(time.Now()))
	assert.True(t, next.Before(time.Now().Add(time.Hour+time.Minute)))
}

func TestNextCallCatchesUpInOneJump(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 34, 56, 0, time.UTC)
	step := 30 * time.Minute

	// Years behind: one arithmetic jump, slot alignment kept.
	job := &database.CronJob{IntervalNumber: 30, IntervalUnit: "minutes",
		NextCall: now.Add(-4 * 365 * 24 * time.Hour)}
	next := nextCall(job, now)
	assert.True(t, next.After(now))
	assert.False(t, next.After(now.Add(step)))
	assert.Zero(t, next.Sub(job.NextCall)%step)

	// The zero time saturates the subtraction and still lands after now.
	job = &database.CronJob{IntervalNumber: 1, IntervalUnit: "days"}
	next = nextCall(job, now)
	assert.True(t, next.After(now))
	assert.False(t, next.After(now.Add(24*time.Hour)))
}
