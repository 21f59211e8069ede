package thread

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type captureNotifier struct {
	messages  []*database.Message
	followers [][]uint64
}

func (n *captureNotifier) Notify(env *orm.Env, msg *database.Message, followerIDs []uint64) {
	n.messages = append(n.messages, msg)
	n.followers = append(n.followers, followerIDs)
}

func newThreadEnv(t *testing.T, uid uint64) *orm.Env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	reg := schema.NewRegistry()
	require.NoError(t, reg.Apply(schema.Contribution{
		Module: "test_thread", Model: "test.topic", Define: true,
		Fields: []*schema.Field{{Name: "name", Type: schema.TypeChar, Required: true}},
	}))
	require.NoError(t, reg.Finalize())

	ctx := orm.NewContext().AsSudo().WithUser(uid)
	return orm.NewEnv(db, reg, ctx, zerolog.Nop(), nil)
}

func TestMessagePostSubscribesAuthorAndNotifies(t *testing.T) {
	capture := &captureNotifier{}
	SetNotifier(capture)
	defer SetNotifier(LogNotifier{})

	env := newThreadEnv(t, 7)
	rec, err := env.Model("test.topic").Create(orm.Values{"name": "launch"})
	require.NoError(t, err)

	msg, err := MessagePost(rec, "we are live", "comment", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), msg.AuthorID)
	assert.Equal(t, "test.topic", msg.Model)

	followers, err := FollowerIDs(rec)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, followers, "author auto-subscribed")

	require.Len(t, capture.messages, 1)
	assert.Equal(t, []uint64{7}, capture.followers[0])

	// Second post from the same author does not duplicate the follower.
	_, err = MessagePost(rec, "still live", "comment", nil)
	require.NoError(t, err)
	followers, err = FollowerIDs(rec)
	require.NoError(t, err)
	assert.Len(t, followers, 1)

	msgs, err := Messages(rec)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "still live", msgs[0].Body, "newest first")
}

func TestSubscribeUnsubscribe(t *testing.T) {
	env := newThreadEnv(t, 1)
	rec, err := env.Model("test.topic").Create(orm.Values{"name": "x"})
	require.NoError(t, err)

	require.NoError(t, Subscribe(rec, 2, 3))
	require.NoError(t, Subscribe(rec, 2))
	followers, err := FollowerIDs(rec)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2, 3}, followers)

	require.NoError(t, Unsubscribe(rec, 2))
	followers, err = FollowerIDs(rec)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, followers)
}

func TestActivitiesLifecycle(t *testing.T) {
	env := newThreadEnv(t, 5)
	rec, err := env.Model("test.topic").Create(orm.Values{"name": "x"})
	require.NoError(t, err)

	due := time.Now().Add(48 * time.Hour)
	act, err := ScheduleActivity(rec, "todo", "call back", 5, due)
	require.NoError(t, err)

	_, err = ScheduleActivity(rec, "", "missing type", 5, due)
	assert.Error(t, err)

	pending, err := Activities(rec)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, CompleteActivity(env, act.ID))
	pending, err = Activities(rec)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Completion leaves a trace message on the thread.
	msgs, err := Messages(rec)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0].Body, "call back")

	// Completing twice is a no-op.
	require.NoError(t, CompleteActivity(env, act.ID))
	assert.Error(t, CompleteActivity(env, 9999))
}
