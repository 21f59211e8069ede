// Package thread implements the messaging mixin: any model that lists
// mail.thread among its mixins gains message posting, follower management
// and scheduled activities, all persisted in the calling transaction.
package thread

import (
	"time"

	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/types"
	"gorm.io/datatypes"
)

// MixinModel is the abstract model name carrying the thread behaviour.
const MixinModel = "mail.thread"

// Notifier delivers a posted message to the record's followers. Delivery
// failures must not fail the posting transaction.
type Notifier interface {
	Notify(env *orm.Env, msg *database.Message, followerIDs []uint64)
}

// LogNotifier is the default notifier; it only records the event.
type LogNotifier struct{}

func (LogNotifier) Notify(env *orm.Env, msg *database.Message, followerIDs []uint64) {
	log := env.Logger()
	log.Info().
		Str("model", msg.Model).
		Uint64("res_id", msg.ResID).
		Int("followers", len(followerIDs)).
		Msg("message posted")
}

var notifier Notifier = LogNotifier{}

// SetNotifier replaces the delivery backend.
func SetNotifier(n Notifier) {
	if n != nil {
		notifier = n
	}
}

// MessagePost appends a message to the record's thread and notifies its
// followers. The author is subscribed automatically.
func MessagePost(rec *orm.RecordSet, body, subtype string, attachments []string) (*database.Message, error) {
	if rec.Len() != 1 {
		return nil, types.ValidationError("message_post expects exactly one record")
	}
	env := rec.Env()
	att := datatypes.JSON("[]")
	if len(attachments) > 0 {
		encoded, err := encodeStrings(attachments)
		if err != nil {
			return nil, err
		}
		att = encoded
	}
	msg := &database.Message{
		Model:       rec.ModelName(),
		ResID:       rec.ID(),
		AuthorID:    env.Context().UID(),
		Subtype:     subtype,
		Body:        body,
		Attachments: att,
	}
	if err := env.DB().Create(msg).Error; err != nil {
		return nil, err
	}
	if uid := env.Context().UID(); uid != 0 {
		if err := Subscribe(rec, uid); err != nil {
			return nil, err
		}
	}
	followers, err := FollowerIDs(rec)
	if err != nil {
		return nil, err
	}
	notifier.Notify(env, msg, followers)
	return msg, nil
}

// Messages returns the record's thread, newest first.
func Messages(rec *orm.RecordSet) ([]database.Message, error) {
	var out []database.Message
	err := rec.Env().DB().
		Where("model = ? AND res_id = ?", rec.ModelName(), rec.ID()).
		Order("id DESC").
		Find(&out).Error
	return out, err
}

// Subscribe adds users as followers; already-subscribed users are kept.
func Subscribe(rec *orm.RecordSet, userIDs ...uint64) error {
	db := rec.Env().DB()
	for _, uid := range userIDs {
		var count int64
		db.Model(&database.Follower{}).
			Where("model = ? AND res_id = ? AND user_id = ?", rec.ModelName(), rec.ID(), uid).
			Count(&count)
		if count > 0 {
			continue
		}
		f := &database.Follower{Model: rec.ModelName(), ResID: rec.ID(), UserID: uid}
		if err := db.Create(f).Error; err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes users from the record's followers.
func Unsubscribe(rec *orm.RecordSet, userIDs ...uint64) error {
	return rec.Env().DB().
		Where("model = ? AND res_id = ? AND user_id IN ?", rec.ModelName(), rec.ID(), userIDs).
		Delete(&database.Follower{}).Error
}

// FollowerIDs returns the user ids following the record.
func FollowerIDs(rec *orm.RecordSet) ([]uint64, error) {
	var followers []database.Follower
	err := rec.Env().DB().
		Where("model = ? AND res_id = ?", rec.ModelName(), rec.ID()).
		Find(&followers).Error
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(followers))
	for _, f := range followers {
		out = append(out, f.UserID)
	}
	return out, nil
}

// ScheduleActivity attaches a dated to-do to the record for a user.
func ScheduleActivity(rec *orm.RecordSet, actType, summary string, userID uint64, due time.Time) (*database.Activity, error) {
	if actType == "" {
		return nil, types.ValidationError("activity type is required")
	}
	act := &database.Activity{
		Model:   rec.ModelName(),
		ResID:   rec.ID(),
		Type:    actType,
		Summary: summary,
		UserID:  userID,
		DueDate: due,
	}
	if err := rec.Env().DB().Create(act).Error; err != nil {
		return nil, err
	}
	return act, nil
}

// CompleteActivity marks an activity done and posts a trace message on the
// record's thread.
func CompleteActivity(env *orm.Env, activityID uint64) error {
	var act database.Activity
	if err := env.DB().First(&act, activityID).Error; err != nil {
		return types.MissingError("activity %d does not exist", activityID)
	}
	if act.Done {
		return nil
	}
	if err := env.DB().Model(&act).Update("done", true).Error; err != nil {
		return err
	}
	rec := env.Model(act.Model).Browse(act.ResID)
	_, err := MessagePost(rec, "activity done: "+act.Summary, "activity", nil)
	return err
}

// Activities returns the record's pending activities ordered by due date.
func Activities(rec *orm.RecordSet) ([]database.Activity, error) {
	var out []database.Activity
	err := rec.Env().DB().
		Where("model = ? AND res_id = ? AND done = ?", rec.ModelName(), rec.ID(), false).
		Order("due_date").
		Find(&out).Error
	return out, err
}

func encodeStrings(list []string) (datatypes.JSON, error) {
	b, err := datatypes.NewJSONType(list).MarshalJSON()
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// RegisterBehaviour exposes the thread operations as callable model methods
// on the mixin, so dispatch and cron can reach them by name.
func RegisterBehaviour(module string) {
	orm.RegisterMethod(module, MixinModel, "message_post", func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
		body, _ := args["body"].(string)
		subtype, _ := args["subtype"].(string)
		msg, err := MessagePost(rs, body, subtype, nil)
		if err != nil {
			return nil, err
		}
		return msg.ID, nil
	})
	orm.RegisterMethod(module, MixinModel, "message_subscribe", func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
		ids := idArgs(args["user_ids"])
		return nil, Subscribe(rs, ids...)
	})
	orm.RegisterMethod(module, MixinModel, "message_unsubscribe", func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
		ids := idArgs(args["user_ids"])
		return nil, Unsubscribe(rs, ids...)
	})
	orm.RegisterMethod(module, MixinModel, "activity_schedule", func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
		actType, _ := args["activity_type"].(string)
		summary, _ := args["summary"].(string)
		var userID uint64
		if v, ok := args["user_id"].(float64); ok {
			userID = uint64(v)
		}
		due := time.Now()
		if s, ok := args["due_date"].(string); ok {
			if t, err := time.Parse("2006-01-02", s); err == nil {
				due = t
			}
		}
		act, err := ScheduleActivity(rs, actType, summary, userID, due)
		if err != nil {
			return nil, err
		}
		return act.ID, nil
	})
}

func idArgs(v interface{}) []uint64 {
	var out []uint64
	switch list := v.(type) {
	case []interface{}:
		for _, x := range list {
			if f, ok := x.(float64); ok {
				out = append(out, uint64(f))
			}
		}
	case []uint64:
		out = list
	}
	return out
}
