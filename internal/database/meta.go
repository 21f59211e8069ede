package database

import (
	"time"

	"gorm.io/datatypes"
)

// Row is one record of any installed model. Field values live in a JSON
// column typed and validated by the schema registry; the indexed columns are
// the ones the kernel filters on before domain evaluation.
type Row struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Model     string `gorm:"size:128;not null;index:idx_rows_model"`
	CompanyID uint64 `gorm:"index:idx_rows_company"`
	Version   uint64 `gorm:"not null;default:0"`
	Values    datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExternalID maps a module-owned stable identifier to a record, used for
// idempotent data reloads and uninstall cleanup.
type ExternalID struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	Module string `gorm:"size:128;not null;index:idx_xid,unique"`
	Name   string `gorm:"size:255;not null;index:idx_xid,unique"`
	Model  string `gorm:"size:128;not null"`
	ResID  uint64 `gorm:"not null;index"`
	CreatedAt time.Time
}

// ModuleState tracks the install state and version of each known module.
type ModuleState struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:128;uniqueIndex;not null"`
	Version   string `gorm:"size:64"`
	State     string `gorm:"size:32;not null;default:uninstalled"` // installed, uninstalled
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Translation is one translated source string for one language.
type Translation struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	Module string `gorm:"size:128;index"`
	Lang   string `gorm:"size:16;not null;index:idx_translation,unique"`
	Src    string `gorm:"size:512;not null;index:idx_translation,unique"`
	Value  string `gorm:"size:512;not null"`
}

// Message is one thread message posted on a record.
type Message struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Model       string `gorm:"size:128;not null;index:idx_msg_thread"`
	ResID       uint64 `gorm:"not null;index:idx_msg_thread"`
	AuthorID    uint64 `gorm:"index"`
	Subtype     string `gorm:"size:64"`
	Body        string `gorm:"type:text"`
	Attachments datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time
}

// Follower subscribes a user to a record's notifications.
type Follower struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	Model  string `gorm:"size:128;not null;index:idx_follower,unique"`
	ResID  uint64 `gorm:"not null;index:idx_follower,unique"`
	UserID uint64 `gorm:"not null;index:idx_follower,unique"`
	CreatedAt time.Time
}

// Activity is a scheduled to-do attached to a record.
type Activity struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	Model    string `gorm:"size:128;not null;index:idx_activity_thread"`
	ResID    uint64 `gorm:"not null;index:idx_activity_thread"`
	Type     string `gorm:"size:64;not null"`
	Summary  string `gorm:"size:255"`
	UserID   uint64 `gorm:"index"`
	DueDate  time.Time
	Done     bool `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CronJob is one scheduled job descriptor. ClaimedUntil implements the
// advisory lock: a runner owns the job until the claim expires.
type CronJob struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	Module         string `gorm:"size:128;index"`
	Name           string `gorm:"size:255;uniqueIndex;not null"`
	Model          string `gorm:"size:128;not null"`
	Method         string `gorm:"size:128;not null"`
	IntervalNumber int    `gorm:"not null;default:1"`
	IntervalUnit   string `gorm:"size:16;not null;default:hours"` // minutes, hours, days
	NextCall       time.Time
	Active         bool `gorm:"not null;default:true"`
	ClaimedUntil   *time.Time
	FailCount      int `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ACL grants model-level permissions to one group.
type ACL struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Module     string `gorm:"size:128;index"`
	XID        string `gorm:"size:255;index"` // descriptor row id, upsert key
	Name       string `gorm:"size:255"`
	Model      string `gorm:"size:128;not null;index"`
	GroupXID   string `gorm:"size:255"` // empty grants to everyone
	PermRead   bool
	PermWrite  bool
	PermCreate bool
	PermUnlink bool
}

// RecordRule is a row-level filter applied to one model for the listed
// groups; rules for the current principal compose as a conjunction.
type RecordRule struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Module     string `gorm:"size:128;index"`
	Name       string `gorm:"size:255"`
	Model      string `gorm:"size:128;not null;index"`
	GroupXIDs  string `gorm:"size:512"` // comma separated; empty applies to everyone
	Domain     datatypes.JSON `gorm:"type:json"`
	PermRead   bool
	PermWrite  bool
	PermCreate bool
	PermUnlink bool
}

// Session is one authenticated browser session.
type Session struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    uint64 `gorm:"not null;index"`
	CompanyID uint64
	Lang      string `gorm:"size:16"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

// APIKey authenticates service-to-service calls.
type APIKey struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Key       string `gorm:"size:64;uniqueIndex;not null"`
	UserID    uint64 `gorm:"not null;index"`
	Name      string `gorm:"size:255"`
	Active    bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}

// TableName overrides for the kernel tables keep the ir_* naming convention.
func (Row) TableName() string         { return "ir_rows" }
func (ExternalID) TableName() string  { return "ir_model_data" }
func (ModuleState) TableName() string { return "ir_module_module" }
func (Translation) TableName() string { return "ir_translation" }
func (Message) TableName() string     { return "mail_message" }
func (Follower) TableName() string    { return "mail_followers" }
func (Activity) TableName() string    { return "mail_activity" }
func (CronJob) TableName() string     { return "ir_cron" }
func (ACL) TableName() string         { return "ir_model_access" }
func (RecordRule) TableName() string  { return "ir_rule" }
func (Session) TableName() string     { return "ir_session" }
func (APIKey) TableName() string      { return "ir_api_key" }
