package access

import (
	"strconv"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupAccessDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return db
}

func seedPrincipal(t *testing.T, db *gorm.DB) uint64 {
	t.Helper()
	group := database.Row{Model: "res.groups", Values: []byte(`{"name":"Internal User"}`)}
	require.NoError(t, db.Create(&group).Error)
	require.NoError(t, db.Create(&database.ExternalID{
		Module: "base", Name: "group_user", Model: "res.groups", ResID: group.ID,
	}).Error)

	user := database.Row{Model: "res.users"}
	user.Values = []byte(`{"login":"ada","group_ids":[` + strconv.FormatUint(group.ID, 10) + `]}`)
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func TestCheckerResolvesGroupsAndACLs(t *testing.T) {
	db := setupAccessDB(t)
	uid := seedPrincipal(t, db)

	require.NoError(t, db.Create(&database.ACL{
		Module: "base", Name: "partner read", Model: "res.partner",
		GroupXID: "base.group_user", PermRead: true,
	}).Error)
	require.NoError(t, db.Create(&database.ACL{
		Module: "base", Name: "partner admin", Model: "res.partner",
		GroupXID: "base.group_system", PermWrite: true,
	}).Error)

	c, err := LoadChecker(db, uid)
	require.NoError(t, err)

	assert.True(t, c.InGroup("base.group_user"))
	assert.False(t, c.InGroup("base.group_system"))

	assert.True(t, c.Allowed("res.partner", OpRead))
	assert.False(t, c.Allowed("res.partner", OpWrite), "write granted to another group only")
	assert.False(t, c.Allowed("res.company", OpRead), "no ACL at all means no access")
}

func TestACLWithoutGroupGrantsEveryone(t *testing.T) {
	db := setupAccessDB(t)
	uid := seedPrincipal(t, db)

	require.NoError(t, db.Create(&database.ACL{
		Module: "base", Model: "res.currency", PermRead: true,
	}).Error)

	c, err := LoadChecker(db, uid)
	require.NoError(t, err)
	assert.True(t, c.Allowed("res.currency", OpRead))
}

func TestRuleDomainsFilterByGroupAndOperation(t *testing.T) {
	db := setupAccessDB(t)
	uid := seedPrincipal(t, db)

	require.NoError(t, db.Create(&database.RecordRule{
		Module: "base", Name: "own company", Model: "res.partner",
		GroupXIDs: "base.group_user", Domain: []byte(`[["company_id","=","$company_id"]]`),
		PermRead: true, PermWrite: true,
	}).Error)
	require.NoError(t, db.Create(&database.RecordRule{
		Module: "base", Name: "admins only", Model: "res.partner",
		GroupXIDs: "base.group_system", Domain: []byte(`[["id","=",0]]`),
		PermRead: true,
	}).Error)
	require.NoError(t, db.Create(&database.RecordRule{
		Module: "base", Name: "everyone", Model: "res.partner",
		Domain:     []byte(`[["active","=",true]]`),
		PermUnlink: true,
	}).Error)

	c, err := LoadChecker(db, uid)
	require.NoError(t, err)

	read := c.RuleDomains("res.partner", OpRead)
	require.Len(t, read, 1, "only the matching group's rule applies")
	assert.Contains(t, string(read[0]), "$company_id")

	assert.Empty(t, c.RuleDomains("res.partner", OpCreate))

	unlink := c.RuleDomains("res.partner", OpUnlink)
	assert.Len(t, unlink, 1, "group-less rules apply to everyone")
}
