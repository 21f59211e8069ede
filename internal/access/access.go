package access

import (
	"encoding/json"
	"strings"

	"github.com/lucidgrid/basis/internal/database"
	"gorm.io/gorm"
)

// Operation names used by ACLs and record rules.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpCreate = "create"
	OpUnlink = "unlink"
)

// Checker holds the resolved permissions of one principal: the external IDs
// of the groups the user belongs to, the ACLs and the record rules that can
// apply to them.
type Checker struct {
	uid    uint64
	groups map[string]bool
	acls   []database.ACL
	rules  []database.RecordRule
}

// LoadChecker resolves the principal's group memberships and loads the
// access tables. Group membership is read from the user record's group_ids
// many2many resolved through external identifiers.
func LoadChecker(db *gorm.DB, uid uint64) (*Checker, error) {
	c := &Checker{uid: uid, groups: map[string]bool{}}

	if uid != 0 {
		var row database.Row
		err := db.Where("model = ? AND id = ?", "res.users", uid).First(&row).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return nil, err
		}
		if err == nil {
			var values map[string]interface{}
			if err := json.Unmarshal(row.Values, &values); err == nil {
				for _, gid := range idList(values["group_ids"]) {
					var xid database.ExternalID
					if err := db.Where("model = ? AND res_id = ?", "res.groups", gid).
						First(&xid).Error; err == nil {
						c.groups[xid.Module+"."+xid.Name] = true
					}
				}
			}
		}
	}

	if err := db.Find(&c.acls).Error; err != nil {
		return nil, err
	}
	if err := db.Find(&c.rules).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// Allowed reports whether the principal holds the model-level permission.
func (c *Checker) Allowed(model, op string) bool {
	for _, acl := range c.acls {
		if acl.Model != model {
			continue
		}
		if acl.GroupXID != "" && !c.groups[acl.GroupXID] {
			continue
		}
		if aclPerm(&acl, op) {
			return true
		}
	}
	return false
}

// RuleDomains returns the raw domain filters applying to the principal for
// (model, op). The caller composes them as a conjunction.
func (c *Checker) RuleDomains(model, op string) [][]byte {
	var out [][]byte
	for _, rule := range c.rules {
		if rule.Model != model || !rulePerm(&rule, op) {
			continue
		}
		if rule.GroupXIDs != "" {
			applies := false
			for _, g := range strings.Split(rule.GroupXIDs, ",") {
				if c.groups[strings.TrimSpace(g)] {
					applies = true
					break
				}
			}
			if !applies {
				continue
			}
		}
		out = append(out, []byte(rule.Domain))
	}
	return out
}

// InGroup reports membership in a group by its external identifier.
func (c *Checker) InGroup(xid string) bool {
	return c.groups[xid]
}

func aclPerm(acl *database.ACL, op string) bool {
	switch op {
	case OpRead:
		return acl.PermRead
	case OpWrite:
		return acl.PermWrite
	case OpCreate:
		return acl.PermCreate
	case OpUnlink:
		return acl.PermUnlink
	}
	return false
}

func rulePerm(rule *database.RecordRule, op string) bool {
	switch op {
	case OpRead:
		return rule.PermRead
	case OpWrite:
		return rule.PermWrite
	case OpCreate:
		return rule.PermCreate
	case OpUnlink:
		return rule.PermUnlink
	}
	return false
}

func idList(v interface{}) []uint64 {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(list))
	for _, item := range list {
		if f, ok := item.(float64); ok {
			out = append(out, uint64(f))
		}
	}
	return out
}
