// Package base is the foundation module every installation carries: it
// defines companies, partners, users, groups, the view store and the
// messaging mixin, and seeds the administrator account.
package base

import (
	"embed"
	"time"

	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/registry"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/lucidgrid/basis/internal/thread"
	"github.com/lucidgrid/basis/internal/types"
	"github.com/lucidgrid/basis/internal/utils"
)

//go:embed data security
var files embed.FS

const module = "base"

// MustRegister makes the addon known to the kernel. Called from main before
// the kernel boots.
func MustRegister() {
	registry.Register(&registry.Addon{
		Name: module,
		Manifest: registry.Manifest{
			Name:    "Base",
			Summary: "Companies, partners, users, groups, views and messaging",
			Version: "1.0.0",
			Data: []string{
				"security/access.csv",
				"data/base.xml",
				"data/views.xml",
			},
		},
		FS:            files,
		Contributions: contributions(),
		Setup:         setup,
	})
}

func contributions() []schema.Contribution {
	return []schema.Contribution{
		{
			Model: "res.company", Define: true,
			Description: "Companies",
			Order:       "name",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "email", Type: schema.TypeChar},
				{Name: "currency", Type: schema.TypeChar, Default: "EUR"},
			},
		},
		{
			Model: "res.partner", Define: true,
			Description:   "Contacts",
			CompanyScoped: true,
			Order:         "name",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "email", Type: schema.TypeChar},
				{Name: "phone", Type: schema.TypeChar},
				{Name: "is_company", Type: schema.TypeBoolean, Default: false},
				{Name: "lang", Type: schema.TypeChar, Default: "en_US"},
				{Name: "display_name", Type: schema.TypeChar,
					Compute: "compute_display_name", Depends: []string{"name", "email"}},
			},
		},
		{
			Model: "res.groups", Define: true,
			Description: "Access groups",
			Order:       "name",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
			},
		},
		{
			Model: "res.users", Define: true,
			Description:   "Users",
			CompanyScoped: true,
			Order:         "login",
			Delegates:     map[string]string{"partner_id": "res.partner"},
			Fields: []*schema.Field{
				{Name: "login", Type: schema.TypeChar, Required: true},
				{Name: "password", Type: schema.TypeChar},
				{Name: "active", Type: schema.TypeBoolean, Default: true},
				{Name: "group_ids", Type: schema.TypeMany2many, Comodel: "res.groups"},
			},
		},
		{
			Model: "ir.ui.view", Define: true,
			Description: "Views",
			Order:       "priority, id",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "model", Type: schema.TypeChar},
				{Name: "type", Type: schema.TypeChar},
				{Name: "arch", Type: schema.TypeText, Required: true},
				{Name: "inherit_id", Type: schema.TypeMany2one, Comodel: "ir.ui.view",
					OnDelete: schema.OnDeleteCascade},
				{Name: "priority", Type: schema.TypeInteger, Default: 16},
			},
		},
		{
			Model: "ir.actions.act_window", Define: true,
			Description: "Window actions",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "model", Type: schema.TypeChar, Required: true},
				{Name: "view_id", Type: schema.TypeMany2one, Comodel: "ir.ui.view",
					OnDelete: schema.OnDeleteSetNull},
				{Name: "domain", Type: schema.TypeText},
				{Name: "context", Type: schema.TypeText},
			},
		},
		{
			Model: "ir.actions.server", Define: true,
			Description: "Server actions",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "model", Type: schema.TypeChar, Required: true},
				{Name: "method", Type: schema.TypeChar, Required: true},
			},
		},
		{
			Model: "ir.actions.act_url", Define: true,
			Description: "URL actions",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "url", Type: schema.TypeChar, Required: true},
				{Name: "target", Type: schema.TypeSelection, Default: "new",
					Selection: []schema.SelectionOption{
						{Value: "self", Label: "Same window"},
						{Value: "new", Label: "New window"},
					}},
			},
		},
		{
			Model: "ir.ui.menu", Define: true,
			Description: "Menus",
			Order:       "sequence, id",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "parent_id", Type: schema.TypeMany2one, Comodel: "ir.ui.menu",
					OnDelete: schema.OnDeleteCascade},
				{Name: "sequence", Type: schema.TypeInteger, Default: 10},
				// External identifier of the action the menu opens.
				{Name: "action", Type: schema.TypeChar},
			},
		},
		{
			Model: "mail.thread", Define: true, Abstract: true,
			Description: "Messaging mixin",
		},
	}
}

func setup() {
	thread.RegisterBehaviour(module)

	orm.RegisterCompute(module, "res.partner", "compute_display_name",
		func(rec *orm.RecordSet) (interface{}, error) {
			name, err := rec.GetString("name")
			if err != nil {
				return nil, err
			}
			email, err := rec.GetString("email")
			if err != nil {
				return nil, err
			}
			if email != "" {
				return name + " <" + email + ">", nil
			}
			return name, nil
		})

	// Credentials are hashed on the way in, never stored in clear.
	orm.RegisterCreateOverride(module, "res.users",
		func(super orm.CreateFunc, env *orm.Env, model string, vals orm.Values) (*orm.RecordSet, error) {
			hashPassword(vals)
			return super(env, model, vals)
		})
	orm.RegisterWriteOverride(module, "res.users",
		func(super orm.WriteFunc, rs *orm.RecordSet, vals orm.Values) error {
			hashPassword(vals)
			return super(rs, vals)
		})

	orm.RegisterConstraint(module, "res.users", []string{"login"},
		func(rs *orm.RecordSet) error {
			for _, rec := range rs.Records() {
				login, err := rec.GetString("login")
				if err != nil {
					return err
				}
				dupes, err := rec.Env().Sudo().Model("res.users").Search(orm.And(
					orm.Eq("login", login),
					orm.Cond("id", "!=", float64(rec.ID())),
				))
				if err != nil {
					return err
				}
				if dupes.Len() > 0 {
					return types.ValidationError("login %q is already in use", login)
				}
			}
			return nil
		})

	// Called by the session vacuum cron job.
	orm.RegisterMethod(module, "res.users", "gc_sessions",
		func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
			res := rs.Env().DB().
				Where("expires_at < ?", time.Now()).
				Delete(&database.Session{})
			return res.RowsAffected, res.Error
		})
}

// hashPassword replaces a clear password value with its digest. A value
// already shaped like a digest is kept, so reloading data files is stable.
func hashPassword(vals orm.Values) {
	raw, ok := vals["password"].(string)
	if !ok || raw == "" || len(raw) == 64 {
		return
	}
	vals["password"] = utils.HashPassword(raw)
}
