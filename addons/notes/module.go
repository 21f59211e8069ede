// Package notes is a small application module: threaded notes with tags,
// scheduled cleanup and an optional webhook push. It doubles as the
// reference for how application addons extend the base schema.
package notes

import (
	"context"
	"embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/lucidgrid/basis/internal/adapter"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/registry"
	"github.com/lucidgrid/basis/internal/report"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/lucidgrid/basis/internal/types"
)

//go:embed data demo security
var files embed.FS

const module = "notes"

const reportTemplate = `<html><body>
<h1>Notes</h1>
{{range .Docs}}<div class="note">
  <h2>{{index . "name"}}</h2>
  <p>{{index . "content"}}</p>
  <small>{{index . "word_count"}} words</small>
</div>{{end}}
</body></html>`

// MustRegister makes the addon known to the kernel.
func MustRegister() {
	registry.Register(&registry.Addon{
		Name: module,
		Manifest: registry.Manifest{
			Name:    "Notes",
			Summary: "Threaded notes with tags and scheduled cleanup",
			Version: "1.0.0",
			Depends: []string{"base"},
			Data: []string{
				"security/access.csv",
				"data/notes.xml",
				"data/views.xml",
			},
			Demo: []string{"demo/demo.xml"},
		},
		FS:            files,
		Contributions: contributions(),
		Setup:         setup,
	})
}

func contributions() []schema.Contribution {
	return []schema.Contribution{
		{
			Model: "note.tag", Define: true,
			Description: "Note tags",
			Order:       "name",
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "color", Type: schema.TypeInteger, Default: 0},
			},
		},
		{
			Model: "note.note", Define: true,
			Description:   "Notes",
			CompanyScoped: true,
			Order:         "sequence, id",
			Mixins:        []string{"mail.thread"},
			Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeChar, Required: true},
				{Name: "content", Type: schema.TypeText},
				{Name: "sequence", Type: schema.TypeInteger, Default: 10},
				{Name: "state", Type: schema.TypeSelection, Default: "draft",
					Selection: []schema.SelectionOption{
						{Value: "draft", Label: "Draft"},
						{Value: "done", Label: "Done"},
					}},
				{Name: "deadline", Type: schema.TypeDate},
				{Name: "user_id", Type: schema.TypeMany2one, Comodel: "res.users",
					OnDelete: schema.OnDeleteSetNull},
				{Name: "partner_id", Type: schema.TypeMany2one, Comodel: "res.partner",
					OnDelete: schema.OnDeleteRestrict, CheckCompany: true},
				{Name: "tag_ids", Type: schema.TypeMany2many, Comodel: "note.tag"},
				{Name: "word_count", Type: schema.TypeInteger, Stored: true,
					Compute: "compute_word_count", Depends: []string{"content"}},
			},
		},
		// Partners gain the reverse side of the note link.
		{
			Model: "res.partner",
			Fields: []*schema.Field{
				{Name: "note_ids", Type: schema.TypeOne2many,
					Comodel: "note.note", InverseName: "partner_id"},
			},
		},
	}
}

func setup() {
	orm.RegisterCompute(module, "note.note", "compute_word_count",
		func(rec *orm.RecordSet) (interface{}, error) {
			content, err := rec.GetString("content")
			if err != nil {
				return nil, err
			}
			return float64(len(strings.Fields(content))), nil
		})

	orm.RegisterConstraint(module, "note.note", []string{"sequence"},
		func(rs *orm.RecordSet) error {
			for _, rec := range rs.Records() {
				seq, err := rec.GetFloat("sequence")
				if err != nil {
					return err
				}
				if seq < 0 {
					return types.ValidationError("note sequence cannot be negative")
				}
			}
			return nil
		})

	// Done notes are kept until the cleanup job, not deleted by hand.
	orm.RegisterUnlinkOverride(module, "note.note",
		func(super orm.UnlinkFunc, rs *orm.RecordSet) error {
			if !rs.Env().Context().IsSudo() {
				for _, rec := range rs.Records() {
					state, err := rec.GetString("state")
					if err != nil {
						return err
					}
					if state == "done" {
						return types.UserError("done notes are archived by the cleanup job")
					}
				}
			}
			return super(rs)
		})

	orm.RegisterMethod(module, "note.note", "mark_done",
		func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
			return true, rs.Write(orm.Values{"state": "done"})
		})

	// Cleanup job: drop done notes past their deadline.
	orm.RegisterMethod(module, "note.note", "gc_done_notes",
		func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
			env := rs.Env().Sudo()
			cutoff := time.Now().AddDate(0, 0, -30).Format("2006-01-02")
			stale, err := env.Model("note.note").Search(orm.And(
				orm.Eq("state", "done"),
				orm.Cond("deadline", "<", cutoff),
			))
			if err != nil {
				return nil, err
			}
			if stale.Len() == 0 {
				return 0, nil
			}
			return stale.Len(), stale.Unlink()
		})

	// Webhook push: sends the note to an external collector when one is
	// configured in the call arguments.
	orm.RegisterMethod(module, "note.note", "push_external",
		func(rs *orm.RecordSet, args orm.Values) (interface{}, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return nil, types.ValidationError("push_external requires a url argument")
			}
			rows, err := rs.Read([]string{"name", "content", "state", "word_count"})
			if err != nil {
				return nil, err
			}
			payload, err := json.Marshal(rows)
			if err != nil {
				return nil, err
			}
			client := adapter.New("notes-webhook", url, rs.Env().Logger())
			if _, err := client.Call(context.Background(), "POST", "", payload); err != nil {
				return nil, err
			}
			return true, nil
		})

	if err := report.Register(module, "notes.note_report", "note.note", reportTemplate); err != nil {
		panic(err)
	}
}
