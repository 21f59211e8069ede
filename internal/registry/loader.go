package registry

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/types"
)

// dataDoc is the root of a module data file.
type dataDoc struct {
	XMLName      xml.Name         `xml:"basis"`
	Records      []recordElem     `xml:"record"`
	Crons        []cronElem       `xml:"cron"`
	Rules        []ruleElem       `xml:"rule"`
	Translations []translationElem `xml:"translation"`
}

// recordElem declares one record with a stable external identifier; reloads
// merge instead of duplicating.
type recordElem struct {
	ID     string      `xml:"id,attr"`
	Model  string      `xml:"model,attr"`
	Fields []fieldElem `xml:"field"`
}

type fieldElem struct {
	Name  string `xml:"name,attr"`
	Ref   string `xml:"ref,attr"`
	Refs  string `xml:"refs,attr"`
	Eval  string `xml:"eval,attr"`
	Type  string `xml:"type,attr"`
	Inner string `xml:",innerxml"`
	Text  string `xml:",chardata"`
}

type cronElem struct {
	Name     string `xml:"name,attr"`
	Model    string `xml:"model,attr"`
	Method   string `xml:"method,attr"`
	Interval int    `xml:"interval,attr"`
	Unit     string `xml:"unit,attr"`
}

type ruleElem struct {
	Name   string `xml:"name,attr"`
	Model  string `xml:"model,attr"`
	Groups string `xml:"groups,attr"`
	Perms  string `xml:"perms,attr"`
	Domain string `xml:",chardata"`
}

type translationElem struct {
	Lang  string `xml:"lang,attr"`
	Src   string `xml:"src,attr"`
	Value string `xml:"value,attr"`
}

// loadDataFile processes one XML data file of module inside env's
// transaction. Records are upserted by external identifier.
func loadDataFile(env *orm.Env, module string, fsys fs.FS, path string) error {
	raw, err := fs.ReadFile(fsys, path)
	if err != nil {
		return fmt.Errorf("module %s: reading %s: %w", module, path, err)
	}
	var doc dataDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return types.ValidationError("module %s: malformed data file %s: %v", module, path, err)
	}

	for _, rec := range doc.Records {
		if err := loadRecord(env, module, &rec); err != nil {
			return fmt.Errorf("module %s: %s: %w", module, path, err)
		}
	}
	for _, c := range doc.Crons {
		if err := loadCron(env, module, &c); err != nil {
			return fmt.Errorf("module %s: %s: %w", module, path, err)
		}
	}
	for _, r := range doc.Rules {
		if err := loadRule(env, module, &r); err != nil {
			return fmt.Errorf("module %s: %s: %w", module, path, err)
		}
	}
	for _, t := range doc.Translations {
		if err := loadTranslation(env, module, &t); err != nil {
			return fmt.Errorf("module %s: %s: %w", module, path, err)
		}
	}
	return nil
}

func loadRecord(env *orm.Env, module string, rec *recordElem) error {
	if rec.ID == "" || rec.Model == "" {
		return types.ValidationError("record element requires id and model attributes")
	}
	vals := orm.Values{}
	for _, f := range rec.Fields {
		v, err := fieldValue(env, module, &f)
		if err != nil {
			return fmt.Errorf("record %s field %s: %w", rec.ID, f.Name, err)
		}
		vals[f.Name] = v
	}

	xidModule, xidName := splitXID(module, rec.ID)
	var xid database.ExternalID
	err := env.DB().Where("module = ? AND name = ?", xidModule, xidName).First(&xid).Error
	if err == nil {
		// Merge on re-run.
		return env.Model(rec.Model).Browse(xid.ResID).Write(vals)
	}
	created, err := env.Model(rec.Model).Create(vals)
	if err != nil {
		return err
	}
	return env.DB().Create(&database.ExternalID{
		Module: xidModule,
		Name:   xidName,
		Model:  rec.Model,
		ResID:  created.ID(),
	}).Error
}

func fieldValue(env *orm.Env, module string, f *fieldElem) (interface{}, error) {
	switch {
	case f.Ref != "":
		id, err := resolveRef(env, module, f.Ref)
		if err != nil {
			return nil, err
		}
		return float64(id), nil
	case f.Refs != "":
		var ids []interface{}
		for _, ref := range strings.Fields(f.Refs) {
			id, err := resolveRef(env, module, ref)
			if err != nil {
				return nil, err
			}
			ids = append(ids, float64(id))
		}
		return ids, nil
	case f.Eval != "":
		var v interface{}
		if err := json.Unmarshal([]byte(f.Eval), &v); err != nil {
			return nil, types.ValidationError("bad eval literal %q", f.Eval)
		}
		return v, nil
	case f.Type == "xml":
		return strings.TrimSpace(f.Inner), nil
	default:
		return f.Text, nil
	}
}

// resolveRef maps an external identifier to a record id; the reference must
// already exist, so data files order matters.
func resolveRef(env *orm.Env, module, ref string) (uint64, error) {
	refModule, refName := splitXID(module, ref)
	var xid database.ExternalID
	if err := env.DB().Where("module = ? AND name = ?", refModule, refName).
		First(&xid).Error; err != nil {
		return 0, types.ValidationError("unknown external identifier %q", ref)
	}
	return xid.ResID, nil
}

func splitXID(module, id string) (string, string) {
	if mod, name, ok := strings.Cut(id, "."); ok {
		return mod, name
	}
	return module, id
}

func loadCron(env *orm.Env, module string, c *cronElem) error {
	if c.Name == "" || c.Model == "" || c.Method == "" {
		return types.ValidationError("cron element requires name, model and method attributes")
	}
	interval := c.Interval
	if interval <= 0 {
		interval = 1
	}
	unit := c.Unit
	if unit == "" {
		unit = "hours"
	}
	var job database.CronJob
	err := env.DB().Where("name = ?", c.Name).First(&job).Error
	if err != nil {
		job = database.CronJob{
			Name:           c.Name,
			Module:         module,
			Model:          c.Model,
			Method:         c.Method,
			IntervalNumber: interval,
			IntervalUnit:   unit,
			NextCall:       time.Now().UTC(),
			Active:         true,
		}
		return env.DB().Create(&job).Error
	}
	return env.DB().Model(&job).Updates(map[string]interface{}{
		"module":          module,
		"model":           c.Model,
		"method":          c.Method,
		"interval_number": interval,
		"interval_unit":   unit,
	}).Error
}

func loadRule(env *orm.Env, module string, r *ruleElem) error {
	if r.Name == "" || r.Model == "" {
		return types.ValidationError("rule element requires name and model attributes")
	}
	domain := strings.TrimSpace(r.Domain)
	if _, err := orm.ParseDomain([]byte(domain)); err != nil {
		return err
	}
	perms := map[string]bool{}
	for _, p := range strings.Split(r.Perms, ",") {
		perms[strings.TrimSpace(p)] = true
	}
	rule := database.RecordRule{
		Module:     module,
		Name:       r.Name,
		Model:      r.Model,
		GroupXIDs:  r.Groups,
		Domain:     []byte(domain),
		PermRead:   perms["read"],
		PermWrite:  perms["write"],
		PermCreate: perms["create"],
		PermUnlink: perms["unlink"],
	}
	var existing database.RecordRule
	if err := env.DB().Where("module = ? AND name = ?", module, r.Name).
		First(&existing).Error; err != nil {
		return env.DB().Create(&rule).Error
	}
	rule.ID = existing.ID
	return env.DB().Save(&rule).Error
}

func loadTranslation(env *orm.Env, module string, t *translationElem) error {
	if t.Lang == "" || t.Src == "" {
		return types.ValidationError("translation element requires lang and src attributes")
	}
	var existing database.Translation
	if err := env.DB().Where("lang = ? AND src = ?", t.Lang, t.Src).
		First(&existing).Error; err != nil {
		return env.DB().Create(&database.Translation{
			Module: module,
			Lang:   t.Lang,
			Src:    t.Src,
			Value:  t.Value,
		}).Error
	}
	existing.Value = t.Value
	existing.Module = module
	return env.DB().Save(&existing).Error
}
