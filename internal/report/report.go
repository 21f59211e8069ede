// Package report renders registered HTML report templates over model
// records. Modules register templates at process start; rendering reads the
// records through the ORM so access control applies.
package report

import (
	"html/template"
	"sort"
	"strings"
	"sync"

	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/lucidgrid/basis/internal/types"
)

// Report is one registered template bound to a model.
type Report struct {
	Name   string
	Module string
	Model  string
	tmpl   *template.Template
}

var (
	mu      sync.RWMutex
	reports = map[string]*Report{}
)

// Register parses and stores a report template under a unique name. The
// template receives {Docs []orm.Values, Env *orm.Env}.
func Register(module, name, model, src string) error {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return types.ValidationError("report %s: bad template: %v", name, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := reports[name]; exists {
		return types.ValidationError("report %q is already registered", name)
	}
	reports[name] = &Report{Name: name, Module: module, Model: model, tmpl: tmpl}
	return nil
}

// Lookup returns a registered report.
func Lookup(name string) (*Report, bool) {
	mu.RLock()
	defer mu.RUnlock()
	r, ok := reports[name]
	return r, ok
}

// Names lists the registered reports, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reports))
	for n := range reports {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// renderContext is the data a template sees.
type renderContext struct {
	Docs    []orm.Values
	Company uint64
	Lang    string
}

// Render reads ids through env and executes the template. Records the
// caller may not read fail the render.
func Render(env *orm.Env, name string, ids []uint64) (string, error) {
	r, ok := Lookup(name)
	if !ok {
		return "", types.MissingError("report %q does not exist", name)
	}
	recs := env.Model(r.Model).Browse(ids...)
	existing, err := recs.Exists()
	if err != nil {
		return "", err
	}
	if existing.Len() != len(ids) {
		return "", types.MissingError("report %s: some records do not exist", name)
	}
	docs, err := recs.Read(fieldNames(env, r.Model))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	data := renderContext{
		Docs:    docs,
		Company: env.Context().CompanyID(),
		Lang:    env.Context().Lang(),
	}
	if err := r.tmpl.Execute(&sb, data); err != nil {
		return "", types.ValidationError("report %s: render failed: %v", name, err)
	}
	return sb.String(), nil
}

// fieldNames projects every stored and computed field of the model.
func fieldNames(env *orm.Env, model string) []string {
	def, ok := env.Schema().Model(model)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(def.Fields))
	for name, f := range def.Fields {
		if f.Type == schema.TypeOne2many || f.Type == schema.TypeMany2many {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
