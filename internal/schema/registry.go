package schema

import (
	"fmt"
	"strings"

	"github.com/lucidgrid/basis/internal/types"
)

// Registry holds the effective schema built from all installed module
// contributions. It is rebuilt whenever the set of installed modules changes.
type Registry struct {
	models    map[string]*Model
	finalized bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Apply merges one contribution. Contributions must arrive in module
// installation order: a later field declaration replaces an earlier one.
func (r *Registry) Apply(c Contribution) error {
	if r.finalized {
		return fmt.Errorf("schema registry already finalized")
	}
	if c.Model == "" {
		return types.ValidationError("contribution from module %q names no model", c.Module)
	}

	m, exists := r.models[c.Model]
	if c.Define {
		if exists {
			return types.ValidationError("model %q defined twice (module %q)", c.Model, c.Module)
		}
		m = &Model{
			Name:          c.Model,
			Description:   c.Description,
			Abstract:      c.Abstract,
			CompanyScoped: c.CompanyScoped,
			Order:         c.Order,
			Fields:        make(map[string]*Field),
			Delegates:     make(map[string]string),
		}
		r.models[c.Model] = m
	} else {
		if !exists {
			return types.ValidationError("module %q extends unknown model %q", c.Module, c.Model)
		}
		if c.Description != "" {
			m.Description = c.Description
		}
		if c.Order != "" {
			m.Order = c.Order
		}
		if c.CompanyScoped {
			m.CompanyScoped = true
		}
	}

	for _, mixin := range c.Mixins {
		if !contains(m.Mixins, mixin) {
			m.Mixins = append(m.Mixins, mixin)
		}
	}
	for field, comodel := range c.Delegates {
		m.Delegates[field] = comodel
	}
	for _, f := range c.Fields {
		cp := *f
		cp.Module = c.Module
		if cp.Type == TypeMany2one && cp.OnDelete == "" {
			cp.OnDelete = OnDeleteSetNull
		}
		// Last-installed declaration wins.
		m.Fields[cp.Name] = &cp
	}
	if !contains(m.Contributors, c.Module) {
		m.Contributors = append(m.Contributors, c.Module)
	}
	return nil
}

// Finalize folds mixin fields into concrete models, adds the implicit fields
// and validates cross-model references. No contribution is accepted after it.
func (r *Registry) Finalize() error {
	for _, m := range r.models {
		if err := r.foldMixins(m, nil); err != nil {
			return err
		}
	}
	for _, m := range r.models {
		if m.Abstract {
			continue
		}
		r.addImplicitFields(m)
	}
	return r.validate()
}

func (r *Registry) foldMixins(m *Model, seen []string) error {
	if contains(seen, m.Name) {
		return types.ValidationError("mixin cycle through model %q", m.Name)
	}
	seen = append(seen, m.Name)
	for _, name := range m.Mixins {
		mixin, ok := r.models[name]
		if !ok {
			return types.ValidationError("model %q mixes unknown model %q", m.Name, name)
		}
		if !mixin.Abstract {
			return types.ValidationError("model %q mixes non-abstract model %q", m.Name, name)
		}
		if err := r.foldMixins(mixin, seen); err != nil {
			return err
		}
		for fname, f := range mixin.Fields {
			if _, exists := m.Fields[fname]; !exists {
				cp := *f
				m.Fields[fname] = &cp
			}
		}
	}
	// Delegation adds the owning many2one when the contribution omitted it.
	for field, comodel := range m.Delegates {
		if _, exists := m.Fields[field]; !exists {
			m.Fields[field] = &Field{
				Name:     field,
				Type:     TypeMany2one,
				Comodel:  comodel,
				Required: true,
				OnDelete: OnDeleteCascade,
				Module:   m.Contributors[0],
			}
		}
	}
	return nil
}

func (r *Registry) addImplicitFields(m *Model) {
	if _, ok := m.Fields["id"]; !ok {
		m.Fields["id"] = &Field{Name: "id", Type: TypeInteger, Readonly: true}
	}
	if m.CompanyScoped {
		if _, ok := m.Fields["company_id"]; !ok {
			m.Fields["company_id"] = &Field{
				Name:     "company_id",
				Type:     TypeMany2one,
				Comodel:  "res.company",
				OnDelete: OnDeleteRestrict,
			}
		}
	}
}

func (r *Registry) validate() error {
	for _, m := range r.models {
		for _, f := range m.Fields {
			if f.Type.Relational() {
				if f.Comodel == "" {
					return types.ValidationError("%s.%s: relational field without comodel", m.Name, f.Name)
				}
				co, ok := r.models[f.Comodel]
				if !ok {
					return types.ValidationError("%s.%s: unknown comodel %q", m.Name, f.Name, f.Comodel)
				}
				if f.Type == TypeOne2many {
					if f.InverseName == "" {
						return types.ValidationError("%s.%s: one2many without inverse field", m.Name, f.Name)
					}
					inv, ok := co.Fields[f.InverseName]
					if !ok || inv.Type != TypeMany2one {
						return types.ValidationError("%s.%s: inverse %q is not a many2one on %s",
							m.Name, f.Name, f.InverseName, f.Comodel)
					}
				}
			}
			if f.Type == TypeSelection && len(f.Selection) == 0 && !f.Computed() {
				return types.ValidationError("%s.%s: selection field without options", m.Name, f.Name)
			}
			for _, dep := range f.Depends {
				if err := r.checkDependsPath(m, dep); err != nil {
					return err
				}
			}
		}
	}
	r.finalized = true
	return nil
}

// checkDependsPath validates a dotted dependency path like "partner_id.name".
func (r *Registry) checkDependsPath(m *Model, path string) error {
	cur := m
	parts := strings.Split(path, ".")
	for i, part := range parts {
		f, ok := cur.Fields[part]
		if !ok {
			return types.ValidationError("%s: unknown field %q in depends path %q", m.Name, part, path)
		}
		if i < len(parts)-1 {
			if !f.Type.Relational() {
				return types.ValidationError("%s: field %q in depends path %q is not relational", m.Name, part, path)
			}
			cur = r.models[f.Comodel]
			if cur == nil {
				return types.ValidationError("%s: unknown comodel in depends path %q", m.Name, path)
			}
		}
	}
	return nil
}

// Model returns the effective model definition.
func (r *Registry) Model(name string) (*Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// MustModel returns the model or panics; for addon code that registered it.
func (r *Registry) MustModel(name string) *Model {
	m, ok := r.models[name]
	if !ok {
		panic(fmt.Sprintf("schema: unknown model %q", name))
	}
	return m
}

// Models returns all model names.
func (r *Registry) Models() []string {
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	return names
}

// ResolveField follows delegation: a field missing on the model is looked up
// on its delegate models. It returns the owning model name and the field.
func (r *Registry) ResolveField(model, field string) (string, *Field, bool) {
	m, ok := r.models[model]
	if !ok {
		return "", nil, false
	}
	if f, ok := m.Fields[field]; ok {
		return model, f, true
	}
	for _, comodel := range m.Delegates {
		if owner, f, ok := r.ResolveField(comodel, field); ok {
			return owner, f, true
		}
	}
	return "", nil, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
