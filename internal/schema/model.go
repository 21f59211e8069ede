package schema

// Model is the effective definition of one model: the union of all
// contributions from installed modules that name it.
type Model struct {
	Name          string
	Description   string
	Abstract      bool
	CompanyScoped bool
	Order         string
	Fields        map[string]*Field

	// Mixins are abstract models whose fields and behaviour are folded in.
	Mixins []string

	// Delegates maps a many2one field name to the delegate model; missing
	// attribute lookups are forwarded through it.
	Delegates map[string]string

	// Contributors lists the modules that contributed to this model, in
	// installation order.
	Contributors []string
}

// Field returns the named field, following delegation is the ORM's job.
func (m *Model) Field(name string) (*Field, bool) {
	f, ok := m.Fields[name]
	return f, ok
}

// FieldNames returns all field names in no particular order.
func (m *Model) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for n := range m.Fields {
		names = append(names, n)
	}
	return names
}

// Contribution is one module's addition to the model registry.
type Contribution struct {
	Module string
	Model  string

	// Define creates the model; without it the contribution extends a model
	// declared elsewhere by name.
	Define        bool
	Abstract      bool
	CompanyScoped bool
	Description   string
	Order         string
	Mixins        []string
	Delegates     map[string]string
	Fields        []*Field
}
