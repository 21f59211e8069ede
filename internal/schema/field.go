package schema

// FieldType is the declared semantic type of a model attribute.
type FieldType string

const (
	TypeBoolean   FieldType = "boolean"
	TypeInteger   FieldType = "integer"
	TypeFloat     FieldType = "float"
	TypeMonetary  FieldType = "monetary"
	TypeChar      FieldType = "char"
	TypeText      FieldType = "text"
	TypeHTML      FieldType = "html"
	TypeDate      FieldType = "date"
	TypeDatetime  FieldType = "datetime"
	TypeSelection FieldType = "selection"
	TypeBinary    FieldType = "binary"
	TypeMany2one  FieldType = "many2one"
	TypeOne2many  FieldType = "one2many"
	TypeMany2many FieldType = "many2many"
)

// Relational reports whether the type references another model.
func (t FieldType) Relational() bool {
	return t == TypeMany2one || t == TypeOne2many || t == TypeMany2many
}

// OnDelete is the integrity mode applied when the referenced record is deleted.
type OnDelete string

const (
	OnDeleteRestrict OnDelete = "restrict"
	OnDeleteCascade  OnDelete = "cascade"
	OnDeleteSetNull  OnDelete = "set null"
)

// SelectionOption is one enumerated choice of a selection field.
type SelectionOption struct {
	Value string
	Label string
}

// Field describes one named attribute of a model.
type Field struct {
	Name     string
	Type     FieldType
	Label    string
	Help     string
	Required bool
	Readonly bool
	Default  interface{}

	// Selection fields
	Selection []SelectionOption

	// Relational fields
	Comodel      string
	InverseName  string   // one2many: many2one field on the comodel pointing back
	OnDelete     OnDelete // many2one; defaults to set null
	CheckCompany bool     // same-tenant invariant against the referenced record

	// Computed fields. Compute names a function registered with the ORM;
	// Stored materializes the value and invalidates it through Depends.
	Compute string
	Depends []string
	Stored  bool
	Inverse string // makes the computed field writable

	// Module that contributed the winning declaration.
	Module string
}

// Computed reports whether the field value is derived by a compute function.
func (f *Field) Computed() bool {
	return f.Compute != ""
}

// Persisted reports whether the field occupies storage.
func (f *Field) Persisted() bool {
	if f.Type == TypeOne2many {
		return false
	}
	if f.Computed() {
		return f.Stored
	}
	return true
}
