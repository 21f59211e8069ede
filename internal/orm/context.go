package orm

// Context is the immutable request-scoped parameter map inherited by every
// derived recordset. Mutation returns a copy.
type Context struct {
	m map[string]interface{}
}

// NewContext returns a context carrying the given defaults.
func NewContext() Context {
	return Context{m: map[string]interface{}{}}
}

// With returns a derived context with one key set.
func (c Context) With(key string, value interface{}) Context {
	m := make(map[string]interface{}, len(c.m)+1)
	for k, v := range c.m {
		m[k] = v
	}
	m[key] = value
	return Context{m: m}
}

// Get returns the raw value for key.
func (c Context) Get(key string) (interface{}, bool) {
	v, ok := c.m[key]
	return v, ok
}

// GetString returns the string value for key or "".
func (c Context) GetString(key string) string {
	if v, ok := c.m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c Context) getUint(key string) uint64 {
	switch v := c.m[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return 0
}

// UID returns the active principal.
func (c Context) UID() uint64 { return c.getUint("uid") }

// CompanyID returns the active tenant.
func (c Context) CompanyID() uint64 { return c.getUint("company_id") }

// Lang returns the active language.
func (c Context) Lang() string { return c.GetString("lang") }

// IsSudo reports whether access checks are bypassed.
func (c Context) IsSudo() bool {
	v, _ := c.m["sudo"].(bool)
	return v
}

// WithUser returns a derived context with the given principal.
func (c Context) WithUser(uid uint64) Context { return c.With("uid", uid) }

// WithCompany returns a derived context with the given tenant.
func (c Context) WithCompany(companyID uint64) Context { return c.With("company_id", companyID) }

// WithLang returns a derived context with the given language.
func (c Context) WithLang(lang string) Context { return c.With("lang", lang) }

// AsSudo returns a derived context that bypasses access control.
func (c Context) AsSudo() Context { return c.With("sudo", true) }
