package orm

import (
	"sync"

	"github.com/lucidgrid/basis/internal/types"
)

// Values carries field values for create/write and method arguments.
type Values map[string]interface{}

// Method is a model method callable by name through dispatch, cron or other
// model code.
type Method func(rs *RecordSet, args Values) (interface{}, error)

// MethodOverride wraps an existing method; super is the next link in the
// chain contributed by earlier-installed modules.
type MethodOverride func(super Method, rs *RecordSet, args Values) (interface{}, error)

// CreateFunc is the create primitive; overrides wrap it cooperatively.
type CreateFunc func(env *Env, model string, vals Values) (*RecordSet, error)

// CreateOverride wraps create for one model.
type CreateOverride func(super CreateFunc, env *Env, model string, vals Values) (*RecordSet, error)

// WriteFunc is the write primitive.
type WriteFunc func(rs *RecordSet, vals Values) error

// WriteOverride wraps write for one model.
type WriteOverride func(super WriteFunc, rs *RecordSet, vals Values) error

// UnlinkFunc is the unlink primitive.
type UnlinkFunc func(rs *RecordSet) error

// UnlinkOverride wraps unlink for one model.
type UnlinkOverride func(super UnlinkFunc, rs *RecordSet) error

// ComputeFunc derives one field value for a single record.
type ComputeFunc func(rec *RecordSet) (interface{}, error)

// InverseFunc applies a written computed value back to its source fields.
type InverseFunc func(rec *RecordSet, value interface{}) (Values, error)

// ConstraintFunc validates a recordset at the end of a mutating operation.
type ConstraintFunc func(rs *RecordSet) error

type tagged[T any] struct {
	module string
	fn     T
}

type constraintEntry struct {
	module string
	fields []string
	fn     ConstraintFunc
}

// behaviourTable is the late-bound capability registry: addon packages
// register model behaviour keyed by (model, name) at process start; chains
// are composed per call, filtered by the installed module set.
type behaviourTable struct {
	mu          sync.RWMutex
	methods     map[string]map[string]tagged[Method]
	overrides   map[string]map[string][]tagged[MethodOverride]
	creates     map[string][]tagged[CreateOverride]
	writes      map[string][]tagged[WriteOverride]
	unlinks     map[string][]tagged[UnlinkOverride]
	computes    map[string]map[string]tagged[ComputeFunc]
	inverses    map[string]map[string]tagged[InverseFunc]
	constraints map[string][]constraintEntry
}

var behaviours = &behaviourTable{
	methods:     map[string]map[string]tagged[Method]{},
	overrides:   map[string]map[string][]tagged[MethodOverride]{},
	creates:     map[string][]tagged[CreateOverride]{},
	writes:      map[string][]tagged[WriteOverride]{},
	unlinks:     map[string][]tagged[UnlinkOverride]{},
	computes:    map[string]map[string]tagged[ComputeFunc]{},
	inverses:    map[string]map[string]tagged[InverseFunc]{},
	constraints: map[string][]constraintEntry{},
}

// RegisterMethod declares a new model method contributed by module.
func RegisterMethod(module, model, name string, fn Method) {
	behaviours.mu.Lock()
	defer behaviours.mu.Unlock()
	if behaviours.methods[model] == nil {
		behaviours.methods[model] = map[string]tagged[Method]{}
	}
	behaviours.methods[model][name] = tagged[Method]{module, fn}
}

// RegisterMethodOverride chains an override over an existing method.
func RegisterMethodOverride(module, model, name string, fn MethodOverride) {
	behaviours.mu.Lock()
	defer behaviours.mu.Unlock()
	if behaviours.overrides[model] == nil {
		behaviours.overrides[model] = map[string][]tagged[MethodOverride]{}
	}
	behaviours.overrides[model][name] = append(behaviours.overrides[model][name], tagged[MethodOverride]{module, fn})
}

// RegisterCreateOverride chains an override over create for model.
func RegisterCreateOverride(module, model string, fn CreateOverride) {
	behaviours.mu.Lock()
	defer behaviours.mu.Unlock()
	behaviours.creates[model] = append(behaviours.creates[model], tagged[CreateOverride]{module, fn})
}

// RegisterWriteOverride chains an override over write for model.
func RegisterWriteOverride(module, model string, fn WriteOverride) {
	behaviours.mu.Lock()
	defer behaviours.mu.Unlock()
	behaviours.writes[model] = append(behaviours.writes[model], tagged[WriteOverride]{module, fn})
}

// RegisterUnlinkOverride chains an override over unlink for model.
func RegisterUnlinkOverride(module, model string, fn UnlinkOverride) {
	behaviours.mu.Lock()
	defer behaviours.mu.Unlock()
	behaviours.unlinks[model] = append(behaviours.unlinks[model], tagged[UnlinkOverride]{module, fn})
}

// RegisterCompute binds the compute function named in a field declaration.
func RegisterCompute(module, model, name string, fn ComputeFunc) {
	behaviours.mu.Lock()
	defer behaviours.mu.Unlock()
	if behaviours.computes[model] == nil {
		behaviours.computes[model] = map[string]tagged[ComputeFunc]{}
	}
	behaviours.computes[model][name] = tagged[ComputeFunc]{module, fn}
}

// RegisterInverse binds the inverse function of a writable computed field.
func RegisterInverse(module, model, name string, fn InverseFunc) {
	behaviours.mu.Lock()
	defer behaviours.mu.Unlock()
	if behaviours.inverses[model] == nil {
		behaviours.inverses[model] = map[string]tagged[InverseFunc]{}
	}
	behaviours.inverses[model][name] = tagged[InverseFunc]{module, fn}
}

// RegisterConstraint declares a validator run at the end of any mutation
// touching one of fields.
func RegisterConstraint(module, model string, fields []string, fn ConstraintFunc) {
	behaviours.mu.Lock()
	defer behaviours.mu.Unlock()
	behaviours.constraints[model] = append(behaviours.constraints[model], constraintEntry{module, fields, fn})
}

// modelAndMixins returns the model name followed by its mixins, depth first.
func (e *Env) modelAndMixins(model string) []string {
	out := []string{model}
	if m, ok := e.reg.Model(model); ok {
		for _, mixin := range m.Mixins {
			out = append(out, e.modelAndMixins(mixin)...)
		}
	}
	return out
}

func (e *Env) lookupMethod(model, name string) (Method, bool) {
	behaviours.mu.RLock()
	defer behaviours.mu.RUnlock()
	var base Method
	for _, m := range e.modelAndMixins(model) {
		if t, ok := behaviours.methods[m][name]; ok && e.moduleActive(t.module) {
			base = t.fn
			break
		}
	}
	if base == nil {
		return nil, false
	}
	// Later-installed overrides wrap earlier ones.
	for _, m := range e.modelAndMixins(model) {
		for _, t := range behaviours.overrides[m][name] {
			if !e.moduleActive(t.module) {
				continue
			}
			inner, ov := base, t.fn
			base = func(rs *RecordSet, args Values) (interface{}, error) {
				return ov(inner, rs, args)
			}
		}
	}
	return base, true
}

func (e *Env) createChain(model string, base CreateFunc) CreateFunc {
	behaviours.mu.RLock()
	defer behaviours.mu.RUnlock()
	chain := base
	for _, m := range e.modelAndMixins(model) {
		for _, t := range behaviours.creates[m] {
			if !e.moduleActive(t.module) {
				continue
			}
			inner, ov := chain, t.fn
			chain = func(env *Env, model string, vals Values) (*RecordSet, error) {
				return ov(inner, env, model, vals)
			}
		}
	}
	return chain
}

func (e *Env) writeChain(model string, base WriteFunc) WriteFunc {
	behaviours.mu.RLock()
	defer behaviours.mu.RUnlock()
	chain := base
	for _, m := range e.modelAndMixins(model) {
		for _, t := range behaviours.writes[m] {
			if !e.moduleActive(t.module) {
				continue
			}
			inner, ov := chain, t.fn
			chain = func(rs *RecordSet, vals Values) error {
				return ov(inner, rs, vals)
			}
		}
	}
	return chain
}

func (e *Env) unlinkChain(model string, base UnlinkFunc) UnlinkFunc {
	behaviours.mu.RLock()
	defer behaviours.mu.RUnlock()
	chain := base
	for _, m := range e.modelAndMixins(model) {
		for _, t := range behaviours.unlinks[m] {
			if !e.moduleActive(t.module) {
				continue
			}
			inner, ov := chain, t.fn
			chain = func(rs *RecordSet) error {
				return ov(inner, rs)
			}
		}
	}
	return chain
}

func (e *Env) lookupCompute(model, name string) (ComputeFunc, bool) {
	behaviours.mu.RLock()
	defer behaviours.mu.RUnlock()
	for _, m := range e.modelAndMixins(model) {
		if t, ok := behaviours.computes[m][name]; ok && e.moduleActive(t.module) {
			return t.fn, true
		}
	}
	return nil, false
}

func (e *Env) lookupInverse(model, name string) (InverseFunc, bool) {
	behaviours.mu.RLock()
	defer behaviours.mu.RUnlock()
	for _, m := range e.modelAndMixins(model) {
		if t, ok := behaviours.inverses[m][name]; ok && e.moduleActive(t.module) {
			return t.fn, true
		}
	}
	return nil, false
}

func (e *Env) modelConstraints(model string, touched []string) []ConstraintFunc {
	behaviours.mu.RLock()
	defer behaviours.mu.RUnlock()
	var out []ConstraintFunc
	for _, m := range e.modelAndMixins(model) {
		for _, entry := range behaviours.constraints[m] {
			if !e.moduleActive(entry.module) {
				continue
			}
			if touched == nil || intersects(entry.fields, touched) {
				out = append(out, entry.fn)
			}
		}
	}
	return out
}

// Call invokes a named model method through its override chain.
func (rs *RecordSet) Call(name string, args Values) (interface{}, error) {
	fn, ok := rs.env.lookupMethod(rs.model, name)
	if !ok {
		return nil, types.MissingError("model %s has no method %q", rs.model, name)
	}
	return fn(rs, args)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
