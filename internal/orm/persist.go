package orm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucidgrid/basis/internal/access"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/lucidgrid/basis/internal/types"
	"gorm.io/datatypes"
)

const maxRecomputeDepth = 10

// Create validates vals, runs the override chain contributed by installed
// modules and commits a new record.
func (rs *RecordSet) Create(vals Values) (*RecordSet, error) {
	chain := rs.env.createChain(rs.model, baseCreate)
	return chain(rs.env, rs.model, vals)
}

func baseCreate(env *Env, model string, vals Values) (*RecordSet, error) {
	def, ok := env.reg.Model(model)
	if !ok {
		return nil, types.MissingError("unknown model %q", model)
	}
	if def.Abstract {
		return nil, types.ValidationError("cannot create records of abstract model %q", model)
	}
	handle := env.Model(model)
	if err := handle.checkAccess(access.OpCreate); err != nil {
		return nil, err
	}

	merged := Values{}
	for k, v := range vals {
		merged[k] = v
	}

	// Delegated attributes: create the delegate record unless the link is
	// given, in which case the values write through to it.
	own, delegated := splitDelegated(env, model, merged)
	for field, comodel := range def.Delegates {
		sub := Values{}
		for owner, fields := range delegated {
			if owner == comodel || delegateReaches(env, comodel, owner) {
				for k, v := range fields {
					sub[k] = v
				}
				delete(delegated, owner)
			}
		}
		if link, ok := own[field]; ok && link != nil {
			if len(sub) > 0 {
				id, _ := toFloat(link)
				if err := env.Model(comodel).Browse(uint64(id)).Write(sub); err != nil {
					return nil, err
				}
			}
			continue
		}
		parent, err := env.Model(comodel).Create(sub)
		if err != nil {
			return nil, err
		}
		own[field] = float64(parent.ID())
	}
	for owner := range delegated {
		return nil, types.ValidationError("model %s does not delegate to %s", model, owner)
	}
	merged = own
	applyDefaults(env, def, merged)

	// Tenant fixed at creation: default from the principal's active company.
	if def.CompanyScoped {
		if _, ok := merged["company_id"]; !ok && env.ctx.CompanyID() != 0 {
			merged["company_id"] = float64(env.ctx.CompanyID())
		}
	}

	stored, inverses, err := coerceValues(env, def, merged)
	if err != nil {
		return nil, err
	}
	if err := checkRequired(def, stored); err != nil {
		return nil, err
	}
	if err := checkCompany(env, def, stored); err != nil {
		return nil, err
	}

	row := database.Row{Model: model, CompanyID: companyOf(stored)}
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	row.Values = datatypes.JSON(raw)
	if err := env.db.Create(&row).Error; err != nil {
		return nil, err
	}

	created := handle.Browse(row.ID)
	env.dropCache(model, row.ID)

	// Writable computed values apply back through their inverse.
	if len(inverses) > 0 {
		if err := applyInverses(created, inverses); err != nil {
			return nil, err
		}
	}

	touched := make([]string, 0, len(stored))
	for k := range stored {
		touched = append(touched, k)
	}
	if err := recomputeStored(env, model, []uint64{row.ID}, touched, 0); err != nil {
		return nil, err
	}
	if err := runConstraints(created, nil); err != nil {
		return nil, err
	}
	return created, nil
}

// Write validates vals and applies them to every record in the set through
// the override chain.
func (rs *RecordSet) Write(vals Values) error {
	if len(rs.ids) == 0 {
		return nil
	}
	chain := rs.env.writeChain(rs.model, baseWrite)
	return chain(rs, vals)
}

func baseWrite(rs *RecordSet, vals Values) error {
	env := rs.env
	def, ok := env.reg.Model(rs.model)
	if !ok {
		return types.MissingError("unknown model %q", rs.model)
	}
	if err := rs.checkAccess(access.OpWrite); err != nil {
		return err
	}
	if err := rs.checkRules(access.OpWrite); err != nil {
		return err
	}

	// Delegated attributes forward to the delegate record.
	own, delegated := splitDelegated(env, rs.model, vals)
	for owner, sub := range delegated {
		for _, rec := range rs.Records() {
			target, err := rec.delegateFor(owner)
			if err != nil {
				return err
			}
			if err := target.Write(sub); err != nil {
				return err
			}
		}
	}
	if len(own) == 0 {
		return nil
	}

	stored, inverses, err := coerceValues(env, def, own)
	if err != nil {
		return err
	}

	touched := make([]string, 0, len(stored))
	for k := range stored {
		touched = append(touched, k)
	}

	for _, id := range rs.ids {
		if err := saveValues(env, rs.model, id, stored); err != nil {
			return err
		}
	}
	if len(inverses) > 0 {
		for _, rec := range rs.Records() {
			if err := applyInverses(rec, inverses); err != nil {
				return err
			}
		}
	}
	if err := recomputeStored(env, rs.model, rs.ids, touched, 0); err != nil {
		return err
	}
	return runConstraints(rs, touched)
}

// Unlink deletes the records honouring reference-integrity modes.
func (rs *RecordSet) Unlink() error {
	if len(rs.ids) == 0 {
		return nil
	}
	chain := rs.env.unlinkChain(rs.model, baseUnlink)
	return chain(rs)
}

func baseUnlink(rs *RecordSet) error {
	env := rs.env
	if _, ok := env.reg.Model(rs.model); !ok {
		return types.MissingError("unknown model %q", rs.model)
	}
	if err := rs.checkAccess(access.OpUnlink); err != nil {
		return err
	}
	if err := rs.checkRules(access.OpUnlink); err != nil {
		return err
	}

	// Inbound references: restrict fails, cascade deletes, set-null clears.
	for _, refModel := range env.reg.Models() {
		refDef, _ := env.reg.Model(refModel)
		if refDef.Abstract {
			continue
		}
		for _, f := range refDef.Fields {
			if f.Comodel != rs.model || !f.Persisted() {
				continue
			}
			// Relation lists shed the deleted ids; no integrity mode applies.
			if f.Type == schema.TypeMany2many {
				if err := stripRelationIDs(env, refModel, f.Name, rs.ids); err != nil {
					return err
				}
				continue
			}
			if f.Type != schema.TypeMany2one {
				continue
			}
			inIDs := make([]interface{}, 0, len(rs.ids))
			for _, id := range rs.ids {
				inIDs = append(inIDs, float64(id))
			}
			referencing, err := env.Sudo().Model(refModel).Search(Cond(f.Name, "in", inIDs))
			if err != nil {
				return err
			}
			if referencing.Len() == 0 {
				continue
			}
			switch f.OnDelete {
			case schema.OnDeleteRestrict:
				return types.ValidationError(
					"cannot delete %s: %d %s record(s) still reference it through %s",
					rs.model, referencing.Len(), refModel, f.Name)
			case schema.OnDeleteCascade:
				if err := referencing.Unlink(); err != nil {
					return err
				}
			default: // set null
				for _, id := range referencing.IDs() {
					if err := saveValues(env, refModel, id, Values{f.Name: nil}); err != nil {
						return err
					}
				}
			}
		}
	}

	if err := env.db.Where("model = ? AND id IN ?", rs.model, rs.ids).
		Delete(&database.Row{}).Error; err != nil {
		return err
	}
	// Thread data and external identifiers follow the record.
	env.db.Where("model = ? AND res_id IN ?", rs.model, rs.ids).Delete(&database.Message{})
	env.db.Where("model = ? AND res_id IN ?", rs.model, rs.ids).Delete(&database.Follower{})
	env.db.Where("model = ? AND res_id IN ?", rs.model, rs.ids).Delete(&database.Activity{})
	env.db.Where("model = ? AND res_id IN ?", rs.model, rs.ids).Delete(&database.ExternalID{})
	env.dropCache(rs.model, rs.ids...)
	return nil
}

// stripRelationIDs removes deleted ids from every many2many value of field
// on model, so relation lists never point at dead records.
func stripRelationIDs(env *Env, model, field string, deleted []uint64) error {
	dead := make(map[float64]bool, len(deleted))
	for _, id := range deleted {
		dead[float64(id)] = true
	}
	all, err := env.Sudo().Model(model).Search(EmptyDomain())
	if err != nil {
		return err
	}
	for _, rec := range all.Records() {
		vals, err := rec.values(rec.ID())
		if err != nil {
			return err
		}
		list, ok := vals[field].([]interface{})
		if !ok || len(list) == 0 {
			continue
		}
		kept := make([]interface{}, 0, len(list))
		for _, item := range list {
			if n, ok := toFloat(item); ok && dead[n] {
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == len(list) {
			continue
		}
		if err := saveValues(env, model, rec.ID(), Values{field: kept}); err != nil {
			return err
		}
	}
	return nil
}

// checkRules verifies every record in the set passes the principal's record
// rules for op; hidden records surface as missing, not as data.
func (rs *RecordSet) checkRules(op string) error {
	dom, err := rs.ruleDomain(op)
	if err != nil {
		return err
	}
	if dom.Empty() {
		return nil
	}
	for _, id := range rs.ids {
		vals, err := rs.values(id)
		if err != nil {
			return err
		}
		if !dom.Matches(vals) {
			return types.MissingError("record %s(%d) does not exist or is not accessible", rs.model, id)
		}
	}
	return nil
}

func applyDefaults(env *Env, def *schema.Model, vals Values) {
	for name, f := range def.Fields {
		if _, ok := vals[name]; ok {
			continue
		}
		if v, ok := env.ctx.Get("default_" + name); ok {
			vals[name] = v
			continue
		}
		if f.Default != nil && f.Persisted() && !f.Computed() {
			vals[name] = f.Default
		}
	}
}

// coerceValues validates and normalizes vals against the schema. It returns
// the storable values and the pending writes of computed fields with an
// inverse.
func coerceValues(env *Env, def *schema.Model, vals Values) (Values, map[string]interface{}, error) {
	stored := Values{}
	inverses := map[string]interface{}{}
	for name, v := range vals {
		if name == "id" {
			continue
		}
		f, ok := def.Fields[name]
		if !ok {
			return nil, nil, types.ValidationError("model %s has no field %q", def.Name, name)
		}
		if f.Computed() {
			if f.Inverse == "" {
				return nil, nil, types.ValidationError("field %s.%s is computed and not writable", def.Name, name)
			}
			inverses[name] = v
			continue
		}
		if f.Type == schema.TypeOne2many {
			return nil, nil, types.ValidationError("field %s.%s: one2many is written through its inverse", def.Name, name)
		}
		cv, err := coerceValue(f, v)
		if err != nil {
			return nil, nil, types.ValidationError("field %s.%s: %v", def.Name, name, err)
		}
		stored[name] = cv
	}
	return stored, inverses, nil
}

func coerceValue(f *schema.Field, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)
	case schema.TypeInteger, schema.TypeMany2one:
		if n, ok := toFloat(v); ok {
			return n, nil
		}
		return nil, fmt.Errorf("expected number, got %T", v)
	case schema.TypeFloat, schema.TypeMonetary:
		if n, ok := toFloat(v); ok {
			return n, nil
		}
		return nil, fmt.Errorf("expected number, got %T", v)
	case schema.TypeChar, schema.TypeText, schema.TypeHTML:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", v)
	case schema.TypeDate:
		return coerceTime(v, "2006-01-02")
	case schema.TypeDatetime:
		return coerceTime(v, time.RFC3339)
	case schema.TypeSelection:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		for _, opt := range f.Selection {
			if opt.Value == s {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %q is not a valid selection", s)
	case schema.TypeBinary:
		switch b := v.(type) {
		case string:
			if _, err := base64.StdEncoding.DecodeString(b); err != nil {
				return nil, fmt.Errorf("binary value is not base64")
			}
			return b, nil
		case []byte:
			return base64.StdEncoding.EncodeToString(b), nil
		}
		return nil, fmt.Errorf("expected base64 string, got %T", v)
	case schema.TypeMany2many:
		list, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected id list, got %T", v)
		}
		out := make([]interface{}, 0, len(list))
		for _, item := range list {
			n, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("expected id list, got %T element", item)
			}
			out = append(out, n)
		}
		return out, nil
	}
	return v, nil
}

func coerceTime(v interface{}, layout string) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if _, err := time.Parse(layout, t); err != nil {
			return nil, fmt.Errorf("invalid time value %q", t)
		}
		return t, nil
	case time.Time:
		return t.UTC().Format(layout), nil
	}
	return nil, fmt.Errorf("expected time, got %T", v)
}

func checkRequired(def *schema.Model, stored Values) error {
	for name, f := range def.Fields {
		if !f.Required || !f.Persisted() || f.Computed() || name == "id" {
			continue
		}
		v, ok := stored[name]
		if !ok || v == nil || v == "" {
			return types.ValidationError("field %s.%s is required", def.Name, name)
		}
	}
	return nil
}

// checkCompany enforces the same-tenant invariant on flagged references.
func checkCompany(env *Env, def *schema.Model, stored Values) error {
	company := companyOf(stored)
	if company == 0 {
		return nil
	}
	for name, f := range def.Fields {
		if !f.CheckCompany || f.Type != schema.TypeMany2one {
			continue
		}
		v, ok := stored[name]
		if !ok || v == nil {
			continue
		}
		refID, _ := toFloat(v)
		var row database.Row
		if err := env.db.Where("model = ? AND id = ?", f.Comodel, uint64(refID)).
			First(&row).Error; err != nil {
			return types.ValidationError("field %s.%s references missing record %v", def.Name, name, v)
		}
		if row.CompanyID != 0 && row.CompanyID != company {
			return types.ValidationError("field %s.%s references a record of another company", def.Name, name)
		}
	}
	return nil
}

func companyOf(stored Values) uint64 {
	if v, ok := stored["company_id"]; ok && v != nil {
		if f, ok := toFloat(v); ok {
			return uint64(f)
		}
	}
	return 0
}

// saveValues merges vals into the stored row under an optimistic version
// check; a lost race surfaces as a concurrency conflict for the dispatcher
// to retry.
func saveValues(env *Env, model string, id uint64, vals Values) error {
	var row database.Row
	if err := env.db.Where("model = ? AND id = ?", model, id).First(&row).Error; err != nil {
		return types.MissingError("record %s(%d) does not exist", model, id)
	}
	current := Values{}
	if len(row.Values) > 0 {
		if err := json.Unmarshal(row.Values, &current); err != nil {
			return err
		}
	}
	for k, v := range vals {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	raw, err := json.Marshal(current)
	if err != nil {
		return err
	}
	update := map[string]interface{}{
		"values":  datatypes.JSON(raw),
		"version": row.Version + 1,
	}
	if v, ok := vals["company_id"]; ok {
		if v == nil {
			update["company_id"] = 0
		} else if f, ok := toFloat(v); ok {
			update["company_id"] = uint64(f)
		}
	}
	res := env.db.Model(&database.Row{}).
		Where("id = ? AND version = ?", row.ID, row.Version).
		Updates(update)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ConcurrencyError("record %s(%d) was modified concurrently", model, id)
	}
	env.dropCache(model, id)
	return nil
}

func applyInverses(rec *RecordSet, inverses map[string]interface{}) error {
	def, _ := rec.env.reg.Model(rec.model)
	for name, value := range inverses {
		f := def.Fields[name]
		fn, ok := rec.env.lookupInverse(rec.model, f.Inverse)
		if !ok {
			return types.MissingError("model %s: inverse %q not registered", rec.model, f.Inverse)
		}
		derived, err := fn(rec, value)
		if err != nil {
			return err
		}
		if len(derived) > 0 {
			if err := rec.Write(derived); err != nil {
				return err
			}
		}
	}
	return nil
}

func runConstraints(rs *RecordSet, touched []string) error {
	for _, fn := range rs.env.modelConstraints(rs.model, touched) {
		if err := fn(rs); err != nil {
			return err
		}
	}
	return nil
}

// recomputeStored recomputes stored computed fields whose declared
// dependencies include one of the changed fields, transitively: a recompute
// that changes further fields triggers another pass, on this record and on
// records referencing it through a relational dependency path.
func recomputeStored(env *Env, model string, ids []uint64, changed []string, depth int) error {
	if depth > maxRecomputeDepth || len(changed) == 0 {
		return nil
	}
	def, ok := env.reg.Model(model)
	if !ok {
		return nil
	}

	// Same-record dependents.
	var local []string
	for name, f := range def.Fields {
		if !f.Computed() || !f.Stored {
			continue
		}
		if dependsOn(f.Depends, changed) {
			local = append(local, name)
		}
	}
	if len(local) > 0 {
		for _, id := range ids {
			rec := env.Sudo().Model(model).Browse(id)
			recomputed := Values{}
			for _, name := range local {
				f := def.Fields[name]
				fn, ok := env.lookupCompute(model, f.Compute)
				if !ok {
					return types.MissingError("model %s: compute %q not registered", model, f.Compute)
				}
				v, err := fn(rec)
				if err != nil {
					return err
				}
				recomputed[name] = v
			}
			if err := saveValues(env, model, id, recomputed); err != nil {
				return err
			}
		}
		if err := recomputeStored(env, model, ids, local, depth+1); err != nil {
			return err
		}
	}

	// Cross-record dependents: stored computes on other models declared
	// through a relational path like "partner_id.name".
	for _, depModel := range env.reg.Models() {
		depDef, _ := env.reg.Model(depModel)
		if depDef.Abstract {
			continue
		}
		for name, f := range depDef.Fields {
			if !f.Computed() || !f.Stored {
				continue
			}
			for _, dep := range f.Depends {
				rel, tail, ok := cutPath(dep)
				if !ok {
					continue
				}
				relField, exists := depDef.Fields[rel]
				if !exists || relField.Comodel != model || !containsField(changed, tail) {
					continue
				}
				inIDs := make([]interface{}, 0, len(ids))
				for _, id := range ids {
					inIDs = append(inIDs, float64(id))
				}
				dependents, err := env.Sudo().Model(depModel).Search(Cond(rel, "in", inIDs))
				if err != nil {
					return err
				}
				if dependents.Len() == 0 {
					continue
				}
				if err := recomputeField(env, depModel, dependents.IDs(), name, depth); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func recomputeField(env *Env, model string, ids []uint64, field string, depth int) error {
	def, _ := env.reg.Model(model)
	f := def.Fields[field]
	fn, ok := env.lookupCompute(model, f.Compute)
	if !ok {
		return types.MissingError("model %s: compute %q not registered", model, f.Compute)
	}
	for _, id := range ids {
		rec := env.Sudo().Model(model).Browse(id)
		v, err := fn(rec)
		if err != nil {
			return err
		}
		if err := saveValues(env, model, id, Values{field: v}); err != nil {
			return err
		}
	}
	return recomputeStored(env, model, ids, []string{field}, depth+1)
}

func dependsOn(depends, changed []string) bool {
	for _, dep := range depends {
		head, _, _ := cutPath(dep)
		for _, c := range changed {
			if dep == c || head == c {
				return true
			}
		}
	}
	return false
}

// splitDelegated separates vals into the model's own fields and the fields
// forwarded to delegate models, keyed by owning model.
func splitDelegated(env *Env, model string, vals Values) (Values, map[string]Values) {
	def, _ := env.reg.Model(model)
	own := Values{}
	delegated := map[string]Values{}
	for name, v := range vals {
		if _, ok := def.Fields[name]; ok {
			own[name] = v
			continue
		}
		owner, _, ok := env.reg.ResolveField(model, name)
		if !ok || owner == model {
			// Unknown field: let coercion report it.
			own[name] = v
			continue
		}
		if delegated[owner] == nil {
			delegated[owner] = Values{}
		}
		delegated[owner][name] = v
	}
	return own, delegated
}

// delegateReaches reports whether model transitively delegates to owner.
func delegateReaches(env *Env, model, owner string) bool {
	def, ok := env.reg.Model(model)
	if !ok {
		return false
	}
	for _, comodel := range def.Delegates {
		if comodel == owner || delegateReaches(env, comodel, owner) {
			return true
		}
	}
	return false
}

func cutPath(path string) (head, tail string, ok bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}

func containsField(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
