package orm

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/lucidgrid/basis/internal/access"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/lucidgrid/basis/internal/types"
)

// RecordSet is a lazy, ordered collection of records of one model.
type RecordSet struct {
	env   *Env
	model string
	ids   []uint64
}

// Env returns the recordset's environment.
func (rs *RecordSet) Env() *Env { return rs.env }

// ModelName returns the model identifier.
func (rs *RecordSet) ModelName() string { return rs.model }

// IDs returns the record identifiers.
func (rs *RecordSet) IDs() []uint64 {
	out := make([]uint64, len(rs.ids))
	copy(out, rs.ids)
	return out
}

// Len returns the number of records.
func (rs *RecordSet) Len() int { return len(rs.ids) }

// ID returns the identifier of a singleton recordset.
func (rs *RecordSet) ID() uint64 {
	if len(rs.ids) == 0 {
		return 0
	}
	return rs.ids[0]
}

// Browse returns a handle on the given ids without any I/O.
func (rs *RecordSet) Browse(ids ...uint64) *RecordSet {
	return &RecordSet{env: rs.env, model: rs.model, ids: ids}
}

// Records iterates the set as singletons.
func (rs *RecordSet) Records() []*RecordSet {
	out := make([]*RecordSet, len(rs.ids))
	for i, id := range rs.ids {
		out[i] = rs.Browse(id)
	}
	return out
}

// Union merges two recordsets of the same model, preserving order.
func (rs *RecordSet) Union(other *RecordSet) *RecordSet {
	seen := map[uint64]bool{}
	var ids []uint64
	for _, id := range append(rs.IDs(), other.IDs()...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return &RecordSet{env: rs.env, model: rs.model, ids: ids}
}

// SearchOptions bound and order a search.
type SearchOptions struct {
	Limit  int
	Offset int
	Order  string
}

// Search returns the records matching domain, filtered by the principal's
// record rules, ordered and bounded.
func (rs *RecordSet) Search(dom Domain, opts ...SearchOptions) (*RecordSet, error) {
	def, ok := rs.env.reg.Model(rs.model)
	if !ok {
		return nil, types.MissingError("unknown model %q", rs.model)
	}
	if err := rs.checkAccess(access.OpRead); err != nil {
		return nil, err
	}
	ruleDom, err := rs.ruleDomain(access.OpRead)
	if err != nil {
		return nil, err
	}
	full := And(dom, ruleDom)

	var rows []database.Row
	if err := rs.env.db.Where("model = ?", rs.model).Find(&rows).Error; err != nil {
		return nil, err
	}

	var matched []candidate
	for i := range rows {
		vals, err := decodeRow(&rows[i])
		if err != nil {
			return nil, err
		}
		if full.Matches(vals) {
			matched = append(matched, candidate{rows[i].ID, vals})
		}
	}

	order := def.Order
	var opt SearchOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.Order != "" {
		order = opt.Order
	}
	if order == "" {
		order = "id"
	}
	sortCandidates(matched, order)

	ids := make([]uint64, 0, len(matched))
	for _, c := range matched {
		ids = append(ids, c.id)
		rs.env.storeCache(rs.model, c.id, c.vals)
	}
	if opt.Offset > 0 {
		if opt.Offset >= len(ids) {
			ids = nil
		} else {
			ids = ids[opt.Offset:]
		}
	}
	if opt.Limit > 0 && opt.Limit < len(ids) {
		ids = ids[:opt.Limit]
	}
	return &RecordSet{env: rs.env, model: rs.model, ids: ids}, nil
}

// SearchCount returns the number of matching records.
func (rs *RecordSet) SearchCount(dom Domain) (int, error) {
	found, err := rs.Search(dom)
	if err != nil {
		return 0, err
	}
	return found.Len(), nil
}

// Exists filters the set down to the records still present in storage.
func (rs *RecordSet) Exists() (*RecordSet, error) {
	if len(rs.ids) == 0 {
		return rs, nil
	}
	var rows []database.Row
	if err := rs.env.db.Select("id").
		Where("model = ? AND id IN ?", rs.model, rs.ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	present := map[uint64]bool{}
	for _, r := range rows {
		present[r.ID] = true
	}
	var ids []uint64
	for _, id := range rs.ids {
		if present[id] {
			ids = append(ids, id)
		}
	}
	return &RecordSet{env: rs.env, model: rs.model, ids: ids}, nil
}

// Get reads one field of the first record. Relational one2many fields are
// resolved by searching the comodel; computed unstored fields are computed
// on the fly.
func (rs *RecordSet) Get(field string) (interface{}, error) {
	if len(rs.ids) == 0 {
		return nil, nil
	}
	owner, def, ok := rs.env.reg.ResolveField(rs.model, field)
	if !ok {
		return nil, types.MissingError("model %s has no field %q", rs.model, field)
	}
	// Delegated field: forward through the owning many2one.
	if owner != rs.model {
		target, err := rs.delegateFor(owner)
		if err != nil {
			return nil, err
		}
		return target.Get(field)
	}
	if def.Type == schema.TypeOne2many {
		co := rs.env.Model(def.Comodel)
		found, err := co.Search(Eq(def.InverseName, float64(rs.ids[0])))
		if err != nil {
			return nil, err
		}
		ids := make([]interface{}, 0, found.Len())
		for _, id := range found.IDs() {
			ids = append(ids, float64(id))
		}
		return ids, nil
	}
	if def.Computed() && !def.Stored {
		fn, ok := rs.env.lookupCompute(rs.model, def.Compute)
		if !ok {
			return nil, types.MissingError("model %s: compute %q not registered", rs.model, def.Compute)
		}
		return fn(rs.Browse(rs.ids[0]))
	}
	vals, err := rs.values(rs.ids[0])
	if err != nil {
		return nil, err
	}
	return vals[field], nil
}

// GetString reads a field as string.
func (rs *RecordSet) GetString(field string) (string, error) {
	v, err := rs.Get(field)
	if err != nil || v == nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// GetBool reads a field as bool.
func (rs *RecordSet) GetBool(field string) (bool, error) {
	v, err := rs.Get(field)
	if err != nil || v == nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// GetID reads a many2one field as record id.
func (rs *RecordSet) GetID(field string) (uint64, error) {
	v, err := rs.Get(field)
	if err != nil || v == nil {
		return 0, err
	}
	f, _ := toFloat(v)
	return uint64(f), nil
}

// GetFloat reads a numeric field.
func (rs *RecordSet) GetFloat(field string) (float64, error) {
	v, err := rs.Get(field)
	if err != nil || v == nil {
		return 0, err
	}
	f, _ := toFloat(v)
	return f, nil
}

// Read projects the given fields for every record in the set.
func (rs *RecordSet) Read(fields []string) ([]Values, error) {
	if err := rs.checkAccess(access.OpRead); err != nil {
		return nil, err
	}
	if err := rs.checkRules(access.OpRead); err != nil {
		return nil, err
	}
	out := make([]Values, 0, len(rs.ids))
	for _, rec := range rs.Records() {
		row := Values{"id": float64(rec.ID())}
		for _, f := range fields {
			v, err := rec.Get(f)
			if err != nil {
				return nil, err
			}
			row[f] = v
		}
		out = append(out, row)
	}
	return out, nil
}

// GroupResult is one aggregation bucket of ReadGroup.
type GroupResult struct {
	Key        interface{}        `json:"key"`
	Count      int                `json:"count"`
	Aggregates map[string]float64 `json:"aggregates,omitempty"`
}

// ReadGroup groups matching records by one field and computes aggregates
// declared as "field:sum", "field:avg", "field:min", "field:max".
func (rs *RecordSet) ReadGroup(dom Domain, groupBy string, aggregates []string) ([]GroupResult, error) {
	found, err := rs.Search(dom)
	if err != nil {
		return nil, err
	}
	type bucket struct {
		count int
		sums  map[string][]float64
	}
	buckets := map[string]*bucket{}
	keys := map[string]interface{}{}
	var order []string
	for _, rec := range found.Records() {
		kv, err := rec.Get(groupBy)
		if err != nil {
			return nil, err
		}
		key := stringKey(kv)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{sums: map[string][]float64{}}
			buckets[key] = b
			keys[key] = kv
			order = append(order, key)
		}
		b.count++
		for _, agg := range aggregates {
			field, _, ok := strings.Cut(agg, ":")
			if !ok {
				return nil, types.ValidationError("malformed aggregate %q", agg)
			}
			v, err := rec.Get(field)
			if err != nil {
				return nil, err
			}
			if f, ok := toFloat(v); ok {
				b.sums[agg] = append(b.sums[agg], f)
			}
		}
	}
	sort.Strings(order)
	out := make([]GroupResult, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		res := GroupResult{Key: keys[key], Count: b.count}
		if len(aggregates) > 0 {
			res.Aggregates = map[string]float64{}
			for _, agg := range aggregates {
				_, fn, _ := strings.Cut(agg, ":")
				res.Aggregates[agg] = aggregate(fn, b.sums[agg])
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// values returns the stored values of one record, from cache or storage.
func (rs *RecordSet) values(id uint64) (Values, error) {
	if vals, ok := rs.env.cached(rs.model, id); ok {
		return vals, nil
	}
	// Batch-load the whole set in one round trip.
	want := rs.ids
	if len(want) == 0 {
		want = []uint64{id}
	}
	var rows []database.Row
	if err := rs.env.db.Where("model = ? AND id IN ?", rs.model, want).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		vals, err := decodeRow(&rows[i])
		if err != nil {
			return nil, err
		}
		rs.env.storeCache(rs.model, rows[i].ID, vals)
	}
	vals, ok := rs.env.cached(rs.model, id)
	if !ok {
		return nil, types.MissingError("record %s(%d) does not exist", rs.model, id)
	}
	return vals, nil
}

// delegateFor returns the delegate recordset owning fields of model owner,
// following delegation chains through the owning many2one fields.
func (rs *RecordSet) delegateFor(owner string) (*RecordSet, error) {
	def, _ := rs.env.reg.Model(rs.model)
	for field, comodel := range def.Delegates {
		id, err := rs.GetID(field)
		if err != nil {
			return nil, err
		}
		target := rs.env.Model(comodel).Browse(id)
		if comodel == owner {
			return target, nil
		}
		if got, err := target.delegateFor(owner); err == nil {
			return got, nil
		}
	}
	return nil, types.MissingError("model %s does not delegate to %s", rs.model, owner)
}

func (rs *RecordSet) checkAccess(op string) error {
	if rs.env.ctx.IsSudo() {
		return nil
	}
	c, err := rs.env.checker()
	if err != nil {
		return err
	}
	if !c.Allowed(rs.model, op) {
		return types.AccessError("operation %s not allowed on %s", op, rs.model)
	}
	return nil
}

// ruleDomain composes the record rules applying to the principal for op.
func (rs *RecordSet) ruleDomain(op string) (Domain, error) {
	if rs.env.ctx.IsSudo() {
		return EmptyDomain(), nil
	}
	c, err := rs.env.checker()
	if err != nil {
		return EmptyDomain(), err
	}
	dom := EmptyDomain()
	for _, raw := range c.RuleDomains(rs.model, op) {
		d, err := ParseDomain(raw)
		if err != nil {
			return EmptyDomain(), err
		}
		dom = And(dom, rs.expandContextRefs(d))
	}
	return dom, nil
}

// expandContextRefs substitutes the "$company_id" and "$uid" placeholders
// rule domains use to reference the active principal and tenant.
func (rs *RecordSet) expandContextRefs(d Domain) Domain {
	if d.leaf != nil {
		switch d.leaf.Value {
		case "$company_id":
			return Or(
				Cond(d.leaf.Field, d.leaf.Op, float64(rs.env.ctx.CompanyID())),
				Eq(d.leaf.Field, nil),
			)
		case "$uid":
			return Cond(d.leaf.Field, d.leaf.Op, float64(rs.env.ctx.UID()))
		}
		return d
	}
	if len(d.children) == 0 {
		return d
	}
	children := make([]Domain, len(d.children))
	for i, c := range d.children {
		children[i] = rs.expandContextRefs(c)
	}
	return Domain{op: d.op, children: children}
}

func decodeRow(row *database.Row) (Values, error) {
	vals := Values{}
	if len(row.Values) > 0 {
		if err := json.Unmarshal(row.Values, &vals); err != nil {
			return nil, err
		}
	}
	vals["id"] = float64(row.ID)
	if row.CompanyID != 0 {
		vals["company_id"] = float64(row.CompanyID)
	}
	return vals, nil
}

type candidate struct {
	id   uint64
	vals Values
}

func sortCandidates(list []candidate, order string) {
	type key struct {
		field string
		desc  bool
	}
	var keys []key
	for _, part := range strings.Split(order, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		k := key{field: fields[0]}
		if len(fields) > 1 && strings.EqualFold(fields[1], "desc") {
			k.desc = true
		}
		keys = append(keys, k)
	}
	sort.SliceStable(list, func(i, j int) bool {
		for _, k := range keys {
			cmp, ok := compareValues(list[i].vals[k.field], list[j].vals[k.field])
			if !ok || cmp == 0 {
				continue
			}
			if k.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return list[i].id < list[j].id
	})
}

func stringKey(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func aggregate(fn string, vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	switch fn {
	case "sum":
		var s float64
		for _, v := range vals {
			s += v
		}
		return s
	case "avg":
		var s float64
		for _, v := range vals {
			s += v
		}
		return s / float64(len(vals))
	case "min":
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	}
	return 0
}
