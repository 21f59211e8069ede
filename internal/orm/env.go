package orm

import (
	"github.com/lucidgrid/basis/internal/access"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Env binds a database handle, the effective schema, a context and the
// per-transaction record cache. Recordsets never outlive their Env.
type Env struct {
	db        *gorm.DB
	reg       *schema.Registry
	ctx       Context
	log       zerolog.Logger
	installed map[string]bool

	cache    map[string]map[uint64]Values
	checkers map[uint64]*access.Checker
}

// NewEnv builds an environment over an open database and finalized schema.
// installed is the set of installed module names; nil means everything
// registered is active (bootstrap).
func NewEnv(db *gorm.DB, reg *schema.Registry, ctx Context, log zerolog.Logger, installed map[string]bool) *Env {
	return &Env{
		db:        db,
		reg:       reg,
		ctx:       ctx,
		log:       log,
		installed: installed,
		cache:     map[string]map[uint64]Values{},
		checkers:  map[uint64]*access.Checker{},
	}
}

// DB exposes the underlying handle for meta-table access.
func (e *Env) DB() *gorm.DB { return e.db }

// Schema returns the effective schema registry.
func (e *Env) Schema() *schema.Registry { return e.reg }

// Context returns the environment's context.
func (e *Env) Context() Context { return e.ctx }

// Logger returns the environment's logger.
func (e *Env) Logger() zerolog.Logger { return e.log }

// WithContext derives an environment carrying ctx. The record cache is not
// shared: context keys influence what reads return.
func (e *Env) WithContext(ctx Context) *Env {
	derived := NewEnv(e.db, e.reg, ctx, e.log, e.installed)
	derived.checkers = e.checkers
	return derived
}

// Sudo derives an elevated environment bypassing access control.
func (e *Env) Sudo() *Env {
	return e.WithContext(e.ctx.AsSudo())
}

// Transaction runs fn inside a database transaction with a derived Env.
// Any error rolls the transaction back.
func (e *Env) Transaction(fn func(*Env) error) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		txEnv := NewEnv(tx, e.reg, e.ctx, e.log, e.installed)
		txEnv.checkers = e.checkers
		return fn(txEnv)
	})
}

// Model returns an empty recordset handle for the named model.
func (e *Env) Model(name string) *RecordSet {
	return &RecordSet{env: e, model: name}
}

func (e *Env) moduleActive(module string) bool {
	if e.installed == nil {
		return true
	}
	return e.installed[module]
}

func (e *Env) checker() (*access.Checker, error) {
	uid := e.ctx.UID()
	if c, ok := e.checkers[uid]; ok {
		return c, nil
	}
	c, err := access.LoadChecker(e.db, uid)
	if err != nil {
		return nil, err
	}
	e.checkers[uid] = c
	return c, nil
}

// InvalidateCache drops the record cache, forcing re-reads.
func (e *Env) InvalidateCache() {
	e.cache = map[string]map[uint64]Values{}
	e.checkers = map[uint64]*access.Checker{}
}

func (e *Env) cached(model string, id uint64) (Values, bool) {
	byID, ok := e.cache[model]
	if !ok {
		return nil, false
	}
	vals, ok := byID[id]
	return vals, ok
}

func (e *Env) storeCache(model string, id uint64, vals Values) {
	if e.cache[model] == nil {
		e.cache[model] = map[uint64]Values{}
	}
	e.cache[model][id] = vals
}

func (e *Env) dropCache(model string, ids ...uint64) {
	byID, ok := e.cache[model]
	if !ok {
		return
	}
	for _, id := range ids {
		delete(byID, id)
	}
}
