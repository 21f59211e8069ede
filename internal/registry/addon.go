package registry

import (
	"io/fs"
	"sort"
	"sync"

	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/schema"
)

// Hook is a module lifecycle callback run inside the install transaction.
type Hook func(env *orm.Env) error

// Addon bundles everything one module contributes: its manifest, schema
// contributions, behaviour registration and data files.
type Addon struct {
	Name     string
	Manifest Manifest

	// FS holds the module's data, demo and security files.
	FS fs.FS

	// Contributions are applied to the schema registry in install order.
	Contributions []schema.Contribution

	// Setup registers ORM behaviour (methods, computes, constraints); run
	// once when the addon becomes known.
	Setup func()

	PreInit   Hook
	PostInit  Hook
	Uninstall Hook

	setupOnce sync.Once
}

var (
	addonsMu sync.RWMutex
	addons   = map[string]*Addon{}
)

// Register makes an addon known to the kernel. Go addons call this from
// their package init path before the kernel boots.
func Register(a *Addon) {
	addonsMu.Lock()
	addons[a.Name] = a
	addonsMu.Unlock()
	if a.Setup != nil {
		a.setupOnce.Do(a.Setup)
	}
}

// Lookup returns a registered addon.
func Lookup(name string) (*Addon, bool) {
	addonsMu.RLock()
	defer addonsMu.RUnlock()
	a, ok := addons[name]
	return a, ok
}

// Known returns the names of all registered addons, sorted.
func Known() []string {
	addonsMu.RLock()
	defer addonsMu.RUnlock()
	names := make([]string, 0, len(addons))
	for n := range addons {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
