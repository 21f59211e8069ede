package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/schema"
	"github.com/lucidgrid/basis/internal/types"
	"github.com/lucidgrid/basis/internal/view"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Kernel owns the module lifecycle: discovery, dependency resolution,
// install/upgrade/uninstall and the effective schema of the installed set.
type Kernel struct {
	mu        sync.Mutex
	db        *gorm.DB
	log       zerolog.Logger
	reg       *schema.Registry
	installed map[string]bool

	// LoadDemo also loads the modules' demonstration files.
	LoadDemo bool
}

// NewKernel loads the module state table and rebuilds the schema of the
// already-installed modules.
func NewKernel(db *gorm.DB, log zerolog.Logger) (*Kernel, error) {
	k := &Kernel{db: db, log: log, installed: map[string]bool{}}
	var states []database.ModuleState
	if err := db.Find(&states).Error; err != nil {
		return nil, err
	}
	for _, s := range states {
		if s.State == "installed" {
			k.installed[s.Name] = true
		}
	}
	reg, err := k.buildSchema(k.installedNames())
	if err != nil {
		return nil, err
	}
	k.reg = reg
	return k, nil
}

// Env returns an ORM environment over the current effective schema.
func (k *Kernel) Env(ctx orm.Context) *orm.Env {
	k.mu.Lock()
	defer k.mu.Unlock()
	installed := map[string]bool{}
	for n := range k.installed {
		installed[n] = true
	}
	return orm.NewEnv(k.db, k.reg, ctx, k.log, installed)
}

// Schema returns the current effective schema registry.
func (k *Kernel) Schema() *schema.Registry {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reg
}

// Installed returns the installed module names.
func (k *Kernel) Installed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.installedNames()
}

func (k *Kernel) installedNames() []string {
	names := make([]string, 0, len(k.installed))
	for n := range k.installed {
		names = append(names, n)
	}
	return names
}

// Discover scans addon directories for data-only modules: any subdirectory
// carrying a manifest is registered with its directory as module file
// system.
func (k *Kernel) Discover(paths ...string) error {
	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("scanning addons path %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			moduleDir := filepath.Join(dir, e.Name())
			if _, err := os.Stat(filepath.Join(moduleDir, ManifestFile)); err != nil {
				continue
			}
			if _, exists := Lookup(e.Name()); exists {
				continue
			}
			fsys := os.DirFS(moduleDir)
			manifest, err := ReadManifest(fsys)
			if err != nil {
				return err
			}
			Register(&Addon{Name: e.Name(), Manifest: manifest, FS: fsys})
			k.log.Info().Str("module", e.Name()).Msg("discovered addon")
		}
	}
	return nil
}

// Resolve returns names plus their transitive dependencies in installation
// order, or a cycle report.
func (k *Kernel) Resolve(names ...string) ([]string, error) {
	var order []string
	state := map[string]int{} // 0 unvisited, 1 visiting, 2 done
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			cycle := append(path, name)
			return types.ValidationError("module dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		addon, ok := Lookup(name)
		if !ok {
			return types.ValidationError("unknown module %q", name)
		}
		state[name] = 1
		path = append(path, name)
		for _, dep := range addon.Manifest.Depends {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = 2
		order = append(order, name)
		return nil
	}
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Install installs names and their dependencies in topological order. A
// failing module rolls back its own transaction and leaves prior installs
// intact. After the pass, auto-installable modules whose dependencies are
// all present are installed too.
func (k *Kernel) Install(names ...string) error {
	order, err := k.Resolve(names...)
	if err != nil {
		return err
	}
	for _, name := range order {
		if err := k.installOne(name, false); err != nil {
			return err
		}
	}
	return k.autoInstall()
}

// Upgrade reloads the data files of already-installed modules; external
// identifiers make the reload idempotent.
func (k *Kernel) Upgrade(names ...string) error {
	for _, name := range names {
		k.mu.Lock()
		installed := k.installed[name]
		k.mu.Unlock()
		if !installed {
			return types.ValidationError("cannot upgrade module %q: not installed", name)
		}
		if err := k.installOne(name, true); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) installOne(name string, upgrade bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.installed[name] && !upgrade {
		return nil
	}
	addon, ok := Lookup(name)
	if !ok {
		return types.ValidationError("unknown module %q", name)
	}
	for _, dep := range addon.Manifest.Depends {
		if !k.installed[dep] {
			return types.ValidationError("module %q requires %q", name, dep)
		}
	}

	trial := map[string]bool{name: true}
	for n := range k.installed {
		trial[n] = true
	}
	trialNames := make([]string, 0, len(trial))
	for n := range trial {
		trialNames = append(trialNames, n)
	}
	trialReg, err := k.buildSchema(trialNames)
	if err != nil {
		return err
	}

	err = k.db.Transaction(func(tx *gorm.DB) error {
		env := orm.NewEnv(tx, trialReg, orm.NewContext().AsSudo(), k.log, trial)
		if addon.PreInit != nil && !upgrade {
			if err := addon.PreInit(env); err != nil {
				return err
			}
		}
		files := addon.Manifest.Data
		if k.LoadDemo {
			files = append(files, addon.Manifest.Demo...)
		}
		for _, file := range files {
			if err := loadModuleFile(env, name, addon, file); err != nil {
				return err
			}
		}
		if err := validateViews(env); err != nil {
			return err
		}
		if addon.PostInit != nil && !upgrade {
			if err := addon.PostInit(env); err != nil {
				return err
			}
		}
		return upsertState(tx, name, addon.Manifest.Version, "installed")
	})
	if err != nil {
		return fmt.Errorf("installing module %s: %w", name, err)
	}

	k.installed[name] = true
	k.reg = trialReg
	k.log.Info().Str("module", name).Bool("upgrade", upgrade).Msg("module installed")
	return nil
}

func loadModuleFile(env *orm.Env, name string, addon *Addon, file string) error {
	if addon.FS == nil {
		return types.ValidationError("module %q declares data file %q but ships no files", name, file)
	}
	switch {
	case strings.HasSuffix(file, ".xml"):
		return loadDataFile(env, name, addon.FS, file)
	case strings.HasSuffix(file, ".csv"):
		return loadSecurityFile(env, name, addon.FS, file)
	}
	return types.ValidationError("module %q: unsupported data file %q", name, file)
}

// Uninstall removes every record tagged with the module's external
// identifiers and the module's access, cron and translation entries, then
// rebuilds the schema without its contributions.
func (k *Kernel) Uninstall(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.installed[name] {
		return types.ValidationError("module %q is not installed", name)
	}
	for other := range k.installed {
		if other == name {
			continue
		}
		if a, ok := Lookup(other); ok {
			for _, dep := range a.Manifest.Depends {
				if dep == name {
					return types.ValidationError("cannot uninstall %q: module %q depends on it", name, other)
				}
			}
		}
	}
	addon, _ := Lookup(name)

	err := k.db.Transaction(func(tx *gorm.DB) error {
		installed := map[string]bool{}
		for n := range k.installed {
			installed[n] = true
		}
		env := orm.NewEnv(tx, k.reg, orm.NewContext().AsSudo(), k.log, installed)

		// Delete the module's records in reverse creation order.
		var xids []database.ExternalID
		if err := tx.Where("module = ?", name).Order("id DESC").Find(&xids).Error; err != nil {
			return err
		}
		for _, xid := range xids {
			rec, err := env.Model(xid.Model).Browse(xid.ResID).Exists()
			if err != nil {
				return err
			}
			if rec.Len() > 0 {
				if err := rec.Unlink(); err != nil {
					return err
				}
			}
		}
		tx.Where("module = ?", name).Delete(&database.ExternalID{})
		tx.Where("module = ?", name).Delete(&database.ACL{})
		tx.Where("module = ?", name).Delete(&database.RecordRule{})
		tx.Where("module = ?", name).Delete(&database.CronJob{})
		tx.Where("module = ?", name).Delete(&database.Translation{})

		if addon != nil && addon.Uninstall != nil {
			if err := addon.Uninstall(env); err != nil {
				return err
			}
		}
		return upsertState(tx, name, "", "uninstalled")
	})
	if err != nil {
		return fmt.Errorf("uninstalling module %s: %w", name, err)
	}

	delete(k.installed, name)
	reg, err := k.buildSchema(k.installedNames())
	if err != nil {
		return err
	}
	k.reg = reg
	k.log.Info().Str("module", name).Msg("module uninstalled")
	return nil
}

// autoInstall installs every registered module flagged auto_install whose
// dependencies are all installed.
func (k *Kernel) autoInstall() error {
	for {
		progressed := false
		for _, name := range Known() {
			k.mu.Lock()
			already := k.installed[name]
			k.mu.Unlock()
			if already {
				continue
			}
			addon, _ := Lookup(name)
			if !addon.Manifest.AutoInstall {
				continue
			}
			ready := true
			k.mu.Lock()
			for _, dep := range addon.Manifest.Depends {
				if !k.installed[dep] {
					ready = false
					break
				}
			}
			k.mu.Unlock()
			if !ready {
				continue
			}
			if err := k.installOne(name, false); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

// buildSchema applies the contributions of modules in topological order.
func (k *Kernel) buildSchema(modules []string) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	if len(modules) == 0 {
		if err := reg.Finalize(); err != nil {
			return nil, err
		}
		return reg, nil
	}
	// Resolve gives the deterministic installation order.
	order, err := k.Resolve(modules...)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, m := range modules {
		want[m] = true
	}
	for _, name := range order {
		if !want[name] {
			continue
		}
		addon, ok := Lookup(name)
		if !ok {
			continue
		}
		for _, c := range addon.Contributions {
			contribution := c
			contribution.Module = name
			if err := reg.Apply(contribution); err != nil {
				return nil, err
			}
		}
	}
	if err := reg.Finalize(); err != nil {
		return nil, err
	}
	return reg, nil
}

// validateViews resolves every inherited view patch chain; an unmatched
// locator fails the installation, not the later render.
func validateViews(env *orm.Env) error {
	if _, ok := env.Schema().Model("ir.ui.view"); !ok {
		return nil
	}
	views := env.Model("ir.ui.view")
	bases, err := views.Search(orm.Eq("inherit_id", nil))
	if err != nil {
		return err
	}
	for _, base := range bases.Records() {
		if _, err := EffectiveView(env, base.ID()); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveView resolves the patch chain of a base view and returns the
// effective architecture.
func EffectiveView(env *orm.Env, viewID uint64) (string, error) {
	views := env.Model("ir.ui.view")
	base := views.Browse(viewID)
	arch, err := base.GetString("arch")
	if err != nil {
		return "", err
	}
	patches, err := views.Search(orm.Eq("inherit_id", float64(viewID)),
		orm.SearchOptions{Order: "priority, id"})
	if err != nil {
		return "", err
	}
	var archs []string
	for _, p := range patches.Records() {
		a, err := p.GetString("arch")
		if err != nil {
			return "", err
		}
		archs = append(archs, a)
	}
	return view.Resolve(arch, archs)
}

func upsertState(tx *gorm.DB, name, version, state string) error {
	var s database.ModuleState
	if err := tx.Where("name = ?", name).First(&s).Error; err != nil {
		return tx.Create(&database.ModuleState{Name: name, Version: version, State: state}).Error
	}
	updates := map[string]interface{}{"state": state}
	if version != "" {
		updates["version"] = version
	}
	return tx.Model(&s).Updates(updates).Error
}
