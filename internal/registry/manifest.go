package registry

import (
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the file each module carries at its root.
const ManifestFile = "__manifest__.yaml"

// Manifest declares a module: identity, dependencies and the data files the
// loader processes in order at install time.
type Manifest struct {
	Name        string   `yaml:"name"`
	Summary     string   `yaml:"summary"`
	Version     string   `yaml:"version"`
	Depends     []string `yaml:"depends"`
	Data        []string `yaml:"data"`
	Demo        []string `yaml:"demo"`
	AutoInstall bool     `yaml:"auto_install"`
}

// ReadManifest parses the manifest at the root of fsys.
func ReadManifest(fsys fs.FS) (Manifest, error) {
	var m Manifest
	raw, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		return m, fmt.Errorf("reading %s: %w", ManifestFile, err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("parsing %s: %w", ManifestFile, err)
	}
	if m.Version == "" {
		m.Version = "1.0"
	}
	return m, nil
}
