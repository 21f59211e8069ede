package registry

import (
	"encoding/csv"
	"fmt"
	"io/fs"
	"strings"

	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/types"
)

// loadSecurityFile processes a module's access descriptor: a CSV table
// mapping (model, group) to the four model-level permissions.
// Columns: id,name,model,group,perm_read,perm_write,perm_create,perm_unlink.
func loadSecurityFile(env *orm.Env, module string, fsys fs.FS, path string) error {
	raw, err := fs.ReadFile(fsys, path)
	if err != nil {
		return fmt.Errorf("module %s: reading %s: %w", module, path, err)
	}
	reader := csv.NewReader(strings.NewReader(string(raw)))
	rows, err := reader.ReadAll()
	if err != nil {
		return types.ValidationError("module %s: malformed access file %s: %v", module, path, err)
	}
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if len(row) < 8 {
			return types.ValidationError("module %s: %s line %d: expected 8 columns", module, path, i+1)
		}
		acl := database.ACL{
			Module:     module,
			XID:        strings.TrimSpace(row[0]),
			Name:       strings.TrimSpace(row[1]),
			Model:      strings.TrimSpace(row[2]),
			GroupXID:   strings.TrimSpace(row[3]),
			PermRead:   csvBool(row[4]),
			PermWrite:  csvBool(row[5]),
			PermCreate: csvBool(row[6]),
			PermUnlink: csvBool(row[7]),
		}
		var existing database.ACL
		if err := env.DB().Where("module = ? AND x_id = ?", module, acl.XID).
			First(&existing).Error; err != nil {
			if err := env.DB().Create(&acl).Error; err != nil {
				return err
			}
			continue
		}
		acl.ID = existing.ID
		if err := env.DB().Save(&acl).Error; err != nil {
			return err
		}
	}
	return nil
}

func csvBool(s string) bool {
	s = strings.TrimSpace(s)
	return s == "1" || strings.EqualFold(s, "true")
}
