// Package i18n serves the translation catalogue loaded by module data
// files. Lookup falls back from the exact locale to its base language and
// finally to the source string itself.
package i18n

import (
	"strings"
	"sync"

	"github.com/lucidgrid/basis/internal/database"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

// DefaultLang is the catalogue's source language.
const DefaultLang = "en_US"

// Catalog is an in-memory snapshot of ir_translation, safe for concurrent
// readers. Reload swaps the snapshot after module install or upgrade.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]map[string]string // lang -> src -> value
	matcher language.Matcher
	tags    []language.Tag
	langs   []string
}

func NewCatalog() *Catalog {
	return &Catalog{entries: map[string]map[string]string{}}
}

// Load replaces the catalogue with the current ir_translation contents.
func (c *Catalog) Load(db *gorm.DB) error {
	var rows []database.Translation
	if err := db.Find(&rows).Error; err != nil {
		return err
	}
	entries := map[string]map[string]string{}
	for _, row := range rows {
		if entries[row.Lang] == nil {
			entries[row.Lang] = map[string]string{}
		}
		entries[row.Lang][row.Src] = row.Value
	}

	var tags []language.Tag
	var langs []string
	for lang := range entries {
		tag, err := language.Parse(normalize(lang))
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		langs = append(langs, lang)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.langs = langs
	if len(tags) > 0 {
		c.matcher = language.NewMatcher(tags)
		c.tags = tags
	} else {
		c.matcher = nil
		c.tags = nil
	}
	return nil
}

// Get translates src into lang. Unknown languages and untranslated strings
// fall back to src.
func (c *Catalog) Get(lang, src string) string {
	if lang == "" || lang == DefaultLang {
		return src
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m := c.entries[lang]; m != nil {
		if v, ok := m[src]; ok {
			return v
		}
	}
	// en_GB asked, en translations loaded: route through the matcher.
	if c.matcher != nil {
		if want, err := language.Parse(normalize(lang)); err == nil {
			if _, idx, conf := c.matcher.Match(want); conf >= language.High && idx < len(c.langs) {
				if m := c.entries[c.langs[idx]]; m != nil {
					if v, ok := m[src]; ok {
						return v
					}
				}
			}
		}
	}
	return src
}

// Languages returns the loaded language codes.
func (c *Catalog) Languages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.langs))
	copy(out, c.langs)
	return out
}

// normalize converts the pt_BR convention to the BCP 47 pt-BR form.
func normalize(lang string) string {
	return strings.ReplaceAll(lang, "_", "-")
}
