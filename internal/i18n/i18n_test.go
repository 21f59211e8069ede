package i18n

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&database.Translation{}))

	rows := []database.Translation{
		{Module: "notes", Lang: "fr_FR", Src: "Notes", Value: "Notes"},
		{Module: "notes", Lang: "fr_FR", Src: "Work", Value: "Travail"},
		{Module: "notes", Lang: "de_DE", Src: "Work", Value: "Arbeit"},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	c := NewCatalog()
	require.NoError(t, c.Load(db))
	return c
}

func TestGetTranslatesAndFallsBack(t *testing.T) {
	c := setupCatalog(t)

	assert.Equal(t, "Travail", c.Get("fr_FR", "Work"))
	assert.Equal(t, "Arbeit", c.Get("de_DE", "Work"))

	// Untranslated string falls back to the source.
	assert.Equal(t, "Holidays", c.Get("fr_FR", "Holidays"))

	// Unknown language falls back to the source.
	assert.Equal(t, "Work", c.Get("pt_BR", "Work"))

	// The source language is identity.
	assert.Equal(t, "Work", c.Get("en_US", "Work"))
	assert.Equal(t, "Work", c.Get("", "Work"))
}

func TestGetMatchesRegionalVariant(t *testing.T) {
	c := setupCatalog(t)
	// fr_CA is close enough to fr_FR for the matcher.
	assert.Equal(t, "Travail", c.Get("fr_CA", "Work"))
}

func TestLanguages(t *testing.T) {
	c := setupCatalog(t)
	assert.ElementsMatch(t, []string{"fr_FR", "de_DE"}, c.Languages())
}
