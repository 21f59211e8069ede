package view

import (
	"strings"
	"testing"

	"github.com/lucidgrid/basis/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseForm = `<form string="Contact">
  <group name="main">
    <field name="name"/>
    <field name="email"/>
  </group>
</form>`

func TestResolveInsidePosition(t *testing.T) {
	patch := `<data>
  <xpath expr="//group[@name='main']" position="inside">
    <field name="phone"/>
  </xpath>
</data>`
	out, err := Resolve(baseForm, []string{patch})
	require.NoError(t, err)
	assert.Contains(t, out, `<field name="phone"/>`)
	assert.Less(t, strings.Index(out, `name="email"`), strings.Index(out, `name="phone"`))
}

func TestResolveBeforeAfterReplace(t *testing.T) {
	before := `<data><xpath expr="//field[@name='email']" position="before"><field name="title"/></xpath></data>`
	after := `<data><xpath expr="//field[@name='name']" position="after"><field name="ref"/></xpath></data>`
	replace := `<data><xpath expr="//field[@name='email']" position="replace"><field name="website"/></xpath></data>`

	out, err := Resolve(baseForm, []string{before, after, replace})
	require.NoError(t, err)
	assert.Contains(t, out, `name="title"`)
	assert.Contains(t, out, `name="ref"`)
	assert.Contains(t, out, `name="website"`)
	assert.NotContains(t, out, `name="email"`)
	assert.Less(t, strings.Index(out, `name="name"`), strings.Index(out, `name="ref"`))
}

func TestResolveAttributes(t *testing.T) {
	patch := `<data>
  <xpath expr="//form" position="attributes">
    <attribute name="string">Person</attribute>
    <attribute name="class">slim</attribute>
  </xpath>
</data>`
	out, err := Resolve(baseForm, []string{patch})
	require.NoError(t, err)
	assert.Contains(t, out, `string="Person"`)
	assert.Contains(t, out, `class="slim"`)

	// Empty body removes the attribute.
	drop := `<data><xpath expr="//form" position="attributes"><attribute name="string"></attribute></xpath></data>`
	out, err = Resolve(baseForm, []string{drop})
	require.NoError(t, err)
	assert.NotContains(t, out, `string=`)
}

func TestResolveUnmatchedLocatorFails(t *testing.T) {
	patch := `<data><xpath expr="//field[@name='nope']" position="after"><field name="x"/></xpath></data>`
	_, err := Resolve(baseForm, []string{patch})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestResolveRejectsBadInput(t *testing.T) {
	_, err := Resolve(`<spreadsheet/>`, nil)
	assert.Error(t, err, "unknown view type")

	_, err = Resolve(`<form><unclosed>`, nil)
	assert.Error(t, err, "malformed architecture")

	_, err = Resolve(baseForm, []string{`<data><xpath expr="field[@name='x']"/></data>`})
	assert.Error(t, err, "locator must start with //")

	_, err = Resolve(baseForm, []string{`<data><xpath expr="//form" position="around"/></data>`})
	assert.Error(t, err, "unknown position")
}

func TestFieldNames(t *testing.T) {
	root, err := Parse(baseForm)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"name", "email"}, FieldNames(root))
}
