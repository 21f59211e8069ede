package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineAndExtend(t *testing.T) {
	reg := NewRegistry()

	err := reg.Apply(Contribution{
		Module: "base", Model: "res.partner", Define: true,
		CompanyScoped: true,
		Fields: []*Field{
			{Name: "name", Type: TypeChar, Required: true},
			{Name: "email", Type: TypeChar},
		},
	})
	require.NoError(t, err)

	// Extension adds a field and redeclares an existing one; last wins.
	err = reg.Apply(Contribution{
		Module: "crm", Model: "res.partner",
		Fields: []*Field{
			{Name: "phone", Type: TypeChar},
			{Name: "email", Type: TypeChar, Required: true},
		},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Finalize())

	m, ok := reg.Model("res.partner")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"base", "crm"}, m.Contributors)

	email, ok := m.Field("email")
	require.True(t, ok)
	assert.True(t, email.Required)
	assert.Equal(t, "crm", email.Module)

	// Implicit fields.
	_, ok = m.Field("id")
	assert.True(t, ok)
	_, ok = m.Field("company_id")
	assert.True(t, ok)
}

func TestExtendUnknownModelFails(t *testing.T) {
	reg := NewRegistry()
	err := reg.Apply(Contribution{
		Module: "crm", Model: "res.partner",
		Fields: []*Field{{Name: "phone", Type: TypeChar}},
	})
	assert.Error(t, err)
}

func TestDefineTwiceFails(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Apply(Contribution{Module: "a", Model: "m", Define: true}))
	assert.Error(t, reg.Apply(Contribution{Module: "b", Model: "m", Define: true}))
}

func TestMixinFolding(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Apply(Contribution{
		Module: "base", Model: "mixin.tracked", Define: true, Abstract: true,
		Fields: []*Field{{Name: "tracked", Type: TypeBoolean, Default: true}},
	}))
	require.NoError(t, reg.Apply(Contribution{
		Module: "base", Model: "res.ticket", Define: true,
		Mixins: []string{"mixin.tracked"},
		Fields: []*Field{{Name: "name", Type: TypeChar, Required: true}},
	}))
	require.NoError(t, reg.Finalize())

	m, _ := reg.Model("res.ticket")
	_, ok := m.Field("tracked")
	assert.True(t, ok, "mixin field folded into the concrete model")

	// Own declaration beats the mixin's.
	reg2 := NewRegistry()
	require.NoError(t, reg2.Apply(Contribution{
		Module: "base", Model: "mixin.tracked", Define: true, Abstract: true,
		Fields: []*Field{{Name: "name", Type: TypeText}},
	}))
	require.NoError(t, reg2.Apply(Contribution{
		Module: "base", Model: "res.ticket", Define: true,
		Mixins: []string{"mixin.tracked"},
		Fields: []*Field{{Name: "name", Type: TypeChar}},
	}))
	require.NoError(t, reg2.Finalize())
	m2, _ := reg2.Model("res.ticket")
	f, _ := m2.Field("name")
	assert.Equal(t, TypeChar, f.Type)
}

func TestDelegationAddsLinkField(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Apply(Contribution{
		Module: "base", Model: "res.partner", Define: true,
		Fields: []*Field{{Name: "name", Type: TypeChar, Required: true}},
	}))
	require.NoError(t, reg.Apply(Contribution{
		Module: "base", Model: "res.users", Define: true,
		Delegates: map[string]string{"partner_id": "res.partner"},
		Fields:    []*Field{{Name: "login", Type: TypeChar, Required: true}},
	}))
	require.NoError(t, reg.Finalize())

	m, _ := reg.Model("res.users")
	link, ok := m.Field("partner_id")
	require.True(t, ok)
	assert.True(t, link.Required)
	assert.Equal(t, OnDeleteCascade, link.OnDelete)

	owner, f, ok := reg.ResolveField("res.users", "name")
	require.True(t, ok)
	assert.Equal(t, "res.partner", owner)
	assert.Equal(t, TypeChar, f.Type)
}

func TestValidationCatchesBadReferences(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Apply(Contribution{
		Module: "base", Model: "res.order", Define: true,
		Fields: []*Field{{Name: "partner_id", Type: TypeMany2one, Comodel: "res.partner"}},
	}))
	assert.Error(t, reg.Finalize(), "many2one to an undefined model")

	reg2 := NewRegistry()
	require.NoError(t, reg2.Apply(Contribution{
		Module: "base", Model: "res.order", Define: true,
		Fields: []*Field{
			{Name: "line_ids", Type: TypeOne2many, Comodel: "res.order.line", InverseName: "nope"},
		},
	}))
	require.NoError(t, reg2.Apply(Contribution{
		Module: "base", Model: "res.order.line", Define: true,
		Fields: []*Field{{Name: "name", Type: TypeChar}},
	}))
	assert.Error(t, reg2.Finalize(), "one2many inverse must exist on the comodel")
}

func TestMixinCycleFails(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Apply(Contribution{
		Module: "a", Model: "mixin.a", Define: true, Abstract: true, Mixins: []string{"mixin.b"},
	}))
	require.NoError(t, reg.Apply(Contribution{
		Module: "a", Model: "mixin.b", Define: true, Abstract: true, Mixins: []string{"mixin.a"},
	}))
	assert.Error(t, reg.Finalize())
}
