package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDomainImplicitAnd(t *testing.T) {
	dom, err := ParseDomain([]byte(`[["state","=","draft"],["sequence",">",5]]`))
	require.NoError(t, err)

	assert.True(t, dom.Matches(Values{"state": "draft", "sequence": 10.0}))
	assert.False(t, dom.Matches(Values{"state": "draft", "sequence": 3.0}))
	assert.False(t, dom.Matches(Values{"state": "done", "sequence": 10.0}))
}

func TestParseDomainPrefixOperators(t *testing.T) {
	dom, err := ParseDomain([]byte(`["|",["state","=","draft"],["state","=","open"]]`))
	require.NoError(t, err)
	assert.True(t, dom.Matches(Values{"state": "open"}))
	assert.False(t, dom.Matches(Values{"state": "done"}))

	neg, err := ParseDomain([]byte(`["!",["state","=","done"]]`))
	require.NoError(t, err)
	assert.True(t, neg.Matches(Values{"state": "draft"}))
	assert.False(t, neg.Matches(Values{"state": "done"}))

	mixed, err := ParseDomain([]byte(`["&","|",["a","=",1],["b","=",2],["c","=",3]]`))
	require.NoError(t, err)
	assert.True(t, mixed.Matches(Values{"a": 1.0, "c": 3.0}))
	assert.True(t, mixed.Matches(Values{"b": 2.0, "c": 3.0}))
	assert.False(t, mixed.Matches(Values{"a": 1.0, "c": 4.0}))
}

func TestParseDomainErrors(t *testing.T) {
	_, err := ParseDomain([]byte(`[["state","=?","draft"]]`))
	assert.Error(t, err, "unknown operator")

	_, err = ParseDomain([]byte(`["|",["state","=","draft"]]`))
	assert.Error(t, err, "operator arity")

	_, err = ParseDomain([]byte(`{"state":"draft"}`))
	assert.Error(t, err, "not a list")
}

func TestDomainOperators(t *testing.T) {
	cases := []struct {
		raw   string
		vals  Values
		match bool
	}{
		{`[["n","!=",1]]`, Values{"n": 2.0}, true},
		{`[["n","<",5]]`, Values{"n": 4.0}, true},
		{`[["n",">=",5]]`, Values{"n": 5.0}, true},
		{`[["s","in",["a","b"]]]`, Values{"s": "b"}, true},
		{`[["s","not in",["a","b"]]]`, Values{"s": "c"}, true},
		{`[["s","like","wor"]]`, Values{"s": "network"}, true},
		{`[["s","like","wor"]]`, Values{"s": "NETWORK"}, false},
		{`[["s","ilike","WOR"]]`, Values{"s": "network"}, true},
		{`[["m","=",null]]`, Values{}, true},
		{`[["m","!=",null]]`, Values{"m": 3.0}, true},
	}
	for _, tc := range cases {
		dom, err := ParseDomain([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.match, dom.Matches(tc.vals), tc.raw)
	}
}

func TestDomainBuildersAndJSON(t *testing.T) {
	dom := And(Eq("state", "draft"), Or(Cond("n", ">", 1), Eq("m", nil)))
	raw, err := dom.MarshalJSON()
	require.NoError(t, err)

	parsed, err := ParseDomain(raw)
	require.NoError(t, err)
	assert.True(t, parsed.Matches(Values{"state": "draft", "n": 2.0}))
	assert.True(t, parsed.Matches(Values{"state": "draft"}))
	assert.False(t, parsed.Matches(Values{"state": "done", "n": 2.0}))
}
