package sdkcontext

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalStringIsOrderIndependent(t *testing.T) {
	c1 := Context{
		Company: map[string]string{"id": "comp_1", "plan": "pro"},
		User:    map[string]string{"id": "user_1", "email": "x@example.com"},
	}
	c2 := Context{
		Company: map[string]string{"plan": "pro", "id": "comp_1"},
		User:    map[string]string{"email": "x@example.com", "id": "user_1"},
	}
	assert.Equal(t, c1.CanonicalString(), c2.CanonicalString())
	assert.True(t, c1.Equal(c2))
}

func TestCanonicalStringSortsKeys(t *testing.T) {
	c := Context{Company: map[string]string{"b": "2", "a": "1", "c": "3"}}
	assert.Equal(t, `{"company":{"a":"1","b":"2","c":"3"}}`, c.CanonicalString())
}

func TestCanonicalStringIsValidJSON(t *testing.T) {
	c := Context{
		Company: map[string]string{"id": `needs "escaping"`},
		User:    map[string]string{"id": "user_1"},
	}
	var parsed map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(c.CanonicalString()), &parsed))
	assert.Equal(t, `needs "escaping"`, parsed["company"]["id"])
	assert.Equal(t, "user_1", parsed["user"]["id"])
}

func TestDifferentContextsHaveDifferentCanonicalStrings(t *testing.T) {
	c1 := Context{User: map[string]string{"id": "user_1"}}
	c2 := Context{User: map[string]string{"id": "user_2"}}
	c3 := Context{Company: map[string]string{"id": "user_1"}}
	assert.NotEqual(t, c1.CanonicalString(), c2.CanonicalString())
	assert.NotEqual(t, c1.CanonicalString(), c3.CanonicalString())
}

func TestHasIdentity(t *testing.T) {
	assert.False(t, Context{}.HasIdentity())
	assert.True(t, Context{Company: map[string]string{"id": "c"}}.HasIdentity())
	assert.True(t, Context{User: map[string]string{"id": "u"}}.HasIdentity())
}

func TestEmptyContextCanonicalString(t *testing.T) {
	assert.Equal(t, `{}`, Context{}.CanonicalString())
}
