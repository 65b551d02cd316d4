package attrmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslane/crosslane/pkg/errdefs"
)

func TestMapBasic(t *testing.T) {
	raw := RawAttributes{
		"sub":         {"user-123"},
		"email":       {"a@x.com"},
		"displayName": {"Ada Lovelace"},
		"memberOf":    {"engineering", "admins"},
	}
	rules := []Rule{
		{Source: "sub", Target: FieldSubject},
		{Source: "email", Target: FieldEmail},
		{Source: "email", Target: FieldUsername},
		{Source: "displayName", Target: FieldFullName},
		{Source: "memberOf", Target: FieldGroups},
	}

	got, err := Map(raw, rules)
	require.NoError(t, err)

	assert.Equal(t, "user-123", got.Subject)
	assert.Equal(t, "a@x.com", got.Email)
	assert.Equal(t, "a@x.com", got.Username)
	assert.Equal(t, "Ada Lovelace", got.FullName)
	assert.Equal(t, []string{"engineering", "admins"}, got.Groups)
}

func TestMapLastWriteWins(t *testing.T) {
	raw := RawAttributes{
		"email":     {"a@x.com"},
		"email_alt": {"b@x.com"},
	}
	rules := []Rule{
		{Source: "sub", Target: FieldSubject, Transform: "default:fallback-id"},
		{Source: "email", Target: FieldEmail},
		{Source: "email_alt", Target: FieldEmail},
	}

	got, err := Map(raw, rules)
	require.NoError(t, err)

	// Later rules overwrite earlier results in declaration order.
	assert.Equal(t, "b@x.com", got.Email)
}

func TestMapMissingSourceDoesNotOverwrite(t *testing.T) {
	raw := RawAttributes{
		"sub":   {"u1"},
		"email": {"a@x.com"},
	}
	rules := []Rule{
		{Source: "sub", Target: FieldSubject},
		{Source: "email", Target: FieldEmail},
		{Source: "missing_claim", Target: FieldEmail},
	}

	got, err := Map(raw, rules)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email)
}

func TestMapUnresolvedSubjectFailsClosed(t *testing.T) {
	raw := RawAttributes{"email": {"a@x.com"}}
	rules := []Rule{{Source: "email", Target: FieldEmail}}

	_, err := Map(raw, rules)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestMapEmptySubjectValueFailsClosed(t *testing.T) {
	raw := RawAttributes{"sub": {""}}
	rules := []Rule{{Source: "sub", Target: FieldSubject}}

	_, err := Map(raw, rules)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestMapTransforms(t *testing.T) {
	tests := []struct {
		name string
		raw  RawAttributes
		rule Rule
		want []string
	}{
		{
			name: "split",
			raw:  RawAttributes{"groups": {"eng, admins ,ops"}},
			rule: Rule{Source: "groups", Target: FieldGroups, Transform: "split:,"},
			want: []string{"eng", "admins", "ops"},
		},
		{
			name: "lowercase",
			raw:  RawAttributes{"groups": {"Engineering"}},
			rule: Rule{Source: "groups", Target: FieldGroups, Transform: "lowercase"},
			want: []string{"engineering"},
		},
		{
			name: "default applies on missing",
			raw:  RawAttributes{},
			rule: Rule{Source: "role", Target: FieldGroups, Transform: "default:viewer"},
			want: []string{"viewer"},
		},
		{
			name: "default ignored when present",
			raw:  RawAttributes{"role": {"admin"}},
			rule: Rule{Source: "role", Target: FieldGroups, Transform: "default:viewer"},
			want: []string{"admin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.raw.Add("sub", "u1")
			rules := []Rule{{Source: "sub", Target: FieldSubject}, tt.rule}
			got, err := Map(tt.raw, rules)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Groups)
		})
	}
}

func TestMapUnknownTransformRejected(t *testing.T) {
	raw := RawAttributes{"sub": {"u1"}}
	rules := []Rule{{Source: "sub", Target: FieldSubject, Transform: "rot13"}}

	_, err := Map(raw, rules)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestMapExtraFields(t *testing.T) {
	raw := RawAttributes{
		"sub":        {"u1"},
		"department": {"R&D"},
	}
	rules := []Rule{
		{Source: "sub", Target: FieldSubject},
		{Source: "department", Target: "department"},
	}

	got, err := Map(raw, rules)
	require.NoError(t, err)
	assert.Equal(t, "R&D", got.Extra["department"])
}

func TestMapDefaultTransformKeepsMultiValuedIntact(t *testing.T) {
	raw := RawAttributes{
		"sub":    {"u1"},
		"groups": {"", "engineering"},
	}
	rules := []Rule{
		{Source: "sub", Target: FieldSubject},
		{Source: "groups", Target: FieldGroups, Transform: "default:guest"},
	}

	got, err := Map(raw, rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"engineering"}, got.Groups)
	assert.Equal(t, []string{"", "engineering"}, raw["groups"])
}
