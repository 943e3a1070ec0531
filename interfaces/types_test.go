package interfaces

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLabelRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		label   string
		ordinal int
		valid   bool
	}{
		{name: "first label", label: "v1", ordinal: 1, valid: true},
		{name: "large ordinal", label: "v4093", ordinal: 4093, valid: true},
		{name: "missing prefix", label: "1", valid: false},
		{name: "zero ordinal", label: "v0", valid: false},
		{name: "negative ordinal", label: "v-2", valid: false},
		{name: "not a number", label: "vfinal", valid: false},
		{name: "empty", label: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := ParseLabel(tt.label)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, tt.ordinal, n)
				assert.Equal(t, tt.label, FormatLabel(n))
			}
		})
	}
}

func TestCollaboratorMapOwnerEmail(t *testing.T) {
	m := CollaboratorMap{
		"owner@example.com":  {Permission: PermissionOwner},
		"collab@example.com": {Permission: PermissionCollaborator},
	}
	assert.Equal(t, "owner@example.com", m.OwnerEmail())
	assert.Equal(t, "", CollaboratorMap{}.OwnerEmail())
}

func TestCollaboratorMapCopy(t *testing.T) {
	orig := CollaboratorMap{"owner@example.com": {Permission: PermissionOwner}}
	copied := orig.Copy()
	copied["other@example.com"] = CollaboratorProperties{Permission: PermissionCollaborator}

	assert.Len(t, orig, 1, "copy must not alias the original map")
	assert.Nil(t, CollaboratorMap(nil).Copy())
}

func TestPackageCopyIsDeep(t *testing.T) {
	orig := Package{
		Label:       "v2",
		PackageHash: "abc",
		DiffPackageMap: map[string]DiffInfo{
			"oldhash": {Size: 10, URL: "http://example.com/diff"},
		},
	}

	copied := orig.Copy()
	copied.DiffPackageMap["newhash"] = DiffInfo{Size: 20}

	assert.Len(t, orig.DiffPackageMap, 1, "copy must not alias the diff map")
	assert.Equal(t, orig.Label, copied.Label)
}

func TestAccessKeyExpired(t *testing.T) {
	live := AccessKey{Expires: time.Now().Add(time.Hour)}
	dead := AccessKey{Expires: time.Now().Add(-time.Hour)}

	assert.False(t, live.Expired())
	assert.True(t, dead.Expired())
}
