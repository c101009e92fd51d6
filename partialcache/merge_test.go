package partialcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/c360/entitycache/identity"
)

func TestDiffApply(t *testing.T) {
	base := identity.Properties{"name": "Acme", "city": "Oslo", "size": 10}
	current := identity.Properties{"name": "Acme AS", "size": 10, "phone": "123"}

	p := Diff(base, current)
	assert.Equal(t, identity.Properties{"name": "Acme AS", "phone": "123"}, p.Set)
	assert.Equal(t, []string{"city"}, p.Removed)
	assert.True(t, p.Touches("city"))
	assert.False(t, p.Touches("size"))

	assert.Equal(t, current, Apply(base, p))
	assert.True(t, Diff(current, current).Empty())
}

func TestMerge_LocalEditsWinOnTouchedKeys(t *testing.T) {
	tests := []struct {
		name     string
		backup   identity.Properties
		local    identity.Properties
		received identity.Properties
		want     identity.Properties
	}{
		{
			name:     "disjoint edits",
			backup:   identity.Properties{"name": "Acme", "city": "Oslo"},
			local:    identity.Properties{"name": "Acme AS", "city": "Oslo"},
			received: identity.Properties{"name": "Acme", "city": "Bergen"},
			want:     identity.Properties{"name": "Acme AS", "city": "Bergen"},
		},
		{
			name:     "same key edited on both sides",
			backup:   identity.Properties{"name": "Acme"},
			local:    identity.Properties{"name": "Local"},
			received: identity.Properties{"name": "Server"},
			want:     identity.Properties{"name": "Local"},
		},
		{
			name:     "local removal survives",
			backup:   identity.Properties{"name": "Acme", "fax": "1"},
			local:    identity.Properties{"name": "Acme"},
			received: identity.Properties{"name": "Acme", "fax": "2"},
			want:     identity.Properties{"name": "Acme"},
		},
		{
			name:     "server adds a key",
			backup:   identity.Properties{"name": "Acme"},
			local:    identity.Properties{"name": "Acme"},
			received: identity.Properties{"name": "Acme", "vat": "NO1"},
			want:     identity.Properties{"name": "Acme", "vat": "NO1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.backup, tt.local, tt.received)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
			}

			d := Diff(tt.backup, tt.local)
			for k, v := range tt.received {
				if !d.Touches(k) {
					assert.Equal(t, v, got[k], "untouched key %s follows the server", k)
				}
			}
			for k := range d.Set {
				assert.Equal(t, tt.local[k], got[k], "touched key %s follows the local edit", k)
			}
		})
	}
}

func TestSameValue_NumbersFromStorage(t *testing.T) {
	assert.True(t, sameValue(3, 3.0))
	assert.False(t, sameValue("3", 3))
	assert.True(t, sameValue([]any{"a"}, []string{"a"}))
}
