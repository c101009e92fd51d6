package partialcache

import (
	"encoding/json"
	"maps"
	"reflect"
	"slices"

	"github.com/c360/entitycache/identity"
)

// Patch is a property-level difference: keys set to a value and keys removed
type Patch struct {
	Set     identity.Properties
	Removed []string
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return len(p.Set) == 0 && len(p.Removed) == 0
}

// Touches reports whether the patch changes key
func (p Patch) Touches(key string) bool {
	_, ok := p.Set[key]
	return ok || slices.Contains(p.Removed, key)
}

// Diff returns the patch that turns base into current
func Diff(base, current identity.Properties) Patch {
	p := Patch{Set: identity.Properties{}}
	for k, v := range current {
		if old, ok := base[k]; !ok || !sameValue(old, v) {
			p.Set[k] = v
		}
	}
	for k := range base {
		if _, ok := current[k]; !ok {
			p.Removed = append(p.Removed, k)
		}
	}
	slices.Sort(p.Removed)
	return p
}

// Apply returns a copy of props with the patch applied
func Apply(props identity.Properties, p Patch) identity.Properties {
	out := props.Clone()
	maps.Copy(out, p.Set)
	for _, k := range p.Removed {
		delete(out, k)
	}
	return out
}

// Merge rebases local edits onto fresh server data: the result is received
// with every key changed between backup and local re-applied.
func Merge(backup, local, received identity.Properties) identity.Properties {
	return Apply(received, Diff(backup, local))
}

// sameValue compares property values by their JSON encoding, so values read
// back from the store match the values that produced them
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}
