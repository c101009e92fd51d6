package identity

import (
	"bytes"
	"encoding/json"
	"maps"
)

// Properties is a sparse property map. Which keys are present says nothing
// about completeness; that is tracked by CacheState.
type Properties map[string]any

// Clone returns a shallow copy
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	return maps.Clone(p)
}

// Equal compares two maps by their canonical JSON encoding, so numbers
// decoded from storage compare equal to the values that produced them.
func (p Properties) Equal(other Properties) bool {
	a, errA := p.canonical()
	b, errB := other.canonical()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (p Properties) canonical() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func encodeProperties(p Properties) (string, error) {
	data, err := p.canonical()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeProperties(s string) (Properties, error) {
	p := Properties{}
	if s == "" {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}
