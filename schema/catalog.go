// Package schema describes the entity and relationship classes the remote
// service exposes: class inheritance, relationship endpoints and declared
// cardinality. Catalogs are loaded from YAML or JSON and validated against an
// embedded JSON Schema.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/entitycache/errors"
)

//go:embed catalog.schema.json
var catalogSchema []byte

// Catalog is the set of known schemas
type Catalog struct {
	Schemas []Schema `json:"schemas" yaml:"schemas"`

	classes       map[string]map[string]EntityClass
	relationships map[string]map[string]RelationshipClass
}

// Schema groups classes under one name
type Schema struct {
	Name          string              `json:"name" yaml:"name"`
	Classes       []EntityClass       `json:"classes,omitempty" yaml:"classes,omitempty"`
	Relationships []RelationshipClass `json:"relationships,omitempty" yaml:"relationships,omitempty"`
}

// EntityClass is an entity class with an optional base class
type EntityClass struct {
	Name string `json:"name" yaml:"name"`
	Base string `json:"base,omitempty" yaml:"base,omitempty"`
}

// RelationshipClass links a source class to a target class. A zero maximum
// means unbounded.
type RelationshipClass struct {
	Name         string `json:"name" yaml:"name"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	MaxPerSource int    `json:"max_per_source,omitempty" yaml:"max_per_source,omitempty"`
	MaxPerTarget int    `json:"max_per_target,omitempty" yaml:"max_per_target,omitempty"`
}

// Direction says which end of a relationship the walking side is on
type Direction int

const (
	// Forward walks from source to target
	Forward Direction = iota
	// Backward walks from target to source
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Format of a catalog document
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Load reads a catalog file; the format follows the extension
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.WrapInvalid(err, "schema", "Load", fmt.Sprintf("read catalog %s", path))
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return Parse(data, format)
}

// Parse decodes, validates and indexes a catalog document
func Parse(data []byte, format Format) (*Catalog, error) {
	var doc any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.WrapInvalid(err, "schema", "Parse", "decode json catalog")
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.WrapInvalid(err, "schema", "Parse", "decode yaml catalog")
		}
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "schema", "Parse", fmt.Sprintf("unknown format %q", format))
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(catalogSchema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, errors.WrapInvalid(err, "schema", "Parse", "validate catalog")
	}
	if !result.Valid() {
		var b strings.Builder
		for _, desc := range result.Errors() {
			fmt.Fprintf(&b, "; %s: %s", desc.Field(), desc.Description())
		}
		return nil, errors.WrapInvalid(fmt.Errorf("%w%s", errors.ErrInvalidData, b.String()),
			"schema", "Parse", "validate catalog")
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "schema", "Parse", "normalize catalog")
	}
	var c Catalog
	if err := json.Unmarshal(normalized, &c); err != nil {
		return nil, errors.WrapInvalid(err, "schema", "Parse", "decode catalog")
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// New indexes a catalog built in code
func New(schemas ...Schema) (*Catalog, error) {
	c := &Catalog{Schemas: schemas}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) index() error {
	c.classes = make(map[string]map[string]EntityClass)
	c.relationships = make(map[string]map[string]RelationshipClass)

	for _, s := range c.Schemas {
		if _, dup := c.classes[s.Name]; dup {
			return invalid("duplicate schema %q", s.Name)
		}
		classes := make(map[string]EntityClass, len(s.Classes))
		for _, cl := range s.Classes {
			if _, dup := classes[cl.Name]; dup {
				return invalid("duplicate class %s.%s", s.Name, cl.Name)
			}
			classes[cl.Name] = cl
		}
		rels := make(map[string]RelationshipClass, len(s.Relationships))
		for _, r := range s.Relationships {
			if _, dup := rels[r.Name]; dup {
				return invalid("duplicate relationship %s.%s", s.Name, r.Name)
			}
			if _, ok := classes[r.Name]; ok {
				return invalid("relationship %s.%s collides with a class", s.Name, r.Name)
			}
			for _, end := range []string{r.Source, r.Target} {
				if _, ok := classes[end]; !ok {
					return invalid("relationship %s.%s references unknown class %q", s.Name, r.Name, end)
				}
			}
			rels[r.Name] = r
		}
		c.classes[s.Name] = classes
		c.relationships[s.Name] = rels

		for _, cl := range s.Classes {
			if err := c.checkBases(s.Name, cl.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Catalog) checkBases(schemaName, class string) error {
	seen := map[string]bool{}
	for name := class; name != ""; {
		if seen[name] {
			return invalid("class %s.%s has a cyclic base chain", schemaName, class)
		}
		seen[name] = true
		cl, ok := c.classes[schemaName][name]
		if !ok {
			return invalid("class %s.%s has unknown base %q", schemaName, class, name)
		}
		name = cl.Base
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidData}, args...)...),
		"schema", "index", "check catalog")
}

// Class returns an entity class
func (c *Catalog) Class(schemaName, name string) (EntityClass, error) {
	cl, ok := c.classes[schemaName][name]
	if !ok {
		return EntityClass{}, errors.NotFound("schema", "Class", "class %s.%s", schemaName, name)
	}
	return cl, nil
}

// Relationship returns a relationship class
func (c *Catalog) Relationship(schemaName, name string) (RelationshipClass, error) {
	r, ok := c.relationships[schemaName][name]
	if !ok {
		return RelationshipClass{}, errors.NotFound("schema", "Relationship", "relationship %s.%s", schemaName, name)
	}
	return r, nil
}

// IsRelationship reports whether name is a relationship class
func (c *Catalog) IsRelationship(schemaName, name string) bool {
	_, ok := c.relationships[schemaName][name]
	return ok
}

// IsA reports whether class is base or derives from it
func (c *Catalog) IsA(schemaName, class, base string) bool {
	for name, hops := class, 0; name != "" && hops <= len(c.classes[schemaName]); hops++ {
		if name == base {
			return true
		}
		name = c.classes[schemaName][name].Base
	}
	return false
}

// ResolveDirection decides how a relationship is walked from an entity of
// class from to an entity of class to. Forward wins when both fit.
func (c *Catalog) ResolveDirection(schemaName, relationship, from, to string) (Direction, error) {
	r, err := c.Relationship(schemaName, relationship)
	if err != nil {
		return Forward, err
	}
	if c.IsA(schemaName, from, r.Source) && c.IsA(schemaName, to, r.Target) {
		return Forward, nil
	}
	if c.IsA(schemaName, from, r.Target) && c.IsA(schemaName, to, r.Source) {
		return Backward, nil
	}
	return Forward, errors.Inconsistency("schema", "ResolveDirection",
		"%s.%s does not connect %s and %s", schemaName, relationship, from, to)
}
