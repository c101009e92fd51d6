package partialcache

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/c360/entitycache/errors"
)

// ClassificationKind says how much of an entity a query path requested
type ClassificationKind int

const (
	// IDOnly requested existence only
	IDOnly ClassificationKind = iota
	// Property requested a named subset of properties
	Property
	// All requested every property
	All
)

func (k ClassificationKind) String() string {
	switch k {
	case IDOnly:
		return "id_only"
	case Property:
		return "property"
	case All:
		return "all"
	default:
		return fmt.Sprintf("classification(%d)", int(k))
	}
}

// Classification of one query path
type Classification struct {
	Kind       ClassificationKind
	Properties []string
}

// Field names with special meaning inside a selection
const (
	AllField = "_all"
	IDField  = "id"
)

// Selection is a compiled select option: a tree of relationship paths,
// each with the classification of the entities it reaches.
type Selection struct {
	root *selectionNode
}

type selectionNode struct {
	class    Classification
	children map[string]*selectionNode
}

// SelectAll selects every property at the top level
func SelectAll() *Selection {
	return &Selection{root: &selectionNode{class: Classification{Kind: All}}}
}

// CompileSelection compiles a select option written as a GraphQL selection
// set, with or without the enclosing braces:
//
//	name email AccountContacts { _all } Notes { id }
//
// Leaf fields are property names, fields with a sub-selection are
// relationship classes, "_all" selects every property and a set holding
// only "id" selects existence. An empty option selects everything at the
// top level.
func CompileSelection(option string) (*Selection, error) {
	option = strings.TrimSpace(option)
	if option == "" {
		return SelectAll(), nil
	}
	if !strings.HasPrefix(option, "{") {
		option = "{" + option + "}"
	}

	doc, err := parser.ParseQuery(&ast.Source{Name: "select", Input: option})
	if err != nil {
		return nil, errors.WrapInvalid(err, "partialcache", "CompileSelection", "parse select option")
	}
	if len(doc.Operations) != 1 || len(doc.Fragments) > 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "partialcache", "CompileSelection",
			"select option must be a single selection set")
	}

	root, err := compileSet(doc.Operations[0].SelectionSet)
	if err != nil {
		return nil, err
	}
	return &Selection{root: root}, nil
}

func compileSet(set ast.SelectionSet) (*selectionNode, error) {
	node := &selectionNode{}
	var props []string
	all := false

	for _, sel := range set {
		field, ok := sel.(*ast.Field)
		if !ok {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "partialcache", "CompileSelection",
				"fragments are not supported in select options")
		}
		if len(field.SelectionSet) > 0 {
			child, err := compileSet(field.SelectionSet)
			if err != nil {
				return nil, err
			}
			if node.children == nil {
				node.children = make(map[string]*selectionNode)
			}
			node.children[field.Name] = child
			continue
		}
		switch field.Name {
		case AllField:
			all = true
		case IDField:
		default:
			if !slices.Contains(props, field.Name) {
				props = append(props, field.Name)
			}
		}
	}

	switch {
	case all:
		node.class = Classification{Kind: All}
	case len(props) > 0:
		slices.Sort(props)
		node.class = Classification{Kind: Property, Properties: props}
	default:
		node.class = Classification{Kind: IDOnly}
	}
	return node, nil
}

// Classify returns the classification of the entities reached over path, a
// sequence of relationship class names. Paths outside the selection are
// IDOnly.
func (s *Selection) Classify(path ...string) Classification {
	node := s.root
	for _, step := range path {
		next, ok := node.children[step]
		if !ok {
			return Classification{Kind: IDOnly}
		}
		node = next
	}
	return node.class
}

// Relationships lists the relationship classes selected below path. A
// result lists every related instance reached over them.
func (s *Selection) Relationships(path ...string) []string {
	node := s.root
	for _, step := range path {
		next, ok := node.children[step]
		if !ok {
			return nil
		}
		node = next
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
