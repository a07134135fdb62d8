package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/archesproject/semstore/domain/schema"
)

// SchemaDoc is the on-disk YAML form of a published schema. Groups nest in
// the document the way they nest in the tree; loading flattens them into
// parent-linked groups and synthesizes the structural grouping node each
// group is named by.
type SchemaDoc struct {
	Slug   string     `yaml:"slug"`
	ID     string     `yaml:"id"`
	Groups []GroupDoc `yaml:"groups"`
}

// GroupDoc is one group in a schema document. ID defaults to the alias.
type GroupDoc struct {
	Alias       string     `yaml:"alias"`
	ID          string     `yaml:"id"`
	Cardinality string     `yaml:"cardinality"`
	Nodes       []NodeDoc  `yaml:"nodes"`
	Groups      []GroupDoc `yaml:"groups"` // nested child groups
}

// NodeDoc is one data node in a schema document. ID defaults to the alias.
type NodeDoc struct {
	Alias    string         `yaml:"alias"`
	ID       string         `yaml:"id"`
	Datatype string         `yaml:"datatype"`
	Required bool           `yaml:"required"`
	Default  any            `yaml:"default"`
	Config   map[string]any `yaml:"config"`
}

// ParseSchema parses and validates one YAML schema document.
func ParseSchema(data []byte) (*schema.Schema, error) {
	var doc SchemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema document: %w", err)
	}
	return doc.Schema()
}

// LoadSchemaFile loads one schema document from disk.
func LoadSchemaFile(path string) (*schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema document: %w", err)
	}
	sch, err := ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return sch, nil
}

// LoadSchemaDir loads every .yaml/.yml document in a directory, keyed by
// slug. Duplicate slugs across files are an error.
func LoadSchemaDir(dir string) (map[string]*schema.Schema, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	out := make(map[string]*schema.Schema)
	for _, entry := range entries {
		if entry.IsDir() || !isSchemaFile(entry.Name()) {
			continue
		}
		sch, err := LoadSchemaFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := out[sch.Slug]; dup {
			return nil, fmt.Errorf("duplicate schema slug %q in %s", sch.Slug, entry.Name())
		}
		out[sch.Slug] = sch
	}
	return out, nil
}

func isSchemaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Schema converts the document to a validated runtime schema.
func (d *SchemaDoc) Schema() (*schema.Schema, error) {
	if d.Slug == "" {
		return nil, fmt.Errorf("schema document has no slug")
	}

	sch := &schema.Schema{
		ID:   d.ID,
		Slug: d.Slug,
	}
	if sch.ID == "" {
		sch.ID = d.Slug
	}

	for i := range d.Groups {
		if err := appendGroup(sch, &d.Groups[i], ""); err != nil {
			return nil, err
		}
	}

	if err := sch.Validate(); err != nil {
		return nil, fmt.Errorf("schema %q: %w", d.Slug, err)
	}
	return sch, nil
}

// appendGroup flattens one document group and its descendants onto the
// schema, synthesizing the grouping node.
func appendGroup(sch *schema.Schema, doc *GroupDoc, parentID string) error {
	if doc.Alias == "" {
		return fmt.Errorf("schema %q: group without alias", sch.Slug)
	}
	id := doc.ID
	if id == "" {
		id = doc.Alias
	}

	cardinality := schema.Cardinality(doc.Cardinality)
	switch cardinality {
	case schema.CardinalityOne, schema.CardinalityMany:
	case "":
		cardinality = schema.CardinalityMany
	default:
		return fmt.Errorf("schema %q: group %q: cardinality must be 'one' or 'many', got %q",
			sch.Slug, doc.Alias, doc.Cardinality)
	}

	group := schema.Group{
		ID:          id,
		Cardinality: cardinality,
		ParentID:    parentID,
		Nodes: []schema.Node{{
			ID:       id,
			Alias:    doc.Alias,
			Datatype: schema.DatatypeGrouping,
			GroupID:  id,
		}},
	}
	for _, nd := range doc.Nodes {
		node, err := nd.node(sch.Slug, id)
		if err != nil {
			return err
		}
		group.Nodes = append(group.Nodes, node)
	}
	sch.Groups = append(sch.Groups, group)

	for i := range doc.Groups {
		if err := appendGroup(sch, &doc.Groups[i], id); err != nil {
			return err
		}
	}
	return nil
}

func (d *NodeDoc) node(slug, groupID string) (schema.Node, error) {
	if d.Alias == "" {
		return schema.Node{}, fmt.Errorf("schema %q: group %q: node without alias", slug, groupID)
	}
	id := d.ID
	if id == "" {
		id = d.Alias
	}
	return schema.Node{
		ID:       id,
		Alias:    d.Alias,
		Datatype: d.Datatype,
		GroupID:  groupID,
		Required: d.Required,
		Default:  d.Default,
		Config:   d.Config,
	}, nil
}

// Slugs returns the sorted slugs of a loaded schema set.
func Slugs(schemas map[string]*schema.Schema) []string {
	out := make([]string, 0, len(schemas))
	for slug := range schemas {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
