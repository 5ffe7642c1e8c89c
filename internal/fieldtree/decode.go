package fieldtree

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"temporal-graphql/internal/engineerr"
)

type rawDocument struct {
	Context struct {
		ValidOn     string `mapstructure:"validOn"`
		AvailableOn string `mapstructure:"availableOn"`
	} `mapstructure:"context"`
	Fields []rawNode `mapstructure:"fields"`
}

type rawNode struct {
	Name   string         `mapstructure:"name"`
	Alias  string         `mapstructure:"alias"`
	Args   map[string]any `mapstructure:"args"`
	Fields []rawNode      `mapstructure:"fields"`
}

// DecodeDocument builds a document from its JSON form:
//
//	{"context": {"validOn": "...", "availableOn": "..."},
//	 "fields": [{"name": "breweries", "args": {...}, "fields": [...]}]}
func DecodeDocument(input map[string]any) (*Document, error) {
	var raw rawDocument
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &raw,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return nil, engineerr.Configf("", "malformed field tree: %v", err)
	}

	doc := &Document{
		ValidOn:     raw.Context.ValidOn,
		AvailableOn: raw.Context.AvailableOn,
	}
	for _, r := range raw.Fields {
		node, err := convertRaw(r, "")
		if err != nil {
			return nil, err
		}
		doc.Roots = append(doc.Roots, node)
	}
	return doc, nil
}

func convertRaw(r rawNode, parent string) (*Node, error) {
	if r.Name == "" {
		return nil, engineerr.Configf(parent, "field without a name")
	}
	node := &Node{Name: r.Name, Alias: r.Alias}
	path := engineerr.JoinPath(parent, node.ResponseKey())

	args, err := ParseArgs(r.Args, path)
	if err != nil {
		return nil, err
	}
	node.Args = args

	for _, c := range r.Fields {
		child, err := convertRaw(c, path)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}
