package langfile

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

func parseYAML(data []byte) (*File, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	f := newFile(FormatYAML)
	// yaml.Unmarshal wraps the document in a DocumentNode.
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return f, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("YAML root must be a mapping, got kind %d", root.Kind)
	}

	// Detect Rails i18n style: single top-level key whose value is a mapping.
	if len(root.Content) == 2 {
		keyNode, valNode := root.Content[0], root.Content[1]
		if keyNode.Kind == yaml.ScalarNode && valNode.Kind == yaml.MappingNode && looksLikeLocale(keyNode.Value) {
			f.RootKey = keyNode.Value
			return f, collectYAML(valNode, nil, f)
		}
	}

	return f, collectYAML(root, nil, f)
}

// looksLikeLocale accepts "en", "pt-BR", "pt_BR" and "zh-Hant".
func looksLikeLocale(s string) bool {
	base, _, _ := strings.Cut(strings.ReplaceAll(s, "_", "-"), "-")
	if len(base) < 2 || len(base) > 3 {
		return false
	}
	for _, r := range base {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// collectYAML recursively walks a mapping node and appends leaf entries.
func collectYAML(node *yaml.Node, prefix []string, f *File) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		path := append(append([]string(nil), prefix...), keyNode.Value)

		switch {
		case valNode.Kind == yaml.MappingNode:
			if err := collectYAML(valNode, path, f); err != nil {
				return err
			}
		case valNode.Kind == yaml.ScalarNode && (valNode.Tag == "" || valNode.Tag == "!!str"):
			f.add(Entry{Path: path, Value: valNode.Value})
		default:
			// Numbers, booleans, null, sequences and aliases are passed
			// through as encoded YAML.
			raw, err := yaml.Marshal(valNode)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", strings.Join(path, "."), err)
			}
			encoded := strings.TrimRight(string(raw), "\n")
			if encoded == "" {
				encoded = "null"
			}
			f.add(Entry{Path: path, Raw: encoded})
		}
	}
	return nil
}

func (f *File) marshalYAML() ([]byte, error) {
	root, err := yamlMapping(f.tree())
	if err != nil {
		return nil, err
	}
	if f.RootKey != "" {
		root = &yaml.Node{
			Kind:    yaml.MappingNode,
			Content: []*yaml.Node{scalar(f.RootKey), root},
		}
	}
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	return yaml.Marshal(doc)
}

func yamlMapping(t *tree) (*yaml.Node, error) {
	m := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range t.keys {
		var val *yaml.Node
		if child, ok := t.children[key]; ok {
			n, err := yamlMapping(child)
			if err != nil {
				return nil, err
			}
			val = n
		} else {
			e := t.leaves[key]
			if e.Translatable() {
				val = scalar(e.Value)
			} else {
				var doc yaml.Node
				if err := yaml.Unmarshal([]byte(e.Raw), &doc); err != nil || len(doc.Content) == 0 {
					return nil, fmt.Errorf("decoding value of %s: %v", e.Key(), err)
				}
				val = doc.Content[0]
			}
		}
		m.Content = append(m.Content, scalar(key), val)
	}
	return m, nil
}

// scalar returns a string node. Empty strings are double-quoted so they
// stay strings.
func scalar(s string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
	if s == "" {
		n.Style = yaml.DoubleQuotedStyle
	}
	return n
}
