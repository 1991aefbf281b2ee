package contacts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a contact book from a JSON or YAML file keyed by canonical
// name. Entries may be a mapping or a plain phone string.
func LoadFile(path string) (map[string]Contact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contacts: %w", err)
	}
	return Parse(data)
}

// Parse decodes a contact book. JSON input is accepted since it is valid YAML.
func Parse(data []byte) (map[string]Contact, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse contacts: %w", err)
	}
	book := make(map[string]Contact, len(raw))
	for name, node := range raw {
		var c Contact
		switch node.Kind {
		case yaml.ScalarNode:
			c.Phone = node.Value
		case yaml.MappingNode:
			if err := node.Decode(&c); err != nil {
				return nil, fmt.Errorf("contact %q: %w", name, err)
			}
		default:
			return nil, fmt.Errorf("contact %q: unsupported entry", name)
		}
		if c.Name == "" {
			c.Name = name
		}
		book[name] = c
	}
	return book, nil
}
