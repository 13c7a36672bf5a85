package main

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Table is the parsed opcodes.yaml.
type Table struct {
	Package string    `yaml:"package"`
	Type    string    `yaml:"type"`
	Codes   []CodeDef `yaml:"codes"`
}

// CodeDef is one operation or status code.
type CodeDef struct {
	Name  string `yaml:"name"`
	Value int    `yaml:"value"`
	Wire  string `yaml:"wire"`
	Kind  string `yaml:"kind"` // "request" or "status"
	Doc   string `yaml:"doc"`
}

const (
	KindRequest = "request"
	KindStatus  = "status"
)

var goIdent = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)

// LoadTable reads and validates a table file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTable(data)
}

// ParseTable decodes and validates table YAML.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks names, values and kinds for consistency.
func (t *Table) Validate() error {
	if t.Package == "" || t.Type == "" {
		return fmt.Errorf("package and type are required")
	}
	if len(t.Codes) == 0 {
		return fmt.Errorf("no codes defined")
	}

	names := make(map[string]bool)
	values := make(map[int]string)
	wires := make(map[string]bool)
	for _, c := range t.Codes {
		if !goIdent.MatchString(c.Name) {
			return fmt.Errorf("invalid Go name %q", c.Name)
		}
		if c.Value < 0 || c.Value > 0xFF {
			return fmt.Errorf("%s: value 0x%X does not fit in a byte", c.Name, c.Value)
		}
		if c.Wire == "" {
			return fmt.Errorf("%s: wire name required", c.Name)
		}
		if c.Kind != KindRequest && c.Kind != KindStatus {
			return fmt.Errorf("%s: kind must be %q or %q, got %q", c.Name, KindRequest, KindStatus, c.Kind)
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate name %s", c.Name)
		}
		if other, ok := values[c.Value]; ok {
			return fmt.Errorf("%s and %s share value 0x%02X", other, c.Name, c.Value)
		}
		if wires[c.Wire] {
			return fmt.Errorf("duplicate wire name %s", c.Wire)
		}
		names[c.Name] = true
		values[c.Value] = c.Name
		wires[c.Wire] = true
	}
	return nil
}

// OfKind returns the codes of one kind in table order.
func (t *Table) OfKind(kind string) []CodeDef {
	var out []CodeDef
	for _, c := range t.Codes {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
