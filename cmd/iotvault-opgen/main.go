// Command iotvault-opgen generates the OpCode table of pkg/wire from
// opcodes.yaml.
//
// Usage:
//
//	iotvault-opgen -input opcodes.yaml -output opcode_gen.go
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/tools/imports"
)

func main() {
	input := flag.String("input", "opcodes.yaml", "Opcode table YAML")
	output := flag.String("output", "opcode_gen.go", "Generated Go file")
	flag.Parse()

	if err := run(*input, *output); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(input, output string) error {
	table, err := LoadTable(input)
	if err != nil {
		return fmt.Errorf("loading %s: %w", input, err)
	}
	code, err := Generate(table)
	if err != nil {
		return err
	}
	if err := writeFormatted(output, code); err != nil {
		return err
	}
	fmt.Printf("  generated %s (%d codes)\n", output, len(table.Codes))
	return nil
}

// writeFormatted formats Go source code with goimports and writes it to a file.
func writeFormatted(path string, code string) error {
	formatted, err := imports.Process(path, []byte(code), nil)
	if err != nil {
		// Write unformatted so you can debug the generator output
		_ = os.WriteFile(path+".broken", []byte(code), 0o644)
		return fmt.Errorf("goimports %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, formatted, 0o644)
}
