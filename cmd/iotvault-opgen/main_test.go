package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleTable = `
package: wire
type: OpCode
codes:
  - name: OpPing
    value: 0x01
    wire: OP_PING
    kind: request
    doc: checks liveness.
  - name: OpEcho
    value: 0x02
    wire: OP_ECHO
    kind: request
    doc: echoes its payload.
  - name: StatusOK
    value: 0x80
    wire: OK
    kind: status
    doc: indicates success.
`

func mustContain(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Errorf("output missing %q\n--- output ---\n%s", want, output)
	}
}

func TestGenerate(t *testing.T) {
	table, err := ParseTable([]byte(sampleTable))
	if err != nil {
		t.Fatalf("ParseTable failed: %v", err)
	}
	output, err := Generate(table)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	mustContain(t, output, "// Code generated by iotvault-opgen. DO NOT EDIT.")
	mustContain(t, output, "package wire")
	mustContain(t, output, "type OpCode uint8")
	mustContain(t, output, "// OpPing checks liveness.")
	mustContain(t, output, "OpEcho OpCode = 0x02")
	mustContain(t, output, "StatusOK OpCode = 0x80")
	mustContain(t, output, `return "OP_ECHO"`)
	mustContain(t, output, "case OpPing,\n\t\tOpEcho:")
	mustContain(t, output, "case StatusOK:\n\t\treturn true")
}

func TestParseTableErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no codes", "package: wire\ntype: OpCode\n", "no codes"},
		{"bad name", "package: wire\ntype: OpCode\ncodes:\n  - {name: opLower, value: 1, wire: X, kind: request}\n", "invalid Go name"},
		{"too large", "package: wire\ntype: OpCode\ncodes:\n  - {name: OpBig, value: 256, wire: X, kind: request}\n", "does not fit"},
		{"bad kind", "package: wire\ntype: OpCode\ncodes:\n  - {name: OpA, value: 1, wire: X, kind: event}\n", "kind must be"},
		{"duplicate value", "package: wire\ntype: OpCode\ncodes:\n  - {name: OpA, value: 1, wire: A, kind: request}\n  - {name: OpB, value: 1, wire: B, kind: request}\n", "share value 0x01"},
		{"duplicate wire", "package: wire\ntype: OpCode\ncodes:\n  - {name: OpA, value: 1, wire: A, kind: request}\n  - {name: OpB, value: 2, wire: A, kind: request}\n", "duplicate wire"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTable([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ParseTable() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateRequiresBothKinds(t *testing.T) {
	table, err := ParseTable([]byte("package: wire\ntype: OpCode\ncodes:\n  - {name: OpA, value: 1, wire: A, kind: request}\n"))
	if err != nil {
		t.Fatalf("ParseTable failed: %v", err)
	}
	if _, err := Generate(table); err == nil {
		t.Fatal("Generate succeeded without status codes")
	}
}

func TestCheckedInTableIsValid(t *testing.T) {
	table, err := LoadTable(filepath.Join("..", "..", "pkg", "wire", "opcodes.yaml"))
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if got := len(table.OfKind(KindRequest)); got != 14 {
		t.Errorf("requests = %d, want 14", got)
	}
	if got := len(table.OfKind(KindStatus)); got != 9 {
		t.Errorf("statuses = %d, want 9", got)
	}
}

func TestRunWritesFormattedFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "opcodes.yaml")
	out := filepath.Join(dir, "opcode_gen.go")
	if err := os.WriteFile(in, []byte(sampleTable), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(in, out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	mustContain(t, string(data), "func (c OpCode) IsValid() bool {")
}
