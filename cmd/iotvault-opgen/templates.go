package main

import (
	"fmt"
	"strings"
	"text/template"
)

var funcMap = template.FuncMap{
	"hexByte": func(v int) string { return fmt.Sprintf("0x%02X", v) },
	"quote":   func(s string) string { return fmt.Sprintf("%q", s) },
}

const opcodeTmpl = `// Code generated by iotvault-opgen. DO NOT EDIT.

package {{.Package}}

// {{.Type}} identifies a request operation or a response status.
type {{.Type}} uint8

const (
{{- range $i, $c := .Codes}}
{{- if $i}}
{{end}}
	// {{$c.Name}} {{$c.Doc}}
	{{$c.Name}} {{$.Type}} = {{hexByte $c.Value}}
{{- end}}
)

// String returns the wire name of the code.
func (c {{.Type}}) String() string {
	switch c {
{{- range .Codes}}
	case {{.Name}}:
		return {{quote .Wire}}
{{- end}}
	default:
		return "UNKNOWN"
	}
}

// IsRequest reports whether c is a request operation.
func (c {{.Type}}) IsRequest() bool {
	switch c {
	case {{range $i, $c := .Requests}}{{if $i}},
		{{end}}{{$c.Name}}{{end}}:
		return true
	}
	return false
}

// IsStatus reports whether c is a response status.
func (c {{.Type}}) IsStatus() bool {
	switch c {
	case {{range $i, $c := .Statuses}}{{if $i}},
		{{end}}{{$c.Name}}{{end}}:
		return true
	}
	return false
}

// IsValid reports whether c is a known code.
func (c {{.Type}}) IsValid() bool {
	return c.IsRequest() || c.IsStatus()
}
`

var templates = template.Must(template.New("opcodes").Funcs(funcMap).Parse(opcodeTmpl))

type tableData struct {
	*Table
	Requests []CodeDef
	Statuses []CodeDef
}

// Generate renders the Go source for t. The output is not yet gofmt'ed.
func Generate(t *Table) (string, error) {
	data := tableData{
		Table:    t,
		Requests: t.OfKind(KindRequest),
		Statuses: t.OfKind(KindStatus),
	}
	if len(data.Requests) == 0 || len(data.Statuses) == 0 {
		return "", fmt.Errorf("table needs at least one request and one status")
	}

	var b strings.Builder
	if err := templates.Execute(&b, data); err != nil {
		return "", fmt.Errorf("template: %w", err)
	}
	return b.String(), nil
}
