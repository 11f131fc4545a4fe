package helpers

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestData is a test struct with header tags.
type TestData struct {
	Name  string `header:"Name" json:"name" yaml:"name"`
	Value int    `header:"Value" json:"value" yaml:"value"`
	Extra string // No header tag, should be ignored
}

type hexValue uint64

func (h hexValue) String() string { return "0x" + strings.Repeat("f", int(h)) }

type stringerRow struct {
	Addr hexValue `header:"Address"`
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		format  OutputFormat
		wantErr bool
	}{
		{name: "text formatter", format: FormatText},
		{name: "json formatter", format: FormatJSON},
		{name: "yaml formatter", format: FormatYAML},
		{name: "csv is not supported", format: OutputFormat("csv"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFormatter(tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == nil {
				t.Errorf("NewFormatter() returned nil formatter")
			}
		})
	}
}

func TestJSONFormatter_Format(t *testing.T) {
	tests := []struct {
		name string
		data interface{}
	}{
		{
			name: "format slice of structs",
			data: []TestData{
				{Name: "test1", Value: 1, Extra: "ignored"},
				{Name: "test2", Value: 2, Extra: "also ignored"},
			},
		},
		{name: "format empty slice", data: []TestData{}},
		{name: "format single struct", data: TestData{Name: "single", Value: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &JSONFormatter{}
			buf := &bytes.Buffer{}
			if err := f.Format(tt.data, buf); err != nil {
				t.Fatalf("JSONFormatter.Format() error = %v", err)
			}

			var result interface{}
			if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
				t.Errorf("JSONFormatter.Format() produced invalid JSON: %v", err)
			}
		})
	}
}

func TestYAMLFormatter_Format(t *testing.T) {
	f := &YAMLFormatter{}
	buf := &bytes.Buffer{}
	if err := f.Format(TestData{Name: "single", Value: 42}, buf); err != nil {
		t.Fatalf("YAMLFormatter.Format() error = %v", err)
	}

	var got TestData
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("YAMLFormatter.Format() produced invalid YAML: %v", err)
	}
	if got.Name != "single" || got.Value != 42 {
		t.Errorf("YAMLFormatter.Format() = %+v", got)
	}
}

func TestTableFormatter_Format(t *testing.T) {
	tests := []struct {
		name         string
		data         interface{}
		wantErr      bool
		wantContains []string
	}{
		{
			name: "format slice of structs",
			data: []TestData{
				{Name: "test1", Value: 1, Extra: "ignored"},
				{Name: "test2", Value: 2, Extra: "ignored"},
			},
			wantContains: []string{
				"Name", "Value",
				"test1", "1",
				"test2", "2",
			},
		},
		{
			name:         "stringer fields",
			data:         []stringerRow{{Addr: 4}},
			wantContains: []string{"Address", "0xffff"},
		},
		{
			name: "format empty slice",
			data: []TestData{},
		},
		{
			name:    "format non-slice data",
			data:    TestData{Name: "single", Value: 42},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &TableFormatter{}
			buf := &bytes.Buffer{}
			err := f.Format(tt.data, buf)
			if (err != nil) != tt.wantErr {
				t.Errorf("TableFormatter.Format() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			output := buf.String()
			for _, want := range tt.wantContains {
				if !strings.Contains(output, want) {
					t.Errorf("TableFormatter.Format() output missing %q\nGot: %s", want, output)
				}
			}
			if strings.Contains(output, "ignored") {
				t.Errorf("TableFormatter.Format() rendered an untagged field\nGot: %s", output)
			}
		})
	}
}

func TestTableFormatter_AlignsColumns(t *testing.T) {
	f := &TableFormatter{}
	buf := &bytes.Buffer{}
	data := []TestData{{Name: "a", Value: 1}, {Name: "longer-name", Value: 2}}
	if err := f.Format(data, buf); err != nil {
		t.Fatalf("TableFormatter.Format() error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %d lines", len(lines))
	}
	want := strings.Index(lines[2], "2")
	if got := strings.Index(lines[1], "1"); got != want {
		t.Errorf("value columns not aligned: %d vs %d\n%s", got, want, buf.String())
	}
}
