package output

import (
	"bytes"
	"strings"
	"testing"
)

type sample struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (s sample) String() string { return s.Name + " " + s.Version }

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"json", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWrite(t *testing.T) {
	v := sample{Name: "airdb", Version: "1.2.0"}

	tests := []struct {
		format Format
		want   string
	}{
		{FormatText, "airdb 1.2.0\n"},
		{FormatJSON, "{\n  \"name\": \"airdb\",\n  \"version\": \"1.2.0\"\n}\n"},
		{FormatYAML, "name: airdb\nversion: 1.2.0\n"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewWriter(&buf, tt.format).Write(v); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("Write() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestInfof(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, FormatText).Infof("staged %s", "1.2.0")
	if buf.String() != "staged 1.2.0\n" {
		t.Errorf("Infof() = %q", buf.String())
	}

	buf.Reset()
	NewWriter(&buf, FormatJSON).Infof("staged %s", "1.2.0")
	NewWriter(&buf, FormatText).WithQuiet(true).Infof("staged %s", "1.2.0")
	if strings.TrimSpace(buf.String()) != "" {
		t.Errorf("Infof() wrote %q in json or quiet mode", buf.String())
	}
}
