// Package output renders command results as text, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Formats lists the accepted --output values.
func Formats() []string {
	return []string{string(FormatText), string(FormatJSON), string(FormatYAML)}
}

// Writer handles output in the specified format.
type Writer struct {
	format Format
	w      io.Writer
	quiet  bool
}

// NewWriter creates a new output writer.
func NewWriter(w io.Writer, format Format) *Writer {
	return &Writer{format: format, w: w}
}

// WithQuiet suppresses informational messages. Results are still written.
func (w *Writer) WithQuiet(quiet bool) *Writer {
	w.quiet = quiet
	return w
}

// Format returns the configured format.
func (w *Writer) Format() Format { return w.format }

// IsText reports whether results are rendered for humans.
func (w *Writer) IsText() bool { return w.format == FormatText }

// Write outputs the given value in the configured format.
func (w *Writer) Write(v any) error {
	switch w.format {
	case FormatJSON:
		enc := json.NewEncoder(w.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		if s, ok := v.(fmt.Stringer); ok {
			_, err := fmt.Fprintln(w.w, s.String())
			return err
		}
		_, err := fmt.Fprintf(w.w, "%+v\n", v)
		return err
	}
}

// Infof prints a message in text mode unless quiet. Machine readable output
// never carries messages.
func (w *Writer) Infof(format string, args ...any) {
	if !w.IsText() || w.quiet {
		return
	}
	_, _ = fmt.Fprintf(w.w, format+"\n", args...)
}

// ParseFormat parses a format string into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}
