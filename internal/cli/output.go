package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"livesync/internal/models"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

// Print writes v as indented JSON, or as text produced by text.
func (f *OutputFormatter) Print(v any, text func(w io.Writer)) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(f.Writer)
	return nil
}

// PrintPushed lists pending events in text form.
func PrintPushed(w io.Writer, b *models.PushBatch) {
	for _, c := range b.Creations {
		fmt.Fprintf(w, "+ %s/%s v%d %s\n", c.Subclass, c.ID, c.Version, formatValues(c.Values))
	}
	for _, u := range b.Updates {
		fmt.Fprintf(w, "~ %s/%s v%d %s\n", u.Subclass, u.ID, u.Version, formatValues(u.Values))
	}
	for _, d := range b.Deletions {
		fmt.Fprintf(w, "- %s/%s\n", d.Subclass, d.ID)
	}
}

func printObjects(w io.Writer, label string, objects []models.ObjectState) {
	for _, o := range objects {
		fmt.Fprintf(w, "%s %s/%s v%d %s\n", label, o.Subclass, o.ID, o.Version, formatValues(o.Values))
	}
}

func formatValues(values []models.ValuePair) string {
	parts := make([]string, 0, len(values))
	for _, p := range values {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Key, formatValue(p.Value)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case *models.RefSpec:
		if v == nil || v.Type == models.RefNull {
			return "null"
		}
		return fmt.Sprintf("@%s/%s", v.Subclass, v.ID)
	default:
		return fmt.Sprint(v)
	}
}

// parseRef reads "subclass/id".
func parseRef(s string) (models.RefSpec, error) {
	subclass, id, ok := strings.Cut(s, "/")
	if !ok || subclass == "" || id == "" {
		return models.RefSpec{}, fmt.Errorf("invalid object %q: want subclass/id", s)
	}
	return models.RefSpec{Type: models.RefGlobal, Subclass: subclass, ID: id}, nil
}
