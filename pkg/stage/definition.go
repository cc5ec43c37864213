package stage

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// Count is the fixed number of stages in a pipeline.
const Count = 3

// Definition describes one stage.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Ordinal     int    `json:"ordinal" yaml:"ordinal"`
	OutputKey   string `json:"output_key" yaml:"output_key"`
	Description string `json:"description" yaml:"description"`
	Template    string `json:"instruction" yaml:"instruction"`

	tmpl *template.Template
}

// Output is a finished stage's text as seen by later stages.
type Output struct {
	Stage     string
	OutputKey string
	Text      string
}

// Input is everything a stage needs for one run.
type Input struct {
	Query string
	Prior []Output
}

type templateData struct {
	Query    string
	Outputs  map[string]string
	Prior    []Output
	Previous string
}

func newTemplateData(in Input) templateData {
	data := templateData{
		Query:   in.Query,
		Outputs: make(map[string]string, len(in.Prior)),
		Prior:   in.Prior,
	}
	for _, p := range in.Prior {
		data.Outputs[p.OutputKey] = p.Text
	}
	if n := len(in.Prior); n > 0 {
		data.Previous = in.Prior[n-1].Text
	}
	return data
}

func (d *Definition) parse() (*template.Template, error) {
	return template.New(d.Name).Option("missingkey=error").Parse(d.Template)
}

// Instruction renders the stage's instruction for in.
func (d *Definition) Instruction(in Input) (string, error) {
	tmpl := d.tmpl
	if tmpl == nil {
		var err error
		if tmpl, err = d.parse(); err != nil {
			return "", fmt.Errorf("failed to parse instruction for stage %s: %w", d.Name, err)
		}
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, newTemplateData(in)); err != nil {
		return "", fmt.Errorf("failed to render instruction for stage %s: %w", d.Name, err)
	}
	return sb.String(), nil
}

// Validate checks defs form a complete pipeline and compiles their templates.
// Each template is dry-run with placeholder outputs of the earlier stages, so
// a reference to a later stage's output is caught here.
func Validate(defs []*Definition) error {
	if len(defs) != Count {
		return fmt.Errorf("expected %d stages, got %d", Count, len(defs))
	}

	seenNames := make(map[string]bool)
	seenKeys := make(map[string]bool)
	var prior []Output
	var errs []error

	for i, d := range defs {
		if d == nil {
			return fmt.Errorf("stage at index %d is nil", i)
		}
		if d.Ordinal != i+1 {
			errs = append(errs, fmt.Errorf("stage %q at index %d has ordinal %d, want %d", d.Name, i, d.Ordinal, i+1))
		}
		if strings.TrimSpace(d.Name) == "" {
			errs = append(errs, fmt.Errorf("stage at index %d has no name", i))
		} else if seenNames[d.Name] {
			errs = append(errs, fmt.Errorf("duplicate stage name: %s", d.Name))
		}
		seenNames[d.Name] = true

		if strings.TrimSpace(d.OutputKey) == "" {
			errs = append(errs, fmt.Errorf("stage %q has no output_key", d.Name))
		} else if seenKeys[d.OutputKey] {
			errs = append(errs, fmt.Errorf("duplicate output_key: %s", d.OutputKey))
		}
		seenKeys[d.OutputKey] = true

		if strings.TrimSpace(d.Template) == "" {
			errs = append(errs, fmt.Errorf("stage %q has an empty instruction", d.Name))
			continue
		}
		tmpl, err := d.parse()
		if err != nil {
			errs = append(errs, fmt.Errorf("stage %q: %w", d.Name, err))
			continue
		}
		d.tmpl = tmpl
		if _, err := d.Instruction(Input{Query: "query", Prior: prior}); err != nil {
			errs = append(errs, err)
		}
		prior = append(prior, Output{Stage: d.Name, OutputKey: d.OutputKey, Text: "output"})
	}

	return errors.Join(errs...)
}

// Names returns the stage names in order.
func Names(defs []*Definition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}
