package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strconv"
)

// Pipeline renders templates with field values. It is stateless and
// safe for concurrent use across documents; for a single document the
// autosave scheduler invokes it serially.
type Pipeline struct {
	source TemplateSource
}

func NewPipeline(source TemplateSource) *Pipeline {
	return &Pipeline{source: source}
}

type renderedField struct {
	Key     string
	Label   string
	Value   string
	Missing bool
}

type templateData struct {
	Name   string
	Fields []renderedField
}

// fallbackBody renders templates that ship without a body of their own.
const fallbackBody = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<table>
{{range .Fields}}<tr><td>{{.Label}}</td><td>{{if .Missing}}&mdash;{{else}}{{.Value}}{{end}}</td></tr>
{{end}}</table>
</body>
</html>`

// Render produces the preview for templateID filled with values.
// Validation problems (missing required field, type mismatch) are
// returned as advisory field errors alongside the rendered bytes; the
// render itself only fails when the template cannot be loaded or its
// body does not parse.
func (p *Pipeline) Render(ctx context.Context, templateID string, values map[string]any) (Result, error) {
	tmpl, err := p.source.Template(ctx, templateID)
	if err != nil {
		return Result{}, fmt.Errorf("load template %s: %w", templateID, err)
	}

	var result Result
	data := templateData{Name: tmpl.Name}
	for _, spec := range tmpl.Fields {
		rf := renderedField{Key: spec.Key, Label: spec.Label}
		raw, ok := values[spec.Key]
		if !ok || raw == nil {
			rf.Missing = true
			if spec.Required {
				result.FieldErrors = append(result.FieldErrors, FieldError{
					Key:     spec.Key,
					Message: "required field is missing",
				})
			}
			data.Fields = append(data.Fields, rf)
			continue
		}

		formatted, ok := formatValue(spec.Type, raw)
		if !ok {
			result.FieldErrors = append(result.FieldErrors, FieldError{
				Key:     spec.Key,
				Message: fmt.Sprintf("expected %s value", spec.Type),
			})
			// render the raw value anyway so the preview shows what was typed
			formatted = fmt.Sprintf("%v", raw)
		}
		rf.Value = formatted
		data.Fields = append(data.Fields, rf)
	}

	body := tmpl.Body
	if body == "" {
		body = fallbackBody
	}
	parsed, err := template.New(tmpl.ID).Parse(body)
	if err != nil {
		return Result{}, fmt.Errorf("parse template %s: %w", templateID, err)
	}

	var buf bytes.Buffer
	if err := parsed.Execute(&buf, data); err != nil {
		return Result{}, fmt.Errorf("execute template %s: %w", templateID, err)
	}
	result.HTML = buf.Bytes()
	return result, nil
}

func formatValue(ft FieldType, raw any) (string, bool) {
	switch ft {
	case FieldString:
		s, ok := raw.(string)
		return s, ok
	case FieldNumber:
		switch n := raw.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), true
		case float32:
			return strconv.FormatFloat(float64(n), 'f', -1, 64), true
		case int:
			return strconv.Itoa(n), true
		case int32:
			return strconv.FormatInt(int64(n), 10), true
		case int64:
			return strconv.FormatInt(n, 10), true
		default:
			return "", false
		}
	case FieldBoolean:
		b, ok := raw.(bool)
		if !ok {
			return "", false
		}
		if b {
			return "Yes", true
		}
		return "No", true
	default:
		return fmt.Sprintf("%v", raw), true
	}
}
