// Package render turns a document template plus field values into a
// previewable artifact. Rendering is pure: identical inputs produce
// byte-identical output, and field problems are reported as advisory
// errors rather than failures.
package render

import (
	"context"
	"errors"
)

// FieldType constrains what a template field may hold.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
)

// FieldSpec describes one fillable field of a template.
type FieldSpec struct {
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Template is a document template: the field schema plus the renderer
// body (an html/template source). Templates come from an external
// provider and are assumed available offline via the cached source.
type Template struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Fields []FieldSpec `json:"fields"`
	Body   string      `json:"body"`
}

// FieldError is an advisory problem with a field value: missing
// required field or type mismatch. Field errors block finalize but
// never block saving the raw value.
type FieldError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Result is the output of one render: the preview bytes and any
// advisory field errors.
type Result struct {
	HTML        []byte
	FieldErrors []FieldError
}

// Blocking reports whether the result carries errors that must block
// finalization.
func (r Result) Blocking() bool {
	return len(r.FieldErrors) > 0
}

// TemplateSource supplies templates by id.
type TemplateSource interface {
	Template(ctx context.Context, templateID string) (Template, error)
}

var (
	// ErrTemplateNotFound indicates the provider has no such template.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrConverterUnavailable indicates PDF conversion dependencies are
	// missing on this host.
	ErrConverterUnavailable = errors.New("pdf converter unavailable")
)
