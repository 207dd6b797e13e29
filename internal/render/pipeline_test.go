package render

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func billOfSaleTemplate() Template {
	return Template{
		ID:   "tmpl-bill-of-sale",
		Name: "Bill of Sale",
		Fields: []FieldSpec{
			{Key: "buyer_name", Label: "Buyer", Type: FieldString, Required: true},
			{Key: "price", Label: "Sale Price", Type: FieldNumber, Required: true},
			{Key: "as_is", Label: "Sold As-Is", Type: FieldBoolean},
		},
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	p := NewPipeline(NewStaticSource(billOfSaleTemplate()))
	values := map[string]any{"buyer_name": "Dana Reyes", "price": float64(15250.50), "as_is": true}

	first, err := p.Render(context.Background(), "tmpl-bill-of-sale", values)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := p.Render(context.Background(), "tmpl-bill-of-sale", values)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !bytes.Equal(first.HTML, second.HTML) {
		t.Fatal("identical inputs must produce byte-identical output")
	}
	if len(first.FieldErrors) != 0 {
		t.Fatalf("unexpected field errors: %v", first.FieldErrors)
	}
	for _, want := range []string{"Dana Reyes", "15250.5", "Yes"} {
		if !strings.Contains(string(first.HTML), want) {
			t.Fatalf("rendered HTML missing %q", want)
		}
	}
}

func TestRenderReportsMissingRequiredField(t *testing.T) {
	p := NewPipeline(NewStaticSource(billOfSaleTemplate()))

	result, err := p.Render(context.Background(), "tmpl-bill-of-sale", map[string]any{"buyer_name": "Dana"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(result.FieldErrors) != 1 || result.FieldErrors[0].Key != "price" {
		t.Fatalf("field errors = %v, want missing price", result.FieldErrors)
	}
	if !result.Blocking() {
		t.Fatal("missing required field must block finalize")
	}
	if len(result.HTML) == 0 {
		t.Fatal("advisory errors must not block rendering")
	}
}

func TestRenderReportsTypeMismatchButKeepsRawValue(t *testing.T) {
	p := NewPipeline(NewStaticSource(billOfSaleTemplate()))

	result, err := p.Render(context.Background(), "tmpl-bill-of-sale", map[string]any{
		"buyer_name": "Dana",
		"price":      "fifteen thousand",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(result.FieldErrors) != 1 || result.FieldErrors[0].Key != "price" {
		t.Fatalf("field errors = %v, want price mismatch", result.FieldErrors)
	}
	if !strings.Contains(string(result.HTML), "fifteen thousand") {
		t.Fatal("preview should still show what was typed")
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	p := NewPipeline(NewStaticSource())
	if _, err := p.Render(context.Background(), "missing", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("Render() error = %v, want ErrTemplateNotFound", err)
	}
}

func TestRenderCustomTemplateBody(t *testing.T) {
	tmpl := billOfSaleTemplate()
	tmpl.Body = `<p>Sold to {{range .Fields}}{{if eq .Key "buyer_name"}}{{.Value}}{{end}}{{end}}</p>`
	p := NewPipeline(NewStaticSource(tmpl))

	result, err := p.Render(context.Background(), tmpl.ID, map[string]any{"buyer_name": "Dana", "price": float64(1)})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if string(result.HTML) != "<p>Sold to Dana</p>" {
		t.Fatalf("rendered = %q", result.HTML)
	}
}

type failingSource struct{ calls int }

func (f *failingSource) Template(context.Context, string) (Template, error) {
	f.calls++
	if f.calls == 1 {
		return billOfSaleTemplate(), nil
	}
	return Template{}, errors.New("upstream unreachable")
}

func TestCachedSourceServesStaleCopyOffline(t *testing.T) {
	upstream := &failingSource{}
	src := NewCachedSource(upstream)

	if _, err := src.Template(context.Background(), "tmpl-bill-of-sale"); err != nil {
		t.Fatalf("first fetch error = %v", err)
	}
	tmpl, err := src.Template(context.Background(), "tmpl-bill-of-sale")
	if err != nil {
		t.Fatalf("cached fetch error = %v", err)
	}
	if tmpl.Name != "Bill of Sale" {
		t.Fatalf("cached template = %+v", tmpl)
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b<c>")
	if got != "a%20b%3Cc%3E" {
		t.Fatalf("percentEncodeForDataURL = %q", got)
	}
}
