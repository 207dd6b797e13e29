package render

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Converter turns rendered preview HTML into the final binary artifact.
// Conversion is a black box to the rest of the engine; tests inject a
// fake.
type Converter interface {
	Convert(ctx context.Context, html []byte, title string) ([]byte, error)
}

// ChromeConverter produces letter-sized PDFs with headless Chrome.
// ExecPath overrides binary discovery when the workstation bundles its
// own chromium.
type ChromeConverter struct {
	Timeout  time.Duration
	ExecPath string
}

func NewChromeConverter(execPath string) *ChromeConverter {
	return &ChromeConverter{Timeout: 30 * time.Second, ExecPath: execPath}
}

func (c *ChromeConverter) Convert(ctx context.Context, html []byte, title string) ([]byte, error) {
	if c.ExecPath == "" {
		if _, err := exec.LookPath("chromium-browser"); err != nil {
			if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
				return nil, fmt.Errorf("%w: chromium not installed", ErrConverterUnavailable)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// data URLs need %20 for spaces, not the + that url.QueryEscape emits
	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(string(html))

	var pdfData []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5).
				WithPaperHeight(11.0).
				WithMarginTop(0.75).
				WithMarginBottom(0.75).
				WithMarginLeft(0.75).
				WithMarginRight(0.75).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed (%s): %w", title, err)
	}
	return pdfData, nil
}

func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}
