package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	BodyHTMLName = "email_body.html"
	BodyPDFName  = "email_body.pdf"

	DefaultHTMLToPDFCommand = "wkhtmltopdf"
	DefaultDPI              = 300
)

// ErrToolMissing is returned when the conversion command cannot be found.
var ErrToolMissing = errors.New("html to pdf tool not found")

// Converter turns a local HTML file into a letter-size PDF.
type Converter interface {
	Convert(ctx context.Context, htmlPath, pdfPath string) error
}

// Wkhtmltopdf runs the wkhtmltopdf command line tool.
type Wkhtmltopdf struct {
	Command string
	DPI     int
}

// Args returns the command line used for a conversion.
func (w Wkhtmltopdf) Args(htmlPath, pdfPath string) []string {
	dpi := w.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return []string{
		"--page-size", "Letter",
		"--enable-smart-shrinking",
		"--no-outline",
		"--print-media-type",
		"--dpi", strconv.Itoa(dpi),
		"--enable-local-file-access",
		htmlPath,
		pdfPath,
	}
}

func (w Wkhtmltopdf) Convert(ctx context.Context, htmlPath, pdfPath string) error {
	command := w.Command
	if command == "" {
		command = DefaultHTMLToPDFCommand
	}
	bin, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrToolMissing, command)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, w.Args(htmlPath, pdfPath)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Body renders message bodies into the order folder.
type Body struct {
	converter Converter
	logger    *slog.Logger
}

func NewBody(converter Converter, logger *slog.Logger) *Body {
	return &Body{converter: converter, logger: logger}
}

// Render rewrites cid: references, writes email_body.html and converts it to
// email_body.pdf. The HTML file is kept even when conversion fails.
func (b *Body) Render(ctx context.Context, body string, inline map[string]string, folder string) (string, error) {
	rewritten, err := RewriteCIDs(body, inline)
	if err != nil {
		return "", fmt.Errorf("rewrite cid references: %w", err)
	}

	htmlPath := filepath.Join(folder, BodyHTMLName)
	if err := os.WriteFile(htmlPath, []byte(rewritten), 0o644); err != nil {
		return "", fmt.Errorf("write body html: %w", err)
	}

	pdfPath := filepath.Join(folder, BodyPDFName)
	if err := b.converter.Convert(ctx, htmlPath, pdfPath); err != nil {
		return "", err
	}
	if b.logger != nil {
		b.logger.Debug("body rendered", "html", htmlPath, "pdf", pdfPath)
	}
	return pdfPath, nil
}

// RewriteCIDs replaces <img src="cid:ID"> with a file:// URL for every ID
// present in inline. Unknown IDs are left untouched.
func RewriteCIDs(doc string, inline map[string]string) (string, error) {
	root, err := nethtml.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}

	var walk func(n *nethtml.Node)
	walk = func(n *nethtml.Node) {
		if n.Type == nethtml.ElementNode && n.DataAtom == atom.Img {
			for i, attr := range n.Attr {
				if attr.Key != "src" || !strings.HasPrefix(strings.ToLower(attr.Val), "cid:") {
					continue
				}
				id := strings.Trim(attr.Val[len("cid:"):], "<>")
				if path, ok := inline[id]; ok {
					n.Attr[i].Val = FileURL(path)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	var buf bytes.Buffer
	if err := nethtml.Render(&buf, root); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FileURL returns an absolute file:// URL for path.
func FileURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// PlainTextHTML wraps a plain-text body so it can be rendered like HTML.
func PlainTextHTML(text string) string {
	return "<html><body><pre style=\"white-space: pre-wrap; font-family: sans-serif\">" +
		html.EscapeString(text) + "</pre></body></html>"
}
