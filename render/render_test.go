package render

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestLayout(t *testing.T) {
	tests := []struct {
		name       string
		pxW, pxH   int
		dpi        float64
		offset     float64
		want       Placement
	}{
		{"exact 4x6 at 203dpi", 812, 1218, 203, -0.5, Placement{X: 0, Y: 0.25, W: 4, H: 6}},
		{"wide image fits width", 1600, 800, 200, -0.5, Placement{X: 0, Y: 2.25, W: 4, H: 2}},
		{"square image no offset", 203, 203, 203, 0, Placement{X: 0, Y: 1, W: 4, H: 4}},
		{"tall narrow image centred", 203, 609, 203, 0, Placement{X: 1, Y: 0, W: 2, H: 6}},
		{"missing dpi uses default", 812, 1218, 0, 0, Placement{X: 0, Y: 0, W: 4, H: 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Layout(tt.pxW, tt.pxH, tt.dpi, tt.dpi, LabelPage, tt.offset)
			if !approx(got.X, tt.want.X) || !approx(got.Y, tt.want.Y) || !approx(got.W, tt.want.W) || !approx(got.H, tt.want.H) {
				t.Errorf("Layout() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func pngWithDensity(t *testing.T, w, h int, ppm uint32) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.SetGray(x, h/2, color.Gray{Y: 0xff})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	if ppm == 0 {
		return data
	}

	payload := make([]byte, 9)
	binary.BigEndian.PutUint32(payload[0:4], ppm)
	binary.BigEndian.PutUint32(payload[4:8], ppm)
	payload[8] = 1
	chunk := make([]byte, 0, 21)
	chunk = binary.BigEndian.AppendUint32(chunk, 9)
	chunk = append(chunk, "pHYs"...)
	chunk = append(chunk, payload...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(append([]byte("pHYs"), payload...)))

	// IHDR is signature(8) + length(4) + type(4) + data(13) + crc(4).
	const ihdrEnd = 8 + 4 + 4 + 13 + 4
	out := append([]byte{}, data[:ihdrEnd]...)
	out = append(out, chunk...)
	return append(out, data[ihdrEnd:]...)
}

func TestResolution(t *testing.T) {
	x, y, ok := Resolution(pngWithDensity(t, 4, 4, 11811))
	if !ok || math.Abs(x-300) > 0.01 || math.Abs(y-300) > 0.01 {
		t.Errorf("PNG Resolution() = %v, %v, %v", x, y, ok)
	}

	if _, _, ok := Resolution(pngWithDensity(t, 4, 4, 0)); ok {
		t.Error("PNG without pHYs reported a resolution")
	}

	jfif := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x01, 0x00, 0xCB, 0x00, 0xCB, 0x00, 0x00, 0xFF, 0xD9}
	x, y, ok = Resolution(jfif)
	if !ok || x != 203 || y != 203 {
		t.Errorf("JPEG Resolution() = %v, %v, %v", x, y, ok)
	}

	if _, _, ok := Resolution([]byte("GIF89a")); ok {
		t.Error("GIF reported a resolution")
	}
}

func TestLabel_Render(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "label.png")
	if err := os.WriteFile(imgPath, pngWithDensity(t, 812, 1218, 7992), 0o644); err != nil {
		t.Fatal(err)
	}

	out := OutputPath(imgPath)
	if out != filepath.Join(dir, "label_label.pdf") {
		t.Errorf("OutputPath() = %q", out)
	}
	if err := NewLabel(LabelOptions{Offset: DefaultLabelOffset}, nil).Render(imgPath, out); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Errorf("output is not a PDF: %q", data[:min(len(data), 8)])
	}
}

func TestLabel_RenderRejectsNonImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.png")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewLabel(LabelOptions{}, nil).Render(path, filepath.Join(dir, "out.pdf")); err == nil {
		t.Error("expected error for undecodable image")
	}
}

func TestRewriteCIDs(t *testing.T) {
	dir := t.TempDir()
	saved := filepath.Join(dir, "logo.png")
	doc := `<p>Order</p><img src="cid:abc"><img src="cid:missing"><img src="https://example.com/x.png">`

	got, err := RewriteCIDs(doc, map[string]string{"abc": saved})
	if err != nil {
		t.Fatalf("RewriteCIDs() error = %v", err)
	}
	if want := `src="file://` + filepath.ToSlash(saved) + `"`; !strings.Contains(got, want) {
		t.Errorf("RewriteCIDs() = %q, want it to contain %q", got, want)
	}
	if strings.Contains(got, "cid:abc") {
		t.Errorf("resolved cid left in output: %q", got)
	}
	if !strings.Contains(got, `src="cid:missing"`) {
		t.Errorf("unresolved cid was changed: %q", got)
	}
	if !strings.Contains(got, `src="https://example.com/x.png"`) {
		t.Errorf("remote image was changed: %q", got)
	}
}

type fakeConverter struct {
	err     error
	calls   int
	lastIn  string
	lastOut string
}

func (f *fakeConverter) Convert(_ context.Context, in, out string) error {
	f.calls++
	f.lastIn, f.lastOut = in, out
	return f.err
}

func TestBody_Render(t *testing.T) {
	dir := t.TempDir()
	conv := &fakeConverter{}
	pdf, err := NewBody(conv, nil).Render(context.Background(), `<img src="cid:a">`, map[string]string{"a": filepath.Join(dir, "a.png")}, dir)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if pdf != filepath.Join(dir, BodyPDFName) || conv.lastOut != pdf {
		t.Errorf("pdf path = %q, converter got %q", pdf, conv.lastOut)
	}
	html, err := os.ReadFile(filepath.Join(dir, BodyHTMLName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(html), "file://") {
		t.Errorf("body html not rewritten: %q", html)
	}
}

func TestBody_RenderConverterFailure(t *testing.T) {
	dir := t.TempDir()
	conv := &fakeConverter{err: ErrToolMissing}
	if _, err := NewBody(conv, nil).Render(context.Background(), "<p>x</p>", nil, dir); !errors.Is(err, ErrToolMissing) {
		t.Fatalf("Render() error = %v, want ErrToolMissing", err)
	}
	if _, err := os.Stat(filepath.Join(dir, BodyHTMLName)); err != nil {
		t.Errorf("html file missing after failed conversion: %v", err)
	}
}

func TestWkhtmltopdf_MissingTool(t *testing.T) {
	w := Wkhtmltopdf{Command: "wkhtmltopdf-not-installed-for-tests"}
	err := w.Convert(context.Background(), "in.html", "out.pdf")
	if !errors.Is(err, ErrToolMissing) {
		t.Errorf("Convert() error = %v, want ErrToolMissing", err)
	}
}

func TestWkhtmltopdf_Args(t *testing.T) {
	got := strings.Join(Wkhtmltopdf{}.Args("in.html", "out.pdf"), " ")
	want := "--page-size Letter --enable-smart-shrinking --no-outline --print-media-type --dpi 300 --enable-local-file-access in.html out.pdf"
	if got != want {
		t.Errorf("Args() = %q, want %q", got, want)
	}
}

func TestPlainTextHTML(t *testing.T) {
	got := PlainTextHTML("PO Number: 1 <b>")
	if !strings.Contains(got, "PO Number: 1 &lt;b&gt;") {
		t.Errorf("PlainTextHTML() = %q", got)
	}
}
