package render

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"
)

const (
	// DefaultLabelDPI is assumed when the image carries no resolution metadata.
	DefaultLabelDPI = 203
	// DefaultLabelOffset biases the label vertically, in inches.
	DefaultLabelOffset = -0.5
)

// LabelPage is the 4x6 inch thermal label stock.
var LabelPage = Page{Width: 4, Height: 6}

// Page is a page size in inches.
type Page struct {
	Width  float64
	Height float64
}

// Placement positions an image on a page, in inches from the top-left corner.
type Placement struct {
	X, Y, W, H float64
}

// Layout scales an image of pxW x pxH pixels at the given resolution to fit
// the page while keeping its aspect ratio. The image is centred horizontally;
// vertically its bottom edge sits at offset + (page - h - offset)/2 measured
// from the bottom of the page.
func Layout(pxW, pxH int, dpiX, dpiY float64, page Page, offset float64) Placement {
	if dpiX <= 0 {
		dpiX = DefaultLabelDPI
	}
	if dpiY <= 0 {
		dpiY = DefaultLabelDPI
	}
	wIn := float64(pxW) / dpiX
	hIn := float64(pxH) / dpiY
	if wIn <= 0 || hIn <= 0 {
		return Placement{}
	}

	scale := page.Width / wIn
	if s := page.Height / hIn; s < scale {
		scale = s
	}
	w := wIn * scale
	h := hIn * scale

	x := (page.Width - w) / 2
	bottom := offset + (page.Height-h-offset)/2
	return Placement{X: x, Y: page.Height - bottom - h, W: w, H: h}
}

// Label renders shipping label images onto a single label page.
type Label struct {
	page       Page
	defaultDPI float64
	offset     float64
	logger     *slog.Logger
}

type LabelOptions struct {
	Page       Page
	DefaultDPI float64
	Offset     float64
}

func NewLabel(opts LabelOptions, logger *slog.Logger) *Label {
	if opts.Page.Width <= 0 || opts.Page.Height <= 0 {
		opts.Page = LabelPage
	}
	if opts.DefaultDPI <= 0 {
		opts.DefaultDPI = DefaultLabelDPI
	}
	return &Label{page: opts.Page, defaultDPI: opts.DefaultDPI, offset: opts.Offset, logger: logger}
}

// OutputPath returns where the PDF for a label image is written.
func OutputPath(imgPath string) string {
	base := strings.TrimSuffix(filepath.Base(imgPath), filepath.Ext(imgPath))
	return filepath.Join(filepath.Dir(imgPath), base+"_label.pdf")
}

// Render writes a one page PDF containing the image at imgPath.
func (l *Label) Render(imgPath, outPath string) error {
	data, err := os.ReadFile(imgPath)
	if err != nil {
		return fmt.Errorf("read label image: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode label image %s: %w", imgPath, err)
	}

	var imageType string
	switch format {
	case "png":
		imageType = "PNG"
	case "jpeg":
		imageType = "JPG"
	case "gif":
		imageType = "GIF"
	default:
		return fmt.Errorf("unsupported label image format %q", format)
	}

	dpiX, dpiY, ok := Resolution(data)
	if !ok {
		dpiX, dpiY = l.defaultDPI, l.defaultDPI
	}
	place := Layout(cfg.Width, cfg.Height, dpiX, dpiY, l.page, l.offset)

	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "in",
		Size:           fpdf.SizeType{Wd: l.page.Width, Ht: l.page.Height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opts := fpdf.ImageOptions{ImageType: imageType, AllowNegativePosition: true}
	pdf.RegisterImageOptionsReader("label", opts, bytes.NewReader(data))
	pdf.ImageOptions("label", place.X, place.Y, place.W, place.H, false, opts, 0, "")

	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write label pdf: %w", err)
	}
	if l.logger != nil {
		l.logger.Debug("label rendered", "image", imgPath, "pdf", outPath, "dpiX", dpiX, "dpiY", dpiY)
	}
	return nil
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Resolution reads the embedded resolution of a PNG (pHYs) or JPEG (JFIF)
// image in dots per inch.
func Resolution(data []byte) (dpiX, dpiY float64, ok bool) {
	switch {
	case bytes.HasPrefix(data, pngSignature):
		return pngResolution(data[len(pngSignature):])
	case len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8:
		return jpegResolution(data[2:])
	}
	return 0, 0, false
}

func pngResolution(b []byte) (float64, float64, bool) {
	for len(b) >= 12 {
		length := binary.BigEndian.Uint32(b[:4])
		kind := string(b[4:8])
		if uint64(len(b)) < 12+uint64(length) {
			return 0, 0, false
		}
		chunk := b[8 : 8+length]
		switch kind {
		case "pHYs":
			if len(chunk) < 9 || chunk[8] != 1 {
				return 0, 0, false
			}
			x := float64(binary.BigEndian.Uint32(chunk[0:4])) * 0.0254
			y := float64(binary.BigEndian.Uint32(chunk[4:8])) * 0.0254
			if x <= 0 || y <= 0 {
				return 0, 0, false
			}
			return x, y, true
		case "IDAT", "IEND":
			return 0, 0, false
		}
		b = b[12+length:]
	}
	return 0, 0, false
}

func jpegResolution(b []byte) (float64, float64, bool) {
	for len(b) >= 4 && b[0] == 0xFF {
		marker := b[1]
		if marker == 0xDA || marker == 0xD9 {
			break
		}
		length := int(binary.BigEndian.Uint16(b[2:4]))
		if length < 2 || len(b) < 2+length {
			break
		}
		seg := b[4 : 2+length]
		if marker == 0xE0 && len(seg) >= 12 && string(seg[:5]) == "JFIF\x00" {
			units := seg[7]
			x := float64(binary.BigEndian.Uint16(seg[8:10]))
			y := float64(binary.BigEndian.Uint16(seg[10:12]))
			switch units {
			case 1:
			case 2:
				x, y = x*2.54, y*2.54
			default:
				return 0, 0, false
			}
			if x <= 0 || y <= 0 {
				return 0, 0, false
			}
			return x, y, true
		}
		b = b[2+length:]
	}
	return 0, 0, false
}
