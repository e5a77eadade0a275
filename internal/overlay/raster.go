package overlay

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"strings"
	"sync"

	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	statusPadding = 4
	badgeSize     = 16
)

var (
	statusPanelColor = color.NRGBA{R: 0x10, G: 0x10, B: 0x10, A: 0xc0}
	statusTextColor  = color.NRGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}
)

// RasterSurface rasterizes scenes into a transparent RGBA image the size of
// the region. The latest image is kept for snapshots.
type RasterSurface struct {
	mu     sync.RWMutex
	img    *image.RGBA
	gen    uint64
	frames uint64
}

func NewRasterSurface() *RasterSurface { return &RasterSurface{} }

func (s *RasterSurface) Draw(ctx context.Context, sc Scene) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img := Rasterize(sc)
	s.mu.Lock()
	s.img, s.gen = img, sc.Generation
	s.frames++
	s.mu.Unlock()
	return nil
}

// Snapshot returns the last rendered image, or nil before the first draw.
func (s *RasterSurface) Snapshot() (*image.RGBA, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img, s.gen
}

func (s *RasterSurface) Frames() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}

// PNG encodes the last rendered image.
func (s *RasterSurface) PNG() ([]byte, error) {
	img, _ := s.Snapshot()
	if img == nil {
		return nil, fmt.Errorf("nothing rendered yet")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Rasterize draws a scene into a new image whose origin is the region's
// top-left corner.
func Rasterize(sc Scene) *image.RGBA {
	w, h := sc.Region.Width, sc.Region.Height
	if w <= 0 || h <= 0 {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	filler := rasterx.NewFiller(w, h, scanner)

	origin := PointF{X: float64(sc.Region.X), Y: float64(sc.Region.Y)}
	// weakest first so the best line ends up on top
	for i := len(sc.Arrows) - 1; i >= 0; i-- {
		a := sc.Arrows[i]
		filler.SetColor(a.Color)
		fillPolygon(filler, origin, a.Shape.Shaft[:])
		fillPolygon(filler, origin, a.Shape.Head[:])
	}
	drawStatus(img, sc.Status)
	return img
}

func fillPolygon(f *rasterx.Filler, origin PointF, pts []PointF) {
	if len(pts) < 3 {
		return
	}
	f.Clear()
	f.Start(rasterx.ToFixedP(pts[0].X-origin.X, pts[0].Y-origin.Y))
	for _, p := range pts[1:] {
		f.Line(rasterx.ToFixedP(p.X-origin.X, p.Y-origin.Y))
	}
	f.Stop(true)
	f.Draw()
}

func drawStatus(img *image.RGBA, st Status) {
	text := strings.TrimSpace(st.Text)
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	maxText := img.Bounds().Dx() - badgeSize - statusPadding*3
	text = truncateWithEllipsis(face, text, maxText)

	drawer := &font.Drawer{Dst: img, Src: image.NewUniform(statusTextColor), Face: face}
	textW := drawer.MeasureString(text).Round()
	panel := image.Rect(0, 0, badgeSize+textW+statusPadding*3, badgeSize+statusPadding*2).Intersect(img.Bounds())
	imagedraw.Draw(img, panel, image.NewUniform(statusPanelColor), image.Point{}, imagedraw.Over)

	if badge, err := renderBadge(st.Level, badgeSize); err == nil {
		at := image.Pt(statusPadding, statusPadding)
		imagedraw.Draw(img, image.Rectangle{Min: at, Max: at.Add(image.Pt(badgeSize, badgeSize))}, badge, image.Point{}, imagedraw.Over)
	}

	ascent := face.Metrics().Ascent.Round()
	baseline := statusPadding + (badgeSize+ascent)/2
	drawer.Dot = fixed.P(statusPadding*2+badgeSize, baseline)
	drawer.DrawString(text)
}

func truncateWithEllipsis(face font.Face, text string, maxWidth int) string {
	if text == "" || maxWidth <= 0 {
		return ""
	}
	drawer := font.Drawer{Face: face}
	if drawer.MeasureString(text).Round() <= maxWidth {
		return text
	}
	const ellipsis = "..."
	if drawer.MeasureString(ellipsis).Round() > maxWidth {
		return ""
	}
	runes := []rune(text)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + ellipsis
		if drawer.MeasureString(candidate).Round() <= maxWidth {
			return candidate
		}
	}
	return ellipsis
}

// MultiSurface draws to every surface and reports the first error.
type MultiSurface []Surface

func (m MultiSurface) Draw(ctx context.Context, sc Scene) error {
	var first error
	for _, s := range m {
		if err := s.Draw(ctx, sc); err != nil && first == nil {
			first = err
		}
	}
	return first
}
