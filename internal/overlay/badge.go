package overlay

import (
	"bytes"
	_ "embed"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

//go:embed assets/badge.svg
var badgeTemplate []byte

type badgeKey struct {
	level Level
	size  int
}

var (
	badgeCache   = map[badgeKey]image.Image{}
	badgeCacheMu sync.RWMutex
)

var badgeStyles = map[Level]struct{ fill, glyph string }{
	LevelInfo:  {fill: "#2fb34a", glyph: "M7 12.5 L10.5 16 L17 8.5"},
	LevelWarn:  {fill: "#e0a100", glyph: "M12 6 L12 13.5 M12 16.5 L12 18"},
	LevelError: {fill: "#d64541", glyph: "M8 8 L16 16 M16 8 L8 16"},
}

// renderBadge rasterizes the status icon for a level at size×size pixels.
func renderBadge(level Level, size int) (image.Image, error) {
	key := badgeKey{level: level, size: size}

	badgeCacheMu.RLock()
	if img, ok := badgeCache[key]; ok {
		badgeCacheMu.RUnlock()
		return img, nil
	}
	badgeCacheMu.RUnlock()

	style, ok := badgeStyles[level]
	if !ok {
		style = badgeStyles[LevelInfo]
	}
	src := bytes.ReplaceAll(badgeTemplate, []byte("{{FILL}}"), []byte(style.fill))
	src = bytes.ReplaceAll(src, []byte("{{GLYPH}}"), []byte(style.glyph))

	icon, err := oksvg.ReadIconStream(bytes.NewReader(sanitizeSVG(src)))
	if err != nil {
		return nil, fmt.Errorf("parse badge svg: %w", err)
	}
	if icon.ViewBox.W <= 0 {
		icon.ViewBox.W = float64(size)
	}
	if icon.ViewBox.H <= 0 {
		icon.ViewBox.H = float64(size)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(size, size, scanner), 1.0)

	badgeCacheMu.Lock()
	badgeCache[key] = img
	badgeCacheMu.Unlock()
	return img, nil
}

// sanitizeSVG removes the spaces after style colons that oksvg does not parse.
func sanitizeSVG(svg []byte) []byte {
	fixed := bytes.ReplaceAll(svg, []byte("fill: #"), []byte("fill:#"))
	fixed = bytes.ReplaceAll(fixed, []byte("stroke: #"), []byte("stroke:#"))
	fixed = bytes.ReplaceAll(fixed, []byte("stroke-width: "), []byte("stroke-width:"))
	return fixed
}
