package capture

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/fault"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// FileCapturer reads a full-screen screenshot written by an external grabber
// and crops it to the requested region.
type FileCapturer struct {
	Path string
}

func NewFileCapturer(path string) *FileCapturer {
	return &FileCapturer{Path: path}
}

func (f *FileCapturer) Capture(ctx context.Context, region board.Region) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, &fault.CaptureError{Region: region.String(), Err: err}
	}
	defer fh.Close()

	img, format, err := image.Decode(bufio.NewReader(fh))
	if err != nil {
		return nil, &fault.CaptureError{Region: region.String(), Err: fmt.Errorf("decode %s: %w", f.Path, err)}
	}
	out, err := Crop(img, region)
	if err != nil {
		return nil, &fault.CaptureError{Region: region.String(), Err: fmt.Errorf("%s image: %w", format, err)}
	}
	return out, nil
}

// Crop copies the region out of src into a fresh RGBA image whose origin is
// the region's top-left corner.
func Crop(src image.Image, region board.Region) (*image.RGBA, error) {
	r := region.Rect()
	if !r.In(src.Bounds()) {
		return nil, fmt.Errorf("region %s outside image bounds %v", region, src.Bounds())
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst, nil
}
