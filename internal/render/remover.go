package render

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Remover turns a decoded upload into a master image with a transparent background
type Remover interface {
	Remove(img image.Image) *image.NRGBA
}

// CornerKey treats every pixel close to the top-left corner colour as
// background and makes it transparent.
type CornerKey struct {
	// Tolerance is the maximum per-channel distance still counted as background
	Tolerance uint8
}

// DefaultCornerKey is the remover used by the stub service
var DefaultCornerKey = CornerKey{Tolerance: 24}

// Remove implements Remover
func (k CornerKey) Remove(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	b := dst.Bounds()
	if b.Empty() {
		return dst
	}

	key := dst.NRGBAAt(b.Min.X, b.Min.Y)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := dst.NRGBAAt(x, y)
			if k.matches(c, key) {
				dst.SetNRGBA(x, y, color.NRGBA{})
			}
		}
	}
	return dst
}

func (k CornerKey) matches(c, key color.NRGBA) bool {
	return distance(c.R, key.R) <= k.Tolerance &&
		distance(c.G, key.G) <= k.Tolerance &&
		distance(c.B, key.B) <= k.Tolerance
}

func distance(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
