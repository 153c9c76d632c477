package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"

	"github.com/disintegration/imaging"
	"github.com/tendant/imgpixel/pkg/pipeline"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ErrDecode is returned when an upload is not a decodable image
var ErrDecode = errors.New("image decode failed")

// ContentTypePNG is the content type of every encoded artifact
const ContentTypePNG = "image/png"

// Decode reads an image, applying EXIF orientation when present
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// TargetSize returns the output size for a w x h image at res. The landscape
// target box is swapped for portrait images and the aspect ratio is kept.
// Unknown resolutions fall back to hd.
func TargetSize(w, h int, res pipeline.Resolution) (int, int) {
	if res == pipeline.ResolutionOriginal || w <= 0 || h <= 0 {
		return w, h
	}

	box, ok := pipeline.Dimensions[res]
	if !ok {
		box = pipeline.Dimensions[pipeline.ResolutionHD]
	}
	tw, th := box[0], box[1]

	if h > w {
		tw, th = th, tw
	}

	// tw/th > w/h, compared without floating point
	if tw*h > w*th {
		tw = th * w / h
	} else {
		th = tw * h / w
	}

	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	return tw, th
}

// Export resizes a master image for opts and encodes it. WebP requests are
// encoded as PNG since no WebP encoder is available; the content type says so.
func Export(img image.Image, opts pipeline.ExportOptions) ([]byte, string, error) {
	bounds := img.Bounds()
	tw, th := TargetSize(bounds.Dx(), bounds.Dy(), opts.Resolution)

	out := img
	if tw != bounds.Dx() || th != bounds.Dy() {
		out = imaging.Resize(img, tw, th, imaging.Lanczos)
	}

	data, err := Encode(out)
	if err != nil {
		return nil, "", err
	}
	return data, ContentTypePNG, nil
}

// Encode writes img as PNG
func Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("PNG encode failed: %w", err)
	}
	return buf.Bytes(), nil
}
