package augment

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// StretchResize resizes the image to exactly width x height, ignoring the
// aspect ratio.
func StretchResize(img image.Image, width, height int) image.Image {
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// FixedHeightResize resizes the image to the given height, scaling the width
// to preserve the aspect ratio (rounding up).
func FixedHeightResize(img image.Image, height int) image.Image {
	bounds := img.Bounds()
	aspect := float64(bounds.Dy()) / float64(bounds.Dx())
	newWidth := int(math.Ceil(float64(height) / aspect))
	return imaging.Resize(img, newWidth, height, imaging.Lanczos)
}

// FixedWidthPad brings the image to exactly the given width: narrower images
// are padded with the background color on both sides (extra pixel on the
// right when the padding is odd), wider images are center-cropped.
func FixedWidthPad(img image.Image, width int, background image.Image) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() > width {
		return imaging.CropAnchor(img, width, bounds.Dy(), imaging.Center)
	}
	if bounds.Dx() == width {
		return img
	}
	pad := width - bounds.Dx()
	dst := imaging.Resize(background, width, bounds.Dy(), imaging.NearestNeighbor)
	return imaging.Paste(dst, img, image.Pt(pad/2, 0))
}

// FixedSizeResize resizes to the target height preserving aspect ratio, then
// pads (or center-crops) the width to the target width. This is the
// geometry used when the model takes fixed-size inputs but stretching the
// handwriting would distort the strokes.
func FixedSizeResize(img image.Image, width, height int, background image.Image) image.Image {
	return FixedWidthPad(FixedHeightResize(img, height), width, background)
}

// BlackBackground returns a 1x1 black image, the default background of
// FixedWidthPad.
func BlackBackground() image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	dst.Pix[3] = 255
	return dst
}

// WhiteBackground returns a 1x1 white image, an alternative background for
// FixedWidthPad matching the paper color of scanned forms.
func WhiteBackground() image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	dst.Pix[0], dst.Pix[1], dst.Pix[2], dst.Pix[3] = 255, 255, 255, 255
	return dst
}
