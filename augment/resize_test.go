package augment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStretchResize(t *testing.T) {
	out := StretchResize(testImage(100, 40), 64, 32)
	assert.Equal(t, 64, out.Bounds().Dx())
	assert.Equal(t, 32, out.Bounds().Dy())
}

func TestFixedHeightResize(t *testing.T) {
	// Aspect ratio 40/100: height 32 gives width ceil(32/0.4) = 80.
	out := FixedHeightResize(testImage(100, 40), 32)
	assert.Equal(t, 80, out.Bounds().Dx())
	assert.Equal(t, 32, out.Bounds().Dy())

	// Rounds the width up.
	out = FixedHeightResize(testImage(100, 30), 32)
	assert.Equal(t, 107, out.Bounds().Dx())
	assert.Equal(t, 32, out.Bounds().Dy())
}

func TestFixedWidthPad(t *testing.T) {
	background := WhiteBackground()

	// Narrower images are padded on both sides, the extra pixel on the right.
	src := testImage(21, 10)
	out := FixedWidthPad(src, 30, background)
	assert.Equal(t, 30, out.Bounds().Dx())
	assert.Equal(t, 10, out.Bounds().Dy())
	// 9 columns of padding: 4 on the left, 5 on the right.
	r, g, b, _ := out.At(3, 5).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, b})
	r, g, b, _ = out.At(25, 5).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, b})
	// The original content starts at column 4.
	srcR, _, _, _ := src.At(0, 5).RGBA()
	gotR, _, _, _ := out.At(4, 5).RGBA()
	assert.Equal(t, srcR, gotR)

	// Wider images are center-cropped.
	out = FixedWidthPad(testImage(50, 10), 30, background)
	assert.Equal(t, 30, out.Bounds().Dx())

	// Exact-width images pass through.
	out = FixedWidthPad(testImage(30, 10), 30, background)
	assert.Equal(t, 30, out.Bounds().Dx())
}

func TestFixedSizeResize(t *testing.T) {
	out := FixedSizeResize(testImage(100, 40), 256, 64, WhiteBackground())
	assert.Equal(t, 256, out.Bounds().Dx())
	assert.Equal(t, 64, out.Bounds().Dy())

	// A tall 50x100 image at height 32 becomes 16 wide, then gets 8 columns
	// of black on each side.
	out = FixedSizeResize(testImage(50, 100), 32, 32, BlackBackground())
	assert.Equal(t, 32, out.Bounds().Dx())
	assert.Equal(t, 32, out.Bounds().Dy())
	r, g, b, _ := out.At(7, 16).RGBA()
	assert.Equal(t, []uint32{0, 0, 0}, []uint32{r, g, b})
	r, g, b, _ = out.At(24, 16).RGBA()
	assert.Equal(t, []uint32{0, 0, 0}, []uint32{r, g, b})

	// A very wide image overflows the target width and is cropped.
	out = FixedSizeResize(testImage(1000, 40), 256, 64, WhiteBackground())
	assert.Equal(t, 256, out.Bounds().Dx())
	assert.Equal(t, 64, out.Bounds().Dy())
}
