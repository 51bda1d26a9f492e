package augment

import (
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage returns a small image with a gradient, so transformations
// produce visible differences.
func testImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pos := img.PixOffset(x, y)
			img.Pix[pos] = byte(x * 255 / width)
			img.Pix[pos+1] = byte(y * 255 / height)
			img.Pix[pos+2] = byte((x + y) * 255 / (width + height))
			img.Pix[pos+3] = 255
		}
	}
	return img
}

func pixels(img image.Image) []byte {
	bounds := img.Bounds()
	data := make([]byte, 0, bounds.Dx()*bounds.Dy()*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data = append(data, byte(r>>8), byte(g>>8), byte(b>>8))
		}
	}
	return data
}

func TestPipelineDeterminism(t *testing.T) {
	img := testImage(40, 20)
	p := NewPipeline(42, TrainingStages()...)

	// The same (seed, index) always produces the same image.
	out1 := p.Apply(7, img)
	out2 := p.Apply(7, img)
	assert.Equal(t, pixels(out1), pixels(out2))

	// The result is independent of other samples having been processed.
	p2 := NewPipeline(42, TrainingStages()...)
	for idx := 0; idx < 7; idx++ {
		p2.Apply(idx, img)
	}
	out3 := p2.Apply(7, img)
	assert.Equal(t, pixels(out1), pixels(out3))

	// Different indices (and different seeds) give different randomness.
	assert.NotEqual(t, pixels(out1), pixels(p.Apply(8, img)))
	assert.NotEqual(t, pixels(out1), pixels(NewPipeline(43, TrainingStages()...).Apply(7, img)))
}

func TestPipelineDoesNotModifyInput(t *testing.T) {
	img := testImage(40, 20)
	before := pixels(img)
	NewPipeline(1, TrainingStages()...).Apply(0, img)
	assert.Equal(t, before, pixels(img))
}

func TestProbabilisticStages(t *testing.T) {
	img := testImage(30, 12)
	rng := rand.New(rand.NewSource(0))

	// With probability 0 the image passes through unchanged; with
	// probability 1 it is always transformed.
	for _, stage := range []Stage{DefocusBlur(0, 2), JPEGCompression(0), RandomGrayscale(0)} {
		assert.Equal(t, pixels(img), pixels(stage(rng, img)))
	}
	for _, stage := range []Stage{DefocusBlur(1, 2), JPEGCompression(1), RandomGrayscale(1)} {
		assert.NotEqual(t, pixels(img), pixels(stage(rng, img)))
	}
}

func TestGaussianBlur(t *testing.T) {
	img := testImage(30, 12)

	// The sigma comes from the rng, so equal seeds blur equally.
	out1 := GaussianBlur(0.1, 2)(rand.New(rand.NewSource(3)), img)
	out2 := GaussianBlur(0.1, 2)(rand.New(rand.NewSource(3)), img)
	assert.Equal(t, pixels(out1), pixels(out2))
	assert.NotEqual(t, pixels(img), pixels(out1))
}

func TestGrayscale(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	out := Grayscale()(rng, testImage(10, 10))
	bounds := out.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := out.At(x, y).RGBA()
			require.Equal(t, r, g)
			require.Equal(t, g, b)
		}
	}
}

func TestRotationGrowsCanvas(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	img := testImage(40, 20)
	out := Rotation(15)(rng, img)
	// Rotation grows the canvas to fit the rotated image.
	assert.GreaterOrEqual(t, out.Bounds().Dx(), 40)
	assert.GreaterOrEqual(t, out.Bounds().Dy(), 20)
}
