package main

import (
	"image"
	"testing"

	"github.com/gohtr/gohtr/corpus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pos := img.PixOffset(x, y)
			img.Pix[pos] = byte(x * 255 / width)
			img.Pix[pos+1] = byte(y * 255 / height)
			img.Pix[pos+2] = 128
			img.Pix[pos+3] = 255
		}
	}
	return img
}

func isGrayscale(t *testing.T, img image.Image) bool {
	t.Helper()
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			if r != g || g != b {
				return false
			}
		}
	}
	return true
}

func TestTrainingPipeline(t *testing.T) {
	img := testImage(20, 10)

	// Without augmentation nor grayscale there is no pipeline at all.
	ctx := createDefaultContext()
	ctx.SetParam("augment", false)
	assert.Nil(t, trainingPipeline(ctx))
	assert.Nil(t, evalPipeline(ctx))

	// Grayscale applies to training samples even with augmentation off.
	ctx.SetParam("grayscale", true)
	pipeline := trainingPipeline(ctx)
	require.NotNil(t, pipeline)
	assert.True(t, isGrayscale(t, pipeline.Apply(0, img)))
	assert.True(t, isGrayscale(t, evalPipeline(ctx).Apply(0, img)))

	// With augmentation on, grayscale replaces the probabilistic stage, so
	// every sample comes out gray.
	ctx.SetParam("augment", true)
	pipeline = trainingPipeline(ctx)
	require.NotNil(t, pipeline)
	for idx := 0; idx < 8; idx++ {
		assert.True(t, isGrayscale(t, pipeline.Apply(idx, img)), "sample %d", idx)
	}
}

func TestCollationFromContext(t *testing.T) {
	ctx := createDefaultContext()
	assert.Equal(t, corpus.CollatePadded, collationFromContext(ctx))

	// Unknown families fail before any dataset is built.
	ctx.SetParam("model_family", "densenet")
	require.Panics(t, func() { collationFromContext(ctx) })

	// CTC families have no loss wired, they are rejected too.
	ctx.SetParam("model_family", "crnn")
	require.Panics(t, func() { collationFromContext(ctx) })
}
