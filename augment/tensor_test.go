package augment

import (
	"image"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformImage(width, height int, r, g, b byte) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for pos := 0; pos < len(img.Pix); pos += 4 {
		img.Pix[pos], img.Pix[pos+1], img.Pix[pos+2], img.Pix[pos+3] = r, g, b, 255
	}
	return img
}

func TestNormalizerSingle(t *testing.T) {
	n := NewNormalizer(dtypes.Float32)
	tensor, err := n.Single(uniformImage(4, 2, 255, 0, 128))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3}, tensor.Shape().Dimensions)

	flat := tensors.CopyFlatData[float32](tensor)
	wantR := float32((1.0 - ChannelMeans[0]) / ChannelStdDevs[0])
	wantG := float32((0.0 - ChannelMeans[1]) / ChannelStdDevs[1])
	wantB := float32((float64(0x8080)/0xFFFF - ChannelMeans[2]) / ChannelStdDevs[2])
	assert.InDelta(t, wantR, flat[0], 1e-5)
	assert.InDelta(t, wantG, flat[1], 1e-5)
	assert.InDelta(t, wantB, flat[2], 1e-5)
}

func TestNormalizerBatch(t *testing.T) {
	n := NewNormalizer(dtypes.Float64)
	batch, err := n.Batch([]image.Image{
		uniformImage(4, 2, 10, 20, 30),
		uniformImage(4, 2, 40, 50, 60),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 4, 3}, batch.Shape().Dimensions)

	// Mismatched sizes are rejected.
	_, err = n.Batch([]image.Image{uniformImage(4, 2, 0, 0, 0), uniformImage(2, 4, 0, 0, 0)})
	require.Error(t, err)

	// Empty batches are rejected.
	_, err = n.Batch(nil)
	require.Error(t, err)
}

func TestNormalizerWithStats(t *testing.T) {
	n := NewNormalizer(dtypes.Float32).WithStats([3]float64{0, 0, 0}, [3]float64{1, 1, 1})
	tensor, err := n.Single(uniformImage(1, 1, 255, 255, 255))
	require.NoError(t, err)
	flat := tensors.CopyFlatData[float32](tensor)
	assert.InDelta(t, 1.0, flat[0], 1e-5)
}

func TestNormalizerBatchBytes(t *testing.T) {
	n := NewNormalizer(dtypes.Float32).WithStats([3]float64{0.5, 0.5, 0.5}, [3]float64{0.5, 0.5, 0.5})
	data := []byte{255, 0, 127, 0, 255, 255}
	tensor, err := n.BatchBytes(data, 2, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 1, 3}, tensor.Shape().Dimensions)
	flat := tensors.CopyFlatData[float32](tensor)
	assert.InDelta(t, 1.0, flat[0], 1e-5)
	assert.InDelta(t, -1.0, flat[1], 1e-5)
	assert.InDelta(t, float32((float64(127)/255-0.5)/0.5), flat[2], 1e-2)
	assert.InDelta(t, -1.0, flat[3], 1e-5)
	assert.InDelta(t, 1.0, flat[4], 1e-5)

	_, err = n.BatchBytes(data[:5], 2, 1, 1)
	require.Error(t, err)
}
