package augment

import (
	"image"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ChannelMeans and ChannelStdDevs are the per-channel (RGB) statistics of
// the training corpus, used to standardize pixel values.
var (
	ChannelMeans   = [3]float64{0.5818, 0.5700, 0.5632}
	ChannelStdDevs = [3]float64{0.1417, 0.1431, 0.1367}
)

// Normalizer converts images to tensors of standardized pixel values:
// channels are scaled to [0, 1] and then shifted and scaled by the given
// per-channel mean and standard deviation.
type Normalizer struct {
	means, stdDevs [3]float64
	dtype          dtypes.DType
}

// NewNormalizer creates a Normalizer using the corpus channel statistics.
// Only dtypes.Float32 and dtypes.Float64 are supported.
func NewNormalizer(dtype dtypes.DType) *Normalizer {
	return &Normalizer{means: ChannelMeans, stdDevs: ChannelStdDevs, dtype: dtype}
}

// WithStats sets custom channel statistics. It returns the updated
// Normalizer, so calls can be chained.
func (n *Normalizer) WithStats(means, stdDevs [3]float64) *Normalizer {
	n.means, n.stdDevs = means, stdDevs
	return n
}

// Single converts one image to a tensor shaped [height, width, 3].
func (n *Normalizer) Single(img image.Image) (*tensors.Tensor, error) {
	bounds := img.Bounds()
	t := tensors.FromShape(shapes.Make(n.dtype, bounds.Dy(), bounds.Dx(), 3))
	if err := n.fill(t, []image.Image{img}); err != nil {
		return nil, err
	}
	return t, nil
}

// Batch converts the images to a tensor shaped [batch, height, width, 3].
// All images must have the same dimensions.
func (n *Normalizer) Batch(images []image.Image) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("cannot convert an empty batch of images")
	}
	bounds := images[0].Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	for ii, img := range images {
		if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
			return nil, errors.Errorf("image %d is %dx%d, batch expects %dx%d",
				ii, img.Bounds().Dx(), img.Bounds().Dy(), width, height)
		}
	}
	t := tensors.FromShape(shapes.Make(n.dtype, len(images), height, width, 3))
	if err := n.fill(t, images); err != nil {
		return nil, err
	}
	return t, nil
}

func (n *Normalizer) fill(t *tensors.Tensor, images []image.Image) error {
	switch n.dtype {
	case dtypes.Float32:
		tensors.MutableFlatData[float32](t, func(flat []float32) {
			fillNormalized(flat, images, n.means, n.stdDevs)
		})
	case dtypes.Float64:
		tensors.MutableFlatData[float64](t, func(flat []float64) {
			fillNormalized(flat, images, n.means, n.stdDevs)
		})
	default:
		return errors.Errorf("unsupported dtype %s for image normalization", n.dtype)
	}
	return nil
}

// BatchBytes converts a batch of raw RGB images, packed as
// numImages*height*width*3 bytes, to a standardized tensor shaped
// [numImages, height, width, 3]. This is the format the pre-generated
// dataset files store images in.
func (n *Normalizer) BatchBytes(data []byte, numImages, height, width int) (*tensors.Tensor, error) {
	if len(data) != numImages*height*width*3 {
		return nil, errors.Errorf("got %d bytes for %d images of %dx%dx3", len(data), numImages, width, height)
	}
	t := tensors.FromShape(shapes.Make(n.dtype, numImages, height, width, 3))
	switch n.dtype {
	case dtypes.Float32:
		tensors.MutableFlatData[float32](t, func(flat []float32) {
			fillNormalizedBytes(flat, data, n.means, n.stdDevs)
		})
	case dtypes.Float64:
		tensors.MutableFlatData[float64](t, func(flat []float64) {
			fillNormalizedBytes(flat, data, n.means, n.stdDevs)
		})
	default:
		return nil, errors.Errorf("unsupported dtype %s for image normalization", n.dtype)
	}
	return t, nil
}

func fillNormalizedBytes[T float32 | float64](flat []T, data []byte, means, stdDevs [3]float64) {
	for ii, v := range data {
		c := ii % 3
		flat[ii] = T((float64(v)/0xFF - means[c]) / stdDevs[c])
	}
}

func fillNormalized[T float32 | float64](flat []T, images []image.Image, means, stdDevs [3]float64) {
	pos := 0
	for _, img := range images {
		bounds := img.Bounds()
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				for c, v := range [3]uint32{r, g, b} {
					standardized := (float64(v)/0xFFFF - means[c]) / stdDevs[c]
					flat[pos] = T(standardized)
					pos++
				}
			}
		}
	}
}
