package corpus

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/gohtr/gohtr/augment"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Collation determines how the variable-length labels of a batch are
// arranged in the label tensors.
type Collation int

const (
	// CollatePadded yields targets shaped [batch, maxLabelLen], each label
	// padded with class 0, plus the true lengths shaped [batch]. Used by
	// losses that mask the padded positions.
	CollatePadded Collation = iota

	// CollateFlat yields the unpadded labels concatenated into one rank-1
	// tensor, plus the lengths shaped [batch]. Used by connectionist
	// temporal classification losses, which take unaligned label strings.
	CollateFlat
)

// CollationForModel returns the collation expected by the given model
// family: "crnn" and "cnnctc" take flat labels, the attention decoder
// families take padded labels. Unknown families are an error.
func CollationForModel(family string) (Collation, error) {
	switch family {
	case "crnn", "cnnctc":
		return CollateFlat, nil
	case "aster", "dan":
		return CollatePadded, nil
	}
	return 0, errors.Errorf("unsupported model family %q", family)
}

// Dataset implements train.Dataset over a subset of Corpus samples: it
// loads the images, applies the augmentation pipeline and the geometry
// transform, and batches images and labels into tensors.
//
// Configuration methods return the Dataset, so calls can be chained. They
// must all be called before the first Yield.
type Dataset struct {
	name    string
	corpus  *Corpus
	indices []int

	// Image transformation.
	pipeline      *augment.Pipeline
	normalizer    *augment.Normalizer
	width, height int
	stretch       bool
	background    image.Image

	// Batching.
	batchSize int
	infinite  bool
	collation Collation

	// muSelection protects position, selection and shuffle.
	muSelection sync.Mutex
	position    int
	selection   []int
	shuffle     *rand.Rand
}

var (
	assertDatasetIsTrainDataset *Dataset
	_                           train.Dataset = assertDatasetIsTrainDataset
)

// NewDataset creates a Dataset over the given corpus indices (typically
// Split.Train or Split.Validation), with the given size of the yielded
// batches. Only full batches are yielded: a finite dataset returns io.EOF
// when fewer than batchSize samples remain.
//
// The default configuration stretches images to width x height (see
// WithGeometry), applies no augmentation and yields padded labels.
func NewDataset(name string, c *Corpus, indices []int, batchSize int) *Dataset {
	ds := &Dataset{
		name:       name,
		corpus:     c,
		indices:    indices,
		batchSize:  batchSize,
		normalizer: augment.NewNormalizer(dtypes.Float32),
		width:      256,
		height:     64,
		stretch:    true,
		background: augment.BlackBackground(),
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Infinite configures the dataset to never end, looping over (or, if
// shuffling, sampling with replacement from) its indices. Used for training
// with train.Loop.RunSteps.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// WithShuffle sets the random generator used to shuffle the order samples
// are yielded. If the dataset is infinite, it samples with replacement
// instead.
func (ds *Dataset) WithShuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.selection = nil
	ds.Reset()
	return ds
}

// WithAugmentation sets the augmentation pipeline applied to each image
// before the geometry transform. A nil pipeline disables augmentation.
func (ds *Dataset) WithAugmentation(pipeline *augment.Pipeline) *Dataset {
	ds.pipeline = pipeline
	return ds
}

// WithGeometry sets the dimensions every image is brought to. If stretch is
// true images are resized ignoring their aspect ratio; otherwise they are
// resized to the target height preserving aspect ratio and the width is
// padded with the background (or center-cropped if it overflows).
func (ds *Dataset) WithGeometry(width, height int, stretch bool) *Dataset {
	ds.width, ds.height, ds.stretch = width, height, stretch
	return ds
}

// WithBackground sets the padding background used when not stretching.
// Defaults to black.
func (ds *Dataset) WithBackground(background image.Image) *Dataset {
	ds.background = background
	return ds
}

// WithNormalizer sets the converter from images to standardized tensors.
func (ds *Dataset) WithNormalizer(n *augment.Normalizer) *Dataset {
	ds.normalizer = n
	return ds
}

// WithCollation sets how labels are batched. See Collation.
func (ds *Dataset) WithCollation(c Collation) *Dataset {
	ds.collation = c
	return ds
}

// yieldIndices selects the corpus indices of the next batch.
func (ds *Dataset) yieldIndices() ([]int, error) {
	ds.muSelection.Lock()
	defer ds.muSelection.Unlock()

	batch := make([]int, 0, ds.batchSize)
	for ii := 0; ii < ds.batchSize; ii++ {
		var idx int
		if ds.infinite {
			if ds.shuffle != nil {
				idx = ds.indices[ds.shuffle.Intn(len(ds.indices))]
			} else {
				idx = ds.indices[ds.position]
				ds.position = (ds.position + 1) % len(ds.indices)
			}
		} else {
			order := ds.indices
			if ds.shuffle != nil {
				order = ds.selection
			}
			if ds.position >= len(order) {
				return nil, io.EOF
			}
			idx = order[ds.position]
			ds.position++
		}
		batch = append(batch, idx)
	}
	return batch, nil
}

// YieldImages yields one batch of transformed images along with their
// encoded labels and true lengths. These are the raw images that can be
// used for displaying; see Yield for the tensor version used in training.
func (ds *Dataset) YieldImages() (images []image.Image, labels [][]int32, lengths []int, err error) {
	indices, err := ds.yieldIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	images = make([]image.Image, 0, len(indices))
	labels = make([][]int32, 0, len(indices))
	lengths = make([]int, 0, len(indices))
	for _, idx := range indices {
		img, label, length, err := ds.corpus.Sample(idx)
		if err != nil {
			return nil, nil, nil, err
		}
		if ds.pipeline != nil {
			img = ds.pipeline.Apply(idx, img)
		}
		if ds.stretch {
			img = augment.StretchResize(img, ds.width, ds.height)
		} else {
			img = augment.FixedSizeResize(img, ds.width, ds.height, ds.background)
		}
		images = append(images, img)
		labels = append(labels, label)
		lengths = append(lengths, length)
	}
	return
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset itself.
//   - inputs: one tensor, the normalized image batch shaped
//     [batch, height, width, 3].
//   - labels: the target classes and the lengths, arranged per the
//     configured Collation.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	images, batchLabels, lengths, err := ds.YieldImages()
	if err != nil {
		return nil, nil, nil, err
	}
	imagesT, err := ds.normalizer.Batch(images)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	inputs = []*tensors.Tensor{imagesT}
	labels = CollateLabels(ds.collation, batchLabels, lengths, ds.corpus.MaxLabelLen())
	return
}

// CollateLabels batches the encoded labels into tensors per the given
// collation. See Collation for the two arrangements.
func CollateLabels(c Collation, labels [][]int32, lengths []int, maxLabelLen int) []*tensors.Tensor {
	lengths32 := make([]int32, len(lengths))
	for ii, l := range lengths {
		lengths32[ii] = int32(l)
	}
	if c == CollateFlat {
		var flat []int32
		for _, label := range labels {
			flat = append(flat, label...)
		}
		return []*tensors.Tensor{tensors.FromValue(flat), tensors.FromValue(lengths32)}
	}
	padded := make([][]int32, len(labels))
	for ii, label := range labels {
		padded[ii] = make([]int32, maxLabelLen)
		copy(padded[ii], label)
	}
	return []*tensors.Tensor{tensors.FromValue(padded), tensors.FromValue(lengths32)}
}

// Reset implements train.Dataset, restarting it from the beginning. It can
// be called after io.EOF, for instance to rerun an evaluation dataset.
func (ds *Dataset) Reset() {
	ds.muSelection.Lock()
	defer ds.muSelection.Unlock()

	ds.position = 0
	if ds.infinite || ds.shuffle == nil {
		return
	}
	if ds.selection == nil {
		ds.selection = make([]int, len(ds.indices))
		copy(ds.selection, ds.indices)
	}
	ds.shuffle.Shuffle(len(ds.selection), func(i, j int) {
		ds.selection[i], ds.selection[j] = ds.selection[j], ds.selection[i]
	})
}
