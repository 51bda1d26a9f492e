package corpus

import (
	"encoding/binary"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gohtr/gohtr/augment"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Pre-generated entry layout: the label length as a little-endian uint32,
// the label classes padded to maxLabelLen little-endian uint32s, then the
// transformed image as height*width*3 RGB bytes.
func pregenEntrySize(maxLabelLen, width, height int) int {
	return 4 + 4*maxLabelLen + width*height*3
}

// Save writes numEpochs epochs of the dataset, augmented and transformed,
// to the writer in the pre-generated binary format read by
// PreGeneratedDataset. Augmenting images dominates training time, so
// pre-generating a few epochs up front lets the accelerator run at full
// speed afterwards.
//
// The dataset must be finite. Images are processed by one goroutine per
// CPU; the order of the saved entries is therefore not deterministic.
func (ds *Dataset) Save(numEpochs int, verbose bool, w io.Writer) error {
	if ds.infinite {
		return errors.Errorf("cannot Save dataset %q configured to loop infinitely", ds.name)
	}

	numSteps := numEpochs * (len(ds.indices) / ds.batchSize) * ds.batchSize
	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(numSteps,
			progressbar.OptionSetDescription("Pre-generating"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	maxLabelLen := ds.corpus.MaxLabelLen()
	entrySize := pregenEntrySize(maxLabelLen, ds.width, ds.height)
	parallelism := runtime.NumCPU() + 1
	written := 0
	start := time.Now()
	for epoch := 0; epoch < numEpochs; epoch++ {
		var wg sync.WaitGroup
		var muWrite sync.Mutex
		errChan := make(chan error, parallelism)
		for ii := 0; ii < parallelism; ii++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					images, labels, lengths, err := ds.YieldImages()
					if err == io.EOF {
						return
					}
					if err != nil {
						errChan <- err
						return
					}
					buffer := make([]byte, 0, len(images)*entrySize)
					for imgIdx, img := range images {
						buffer = binary.LittleEndian.AppendUint32(buffer, uint32(lengths[imgIdx]))
						for pos := 0; pos < maxLabelLen; pos++ {
							var class int32
							if pos < len(labels[imgIdx]) {
								class = labels[imgIdx][pos]
							}
							buffer = binary.LittleEndian.AppendUint32(buffer, uint32(class))
						}
						bounds := img.Bounds()
						for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
							for x := bounds.Min.X; x < bounds.Max.X; x++ {
								r, g, b, _ := img.At(x, y).RGBA()
								buffer = append(buffer, byte(r>>8), byte(g>>8), byte(b>>8))
							}
						}
					}
					muWrite.Lock()
					_, err = w.Write(buffer)
					written += len(buffer)
					if verbose {
						_ = pBar.Add(len(images))
					}
					muWrite.Unlock()
					if err != nil {
						errChan <- err
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errChan)
		for err := range errChan {
			return err
		}
		ds.Reset()
	}
	if verbose {
		_ = pBar.Close()
	}
	klog.Infof("Pre-generated %d epochs of dataset %q: %s in %s",
		numEpochs, ds.name, humanize.Bytes(uint64(written)), time.Since(start).Round(time.Second))
	return nil
}

// PreGeneratedDataset implements train.Dataset by reading augmented and
// transformed samples from a file written by Dataset.Save.
type PreGeneratedDataset struct {
	name          string
	filePath      string
	batchSize     int
	width, height int
	maxLabelLen   int
	normalizer    *augment.Normalizer
	collation     Collation
	infinite      bool

	openedFile      *os.File
	err             error
	buffer          []byte
	steps, maxSteps int
}

var _ train.Dataset = &PreGeneratedDataset{}

// NewPreGeneratedDataset creates a PreGeneratedDataset reading from
// filePath. The geometry, maxLabelLen and normalizer must match what the
// saved Dataset was configured with.
func NewPreGeneratedDataset(name, filePath string, batchSize int, infinite bool,
	width, height, maxLabelLen int, normalizer *augment.Normalizer) *PreGeneratedDataset {
	pds := &PreGeneratedDataset{
		name:        name,
		filePath:    filePath,
		batchSize:   batchSize,
		width:       width,
		height:      height,
		maxLabelLen: maxLabelLen,
		normalizer:  normalizer,
		infinite:    infinite,
	}
	pds.buffer = make([]byte, batchSize*pregenEntrySize(maxLabelLen, width, height))
	pds.Reset()
	return pds
}

// Name implements train.Dataset.
func (pds *PreGeneratedDataset) Name() string { return pds.name }

// WithCollation sets how labels are batched. See Collation.
func (pds *PreGeneratedDataset) WithCollation(c Collation) *PreGeneratedDataset {
	pds.collation = c
	return pds
}

// WithMaxSteps configures the dataset to exhaust after that many steps,
// returning io.EOF. Useful for testing.
func (pds *PreGeneratedDataset) WithMaxSteps(numSteps int) *PreGeneratedDataset {
	pds.maxSteps = numSteps
	return pds
}

// Yield implements train.Dataset.
func (pds *PreGeneratedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	pds.steps++
	if pds.maxSteps > 0 && pds.steps >= pds.maxSteps {
		err = io.EOF
		return
	}

	spec = pds
	retries := 0
	for {
		if pds.err != nil {
			return nil, nil, nil, pds.err
		}
		if pds.openedFile == nil {
			pds.err = errors.Errorf("PreGeneratedDataset for file %q not opened, invalid state", pds.filePath)
			return nil, nil, nil, pds.err
		}
		n, err := io.ReadFull(pds.openedFile, pds.buffer)
		if err == io.EOF || err == io.ErrUnexpectedEOF || n < len(pds.buffer) {
			if !pds.infinite {
				return nil, nil, nil, io.EOF
			}
			if retries != 0 {
				pds.err = errors.Errorf(
					"not enough data for %d-sized batches in PreGeneratedDataset file %q, maybe it failed during generation?",
					pds.batchSize, pds.filePath)
				continue
			}
			retries++
			steps := pds.steps
			pds.Reset()
			pds.steps = steps // Rewinding the file mid-training does not restart the step count.
			continue
		}
		if err != nil {
			pds.err = errors.Wrapf(err, "failed reading PreGeneratedDataset from file %q", pds.filePath)
			return nil, nil, nil, pds.err
		}
		break
	}

	entrySize := pregenEntrySize(pds.maxLabelLen, pds.width, pds.height)
	batchLabels := make([][]int32, pds.batchSize)
	lengths := make([]int, pds.batchSize)
	pixelBytes := make([]byte, 0, pds.batchSize*pds.width*pds.height*3)
	for ii := 0; ii < pds.batchSize; ii++ {
		entry := pds.buffer[ii*entrySize : (ii+1)*entrySize]
		length := int(binary.LittleEndian.Uint32(entry))
		if length > pds.maxLabelLen {
			pds.err = errors.Errorf("entry %d of PreGeneratedDataset file %q has label length %d > %d, file corrupted or geometry mismatch",
				ii, pds.filePath, length, pds.maxLabelLen)
			return nil, nil, nil, pds.err
		}
		lengths[ii] = length
		label := make([]int32, length)
		for pos := 0; pos < length; pos++ {
			label[pos] = int32(binary.LittleEndian.Uint32(entry[4+4*pos:]))
		}
		batchLabels[ii] = label
		pixelBytes = append(pixelBytes, entry[4+4*pds.maxLabelLen:]...)
	}
	imagesT, err := pds.normalizer.BatchBytes(pixelBytes, pds.batchSize, pds.height, pds.width)
	if err != nil {
		pds.err = err
		return nil, nil, nil, pds.err
	}
	inputs = []*tensors.Tensor{imagesT}
	labels = CollateLabels(pds.collation, batchLabels, lengths, pds.maxLabelLen)
	return spec, inputs, labels, nil
}

// Reset implements train.Dataset.
func (pds *PreGeneratedDataset) Reset() {
	pds.steps = 0
	if pds.openedFile != nil {
		_ = pds.openedFile.Close()
	}
	pds.openedFile, pds.err = os.Open(pds.filePath)
	if pds.err != nil {
		pds.err = errors.Wrapf(pds.err, "failed to open file %q", pds.filePath)
	}
}
