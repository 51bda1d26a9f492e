// Package augment implements the image augmentation pipeline applied to
// handwriting samples before they are fed to the model: randomized photo
// distortions for training, plus the deterministic resize/pad and
// normalization steps shared by training and evaluation.
//
// Randomness is reproducible per sample: the Pipeline derives an independent
// sub-seed from its base seed and the sample index, so the same (seed, index)
// pair always produces the same augmented image, independent of the order or
// concurrency with which samples are processed.
package augment

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Stage is one transformation of the pipeline. Stages must be pure: all
// randomness comes from the given rng, and the input image is not modified.
type Stage func(rng *rand.Rand, img image.Image) image.Image

// Pipeline applies a fixed sequence of stages with per-sample derived
// randomness. It is safe for concurrent use.
type Pipeline struct {
	seed   int64
	stages []Stage
}

// NewPipeline creates a Pipeline with the given base seed and stages.
func NewPipeline(seed int64, stages ...Stage) *Pipeline {
	return &Pipeline{seed: seed, stages: stages}
}

// TrainingStages returns the default augmentation sequence used for
// training samples: mild blurs, photometric jitter, compression artifacts,
// small rotations and occasional grayscale conversion.
func TrainingStages() []Stage {
	return []Stage{
		GaussianBlur(0.1, 2.0),
		DefocusBlur(0.1, 1.5),
		BrightnessJitter(0.1),
		JPEGCompression(0.1),
		Rotation(15),
		RandomGrayscale(0.2),
	}
}

// Apply runs the pipeline stages over the image of the given sample index.
// The rng handed to the stages is seeded from the pipeline seed and the
// index, so Apply is deterministic per sample.
func (p *Pipeline) Apply(index int, img image.Image) image.Image {
	rng := rand.New(rand.NewSource(p.subSeed(index)))
	for _, stage := range p.stages {
		img = stage(rng, img)
	}
	return img
}

// subSeed derives a seed for one sample from the pipeline seed and the
// sample index.
func (p *Pipeline) subSeed(index int) int64 {
	buf := bytes.NewBuffer(make([]byte, 0, 16))
	_ = binary.Write(buf, binary.LittleEndian, p.seed)
	_ = binary.Write(buf, binary.LittleEndian, int64(index))
	return int64(crc32.ChecksumIEEE(buf.Bytes()))
}

// GaussianBlur blurs the image with a sigma drawn uniformly from
// [minSigma, maxSigma], always applied.
func GaussianBlur(minSigma, maxSigma float64) Stage {
	return func(rng *rand.Rand, img image.Image) image.Image {
		sigma := minSigma + rng.Float64()*(maxSigma-minSigma)
		return imaging.Blur(img, sigma)
	}
}

// DefocusBlur applies, with probability prob, a stronger blur simulating an
// out-of-focus camera.
func DefocusBlur(prob, sigma float64) Stage {
	return func(rng *rand.Rand, img image.Image) image.Image {
		if rng.Float64() >= prob {
			return img
		}
		return imaging.Blur(img, sigma)
	}
}

// BrightnessJitter shifts the brightness by a uniformly drawn percentage in
// [-100*amount, 100*amount].
func BrightnessJitter(amount float64) Stage {
	return func(rng *rand.Rand, img image.Image) image.Image {
		delta := (2*rng.Float64() - 1) * amount * 100
		return imaging.AdjustBrightness(img, delta)
	}
}

// JPEGCompression re-encodes the image, with probability prob, as a low
// quality JPEG (quality drawn uniformly from [10, 50]) to simulate
// compression artifacts in the corpus photos.
func JPEGCompression(prob float64) Stage {
	return func(rng *rand.Rand, img image.Image) image.Image {
		if rng.Float64() >= prob {
			return img
		}
		quality := 10 + rng.Intn(41)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return img
		}
		recoded, err := jpeg.Decode(&buf)
		if err != nil {
			return img
		}
		return recoded
	}
}

// Rotation rotates the image by an angle drawn uniformly from
// [-maxDegrees, maxDegrees], filling the exposed corners with black.
func Rotation(maxDegrees float64) Stage {
	return func(rng *rand.Rand, img image.Image) image.Image {
		angle := (2*rng.Float64() - 1) * maxDegrees
		return imaging.Rotate(img, angle, color.NRGBA{A: 255})
	}
}

// RandomGrayscale converts the image to grayscale with probability prob.
func RandomGrayscale(prob float64) Stage {
	return func(rng *rand.Rand, img image.Image) image.Image {
		if rng.Float64() >= prob {
			return img
		}
		return imaging.Grayscale(img)
	}
}

// Grayscale always converts the image to grayscale. The result still has 3
// channels, with R == G == B.
func Grayscale() Stage {
	return func(_ *rand.Rand, img image.Image) image.Image {
		return imaging.Grayscale(img)
	}
}
