package corpus

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Ranges describes the provenance layout of a corpus as three contiguous
// index blocks: [0, Forms) holds scanned handwriting forms,
// [Forms, Wild) holds in-the-wild photos and [Wild, Total) holds GAN
// generated images.
type Ranges struct {
	Forms int
	Wild  int
	Total int
}

// DefaultRanges is the layout of the full corpus: 51000 forms, 48000 wild
// photos and 4000 GAN images.
var DefaultRanges = Ranges{Forms: 51000, Wild: 99000, Total: 103000}

// Validation reservations, as absolute counts per provenance block.
const (
	formsValidation = 5100
	wildValidation  = 4800
)

// Validate checks the ranges are consistent with each other, fit within the
// corpus and leave room for the validation reservations.
func (r Ranges) Validate(corpusSize int) error {
	if r.Forms <= 0 || r.Wild < r.Forms || r.Total < r.Wild {
		return errors.Errorf("invalid ranges %+v: want 0 < Forms <= Wild <= Total", r)
	}
	if r.Total > corpusSize {
		return errors.Errorf("ranges end at %d, beyond the corpus size %d", r.Total, corpusSize)
	}
	if formsValidation > r.Forms || wildValidation > r.Wild-r.Forms {
		return errors.Errorf("ranges %+v are smaller than the validation reservations (%d forms, %d wild)",
			r, formsValidation, wildValidation)
	}
	return nil
}

// SplitConfig controls how NewSplit partitions a corpus.
type SplitConfig struct {
	// Seed of the pseudo-random generator used for shuffling and sampling.
	// The same seed always yields the same split.
	Seed int64

	// MaxTrainSamples caps the training set to that many samples, drawn
	// without replacement. Zero means no cap.
	MaxTrainSamples int

	// UseAllData trains on every sample, reserving nothing for validation.
	UseAllData bool
}

// Split is a partition of corpus indices into a training set and an optional
// validation set.
type Split struct {
	// Train indices.
	Train []int

	// Validation indices, or nil if the split reserved no validation data.
	Validation []int
}

// HasValidation reports whether the split reserved a validation set.
func (s *Split) HasValidation() bool { return s.Validation != nil }

// NewSplit partitions the corpus indices described by r into train and
// validation sets.
//
// Unless cfg.UseAllData is set, the forms and wild blocks are each shuffled
// with a generator seeded by cfg.Seed, and the first formsValidation and
// wildValidation indices of the respective shuffle are reserved for
// validation. The remainder, plus all GAN samples, form the training set.
// GAN samples are only ever used for training.
//
// If cfg.MaxTrainSamples is set, the training set is replaced by that many
// of its indices, sampled without replacement.
func NewSplit(r Ranges, corpusSize int, cfg SplitConfig) (*Split, error) {
	if err := r.Validate(corpusSize); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	var split Split
	if cfg.UseAllData {
		split.Train = blockIndices(0, corpusSize)
	} else {
		forms := blockIndices(0, r.Forms)
		wild := blockIndices(r.Forms, r.Wild)
		rng.Shuffle(len(forms), func(i, j int) { forms[i], forms[j] = forms[j], forms[i] })
		rng.Shuffle(len(wild), func(i, j int) { wild[i], wild[j] = wild[j], wild[i] })
		split.Validation = append(split.Validation, forms[:formsValidation]...)
		split.Validation = append(split.Validation, wild[:wildValidation]...)
		split.Train = append(split.Train, forms[formsValidation:]...)
		split.Train = append(split.Train, wild[wildValidation:]...)
		split.Train = append(split.Train, blockIndices(r.Wild, r.Total)...)
	}

	if cfg.MaxTrainSamples > 0 {
		if cfg.MaxTrainSamples > len(split.Train) {
			return nil, errors.Errorf("requested %d training samples, but only %d are available",
				cfg.MaxTrainSamples, len(split.Train))
		}
		rng.Shuffle(len(split.Train), func(i, j int) {
			split.Train[i], split.Train[j] = split.Train[j], split.Train[i]
		})
		split.Train = split.Train[:cfg.MaxTrainSamples]
	}
	return &split, nil
}

func blockIndices(start, end int) []int {
	indices := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		indices = append(indices, i)
	}
	return indices
}
