package corpus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSplit(t *testing.T) {
	split, err := NewSplit(DefaultRanges, DefaultRanges.Total, SplitConfig{Seed: 42})
	require.NoError(t, err)
	require.True(t, split.HasValidation())

	// Validation draws from the forms and wild blocks, never from GAN data.
	assert.Len(t, split.Validation, 5100+4800)
	formsVal, wildVal := 0, 0
	inValidation := make(map[int]bool, len(split.Validation))
	for _, idx := range split.Validation {
		require.False(t, inValidation[idx], "validation index %d reserved twice", idx)
		inValidation[idx] = true
		switch {
		case idx < DefaultRanges.Forms:
			formsVal++
		case idx < DefaultRanges.Wild:
			wildVal++
		default:
			t.Fatalf("GAN index %d reserved for validation", idx)
		}
	}
	assert.Equal(t, 5100, formsVal)
	assert.Equal(t, 4800, wildVal)

	// Training gets everything else, including all GAN samples.
	assert.Len(t, split.Train, DefaultRanges.Total-len(split.Validation))
	ganCount := 0
	seen := make(map[int]bool, len(split.Train))
	for _, idx := range split.Train {
		require.False(t, seen[idx], "index %d yielded twice", idx)
		seen[idx] = true
		assert.False(t, inValidation[idx], "index %d in both train and validation", idx)
		if idx >= DefaultRanges.Wild {
			ganCount++
		}
	}
	assert.Equal(t, DefaultRanges.Total-DefaultRanges.Wild, ganCount)
}

func TestNewSplitDeterminism(t *testing.T) {
	cfg := SplitConfig{Seed: 7, MaxTrainSamples: 1000}
	split1, err := NewSplit(DefaultRanges, DefaultRanges.Total, cfg)
	require.NoError(t, err)
	split2, err := NewSplit(DefaultRanges, DefaultRanges.Total, cfg)
	require.NoError(t, err)
	assert.Equal(t, split1.Train, split2.Train)
	assert.Equal(t, split1.Validation, split2.Validation)

	cfg.Seed = 8
	split3, err := NewSplit(DefaultRanges, DefaultRanges.Total, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, split1.Train, split3.Train)
	assert.NotEqual(t, split1.Validation, split3.Validation)
}

func TestNewSplitMaxTrainSamples(t *testing.T) {
	split, err := NewSplit(DefaultRanges, DefaultRanges.Total, SplitConfig{Seed: 1, MaxTrainSamples: 500})
	require.NoError(t, err)
	assert.Len(t, split.Train, 500)
	seen := make(map[int]bool, len(split.Train))
	for _, idx := range split.Train {
		require.False(t, seen[idx], "index %d sampled twice", idx)
		seen[idx] = true
	}

	// Asking for more than the available training set fails.
	available := DefaultRanges.Total - 5100 - 4800
	_, err = NewSplit(DefaultRanges, DefaultRanges.Total, SplitConfig{MaxTrainSamples: available + 1})
	require.Error(t, err)
}

func TestNewSplitUseAllData(t *testing.T) {
	split, err := NewSplit(DefaultRanges, DefaultRanges.Total, SplitConfig{Seed: 3, UseAllData: true})
	require.NoError(t, err)
	assert.False(t, split.HasValidation())
	assert.Nil(t, split.Validation)
	assert.Len(t, split.Train, DefaultRanges.Total)

	// The cap also applies when training on everything.
	split, err = NewSplit(DefaultRanges, DefaultRanges.Total, SplitConfig{Seed: 3, UseAllData: true, MaxTrainSamples: 200})
	require.NoError(t, err)
	assert.False(t, split.HasValidation())
	assert.Len(t, split.Train, 200)
}

func TestRangesValidate(t *testing.T) {
	require.Error(t, Ranges{Forms: 0, Wild: 10, Total: 20}.Validate(20))
	require.Error(t, Ranges{Forms: 10, Wild: 5, Total: 20}.Validate(20))
	// Ranges reaching beyond the corpus are rejected.
	require.Error(t, DefaultRanges.Validate(DefaultRanges.Total-1))
	// Blocks smaller than their validation reservation are rejected.
	require.Error(t, Ranges{Forms: 1000, Wild: 2000, Total: 2000}.Validate(2000))
	require.NoError(t, DefaultRanges.Validate(DefaultRanges.Total))
	// Extra corpus samples beyond the ranges are fine.
	require.NoError(t, DefaultRanges.Validate(DefaultRanges.Total+10))
}
