// Package losses provides loss functions for sequence transcription models,
// where each sample is a variable-length sequence of class labels padded to
// a fixed width.
package losses

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
)

// MakeSequenceCrossEntropy returns a loss function computing the
// cross-entropy of per-position class predictions against padded label
// sequences, where padded positions do not contribute to the loss.
//
// It expects labels to hold two tensors: the padded target classes, shaped
// [batch, maxLength] (integer), and the true sequence lengths, shaped
// [batch] (integer). Predictions must hold the logits, shaped
// [batch, seqLength, numClasses] with seqLength <= maxLength. Target
// positions beyond seqLength are dropped, even when lengths counts them:
// they contribute neither to the loss sum nor to sequenceNormalize's
// denominator, so a length larger than seqLength behaves as if clamped to
// seqLength.
//
// Exactly one of the normalization modes may be enabled:
//
//   - sequenceNormalize divides the summed loss by the total number of
//     unpadded positions in the batch, weighting every character equally.
//   - sampleNormalize divides by the batch size, weighting every sequence
//     equally regardless of its length.
//
// With neither flag the raw sum is returned. Setting both panics.
func MakeSequenceCrossEntropy(sequenceNormalize, sampleNormalize bool) train.LossFn {
	if sequenceNormalize && sampleNormalize {
		Panicf("losses.MakeSequenceCrossEntropy: sequenceNormalize and sampleNormalize are mutually exclusive")
	}
	return func(labels, predictions []*Node) *Node {
		if len(labels) != 2 {
			Panicf("sequence cross-entropy requires 2 label tensors (targets, lengths), got %d", len(labels))
		}
		targets, lengths := labels[0], labels[1]
		logits := predictions[0]
		if logits.Rank() != 3 {
			Panicf("sequence cross-entropy requires logits shaped [batch, seqLength, numClasses], got %s", logits.Shape())
		}
		batchSize := logits.Shape().Dimensions[0]
		seqLength := logits.Shape().Dimensions[1]
		numClasses := logits.Shape().Dimensions[2]
		maxLength := targets.Shape().Dimensions[1]
		if maxLength < seqLength {
			Panicf("logits have %d positions, more than the targets' padded width %d", seqLength, maxLength)
		}

		mask := LengthsToMask(lengths, maxLength)
		if maxLength > seqLength {
			targets = Slice(targets, AxisRange(), AxisRange(0, seqLength))
			mask = Slice(mask, AxisRange(), AxisRange(0, seqLength))
		}

		dtype := logits.DType()
		logProbs := LogSoftmax(logits, -1)
		perPosition := Neg(ReduceSum(Mul(OneHot(targets, numClasses, dtype), logProbs), -1))
		maskValues := ConvertDType(mask, dtype)
		loss := ReduceAllSum(Mul(perPosition, maskValues))
		if sequenceNormalize {
			loss = Div(loss, ReduceAllSum(maskValues))
		} else if sampleNormalize {
			loss = DivScalar(loss, float64(batchSize))
		}
		return loss
	}
}

// SequenceCrossEntropy is the sample-normalized masked sequence
// cross-entropy, the variant used to train the recognition models.
var SequenceCrossEntropy = MakeSequenceCrossEntropy(false, true)

// LengthsToMask builds a boolean mask shaped [batch, maxLength] from the
// sequence lengths ([batch], integer): position p of row b is true iff
// p < lengths[b].
func LengthsToMask(lengths *Node, maxLength int) *Node {
	g := lengths.Graph()
	batchSize := lengths.Shape().Dimensions[0]
	positions := Iota(g, shapes.Make(lengths.DType(), batchSize, maxLength), 1)
	limits := BroadcastToShape(InsertAxes(lengths, -1), positions.Shape())
	return LessThan(positions, limits)
}

// MaskedTokenAccuracyGraph computes the fraction of unpadded positions where
// the arg-max of the logits matches the target class. Labels and
// predictions follow the same convention as MakeSequenceCrossEntropy.
func MaskedTokenAccuracyGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	_ = ctx
	targets, lengths := labels[0], labels[1]
	logits := predictions[0]
	seqLength := logits.Shape().Dimensions[1]
	maxLength := targets.Shape().Dimensions[1]
	mask := LengthsToMask(lengths, maxLength)
	if maxLength > seqLength {
		targets = Slice(targets, AxisRange(), AxisRange(0, seqLength))
		mask = Slice(mask, AxisRange(), AxisRange(0, seqLength))
	}
	predicted := ArgMax(logits, -1, targets.DType())
	correct := And(Equal(predicted, targets), mask)
	dtype := logits.DType()
	return Div(
		ReduceAllSum(ConvertDType(correct, dtype)),
		ReduceAllSum(ConvertDType(mask, dtype)))
}
