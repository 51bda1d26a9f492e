// Package crnn implements the convolutional-recurrent model used for
// handwritten text recognition: a convolutional feature extractor collapses
// the image height into feature channels, a linear map projects each
// horizontal position to a sequence embedding and a stack of bidirectional
// LSTMs produces per-position class logits.
//
// The model reads its hyperparameters from the context (see the Param*
// constants), so the same graph function serves different configurations.
package crnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/layers/lstm"
)

// Hyperparameter names read from the context by ModelGraph.
const (
	// ParamNumClasses is the size of the output alphabet, including the
	// padding class. It has no default and must be set.
	ParamNumClasses = "num_classes"

	// ParamExtractor selects the convolutional backbone, "vgg" (default)
	// or "resnet".
	ParamExtractor = "crnn_extractor"

	// ParamMapToSeq is the embedding size each horizontal position of the
	// feature map is projected to before the recurrent stack.
	ParamMapToSeq = "crnn_map_to_seq"

	// ParamHiddenSize is the hidden state size of each LSTM direction.
	ParamHiddenSize = "crnn_hidden"

	// ParamNumRecurrent is the number of stacked bidirectional LSTMs.
	ParamNumRecurrent = "crnn_num_recurrent"
)

// ModelGraph builds the CRNN forward graph. It is a train.ModelFn: inputs[0]
// must be the image batch shaped [batch, height, width, 3], with the height
// a multiple of 16 and the width a multiple of 4. It outputs one node, the
// logits shaped [batch, width/4 - 1, numClasses].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images := inputs[0]
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		Panicf("hyperparameter %q must be set to the alphabet size, got %d", ParamNumClasses, numClasses)
	}

	var features *Node
	extractor := context.GetParamOr(ctx, ParamExtractor, "vgg")
	switch extractor {
	case "vgg":
		features = vggBackbone(ctx.In("vgg"), images)
	case "resnet":
		features = resnetBackbone(ctx.In("resnet"), images)
	default:
		Panicf("unsupported feature extractor %q, valid values are \"vgg\" and \"resnet\"", extractor)
	}

	features = layers.DropoutFromContext(ctx, features)
	sequence := featuresToSequence(ctx, features)
	sequence = recurrentStack(ctx, sequence)
	logits := layers.DenseWithBias(ctx.In("readout"), sequence, numClasses)
	return []*Node{logits}
}

// vggBackbone is a VGG-style stack of 3x3 convolutions. Pooling halves the
// height four times but the width only twice, so the feature map keeps
// enough horizontal resolution for one output position per 4 input columns.
// Output shape: [batch, 1, width/4 - 1, 512].
func vggBackbone(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4)
	height, width := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	if height%16 != 0 || width%4 != 0 {
		Panicf("images must have height divisible by 16 and width divisible by 4, got %dx%d", height, width)
	}

	conv := func(layer, filters, kernel int, pad bool) {
		cfg := layers.Convolution(ctx.Inf("%03d_conv", layer), x).Filters(filters).KernelSize(kernel)
		if pad {
			cfg = cfg.PadSame()
		} else {
			cfg = cfg.NoPadding()
		}
		x = cfg.Done()
	}

	conv(0, 64, 3, true)
	x = activations.Relu(x)
	x = MaxPool(x).Window(2).Done()

	conv(1, 128, 3, true)
	x = activations.Relu(x)
	x = MaxPool(x).Window(2).Done()

	conv(2, 256, 3, true)
	x = activations.Relu(x)
	conv(3, 256, 3, true)
	x = activations.Relu(x)
	x = MaxPool(x).WindowPerAxis(2, 1).Done()

	conv(4, 512, 3, true)
	x = batchnorm.New(ctx.In("004_norm"), x, -1).Done()
	x = activations.Relu(x)
	conv(5, 512, 3, true)
	x = batchnorm.New(ctx.In("005_norm"), x, -1).Done()
	x = activations.Relu(x)
	x = MaxPool(x).WindowPerAxis(2, 1).Done()

	conv(6, 512, 2, false)
	x = activations.Relu(x)
	return x
}

// resnetBackbone reproduces the vggBackbone geometry with residual blocks,
// so the two extractors are interchangeable downstream.
func resnetBackbone(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4)
	height, width := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	if height%16 != 0 || width%4 != 0 {
		Panicf("images must have height divisible by 16 and width divisible by 4, got %dx%d", height, width)
	}

	x = layers.Convolution(ctx.In("stem"), x).Filters(64).KernelSize(3).PadSame().Done()
	x = batchnorm.New(ctx.In("stem_norm"), x, -1).Done()
	x = activations.Relu(x)

	for ii, stage := range []struct {
		filters     int
		poolWindowW int
	}{
		{64, 2},
		{128, 2},
		{256, 1},
		{512, 1},
	} {
		stageCtx := ctx.Inf("%03d_stage", ii)
		x = residualBlock(stageCtx.In("block_a"), x, stage.filters)
		x = residualBlock(stageCtx.In("block_b"), x, stage.filters)
		x = MaxPool(x).WindowPerAxis(2, stage.poolWindowW).Done()
	}

	x = layers.Convolution(ctx.In("head"), x).Filters(512).KernelSize(2).NoPadding().Done()
	x = activations.Relu(x)
	return x
}

func residualBlock(ctx *context.Context, x *Node, filters int) *Node {
	residual := x
	if x.Shape().Dimensions[3] != filters {
		residual = layers.Dense(ctx.In("projection"), x, true, filters)
	}
	x = layers.Convolution(ctx.In("conv_a"), x).Filters(filters).KernelSize(3).PadSame().Done()
	x = batchnorm.New(ctx.In("norm_a"), x, -1).Done()
	x = activations.Relu(x)
	x = layers.Convolution(ctx.In("conv_b"), x).Filters(filters).KernelSize(3).PadSame().Done()
	x = batchnorm.New(ctx.In("norm_b"), x, -1).Done()
	x = Add(x, residual)
	return activations.Relu(x)
}

// featuresToSequence turns the extractor output [batch, h, w, channels] into
// a sequence [batch, w, embedSize], folding the remaining height into the
// per-position features before the linear projection.
func featuresToSequence(ctx *context.Context, features *Node) *Node {
	features.AssertRank(4)
	dims := features.Shape().Dimensions
	batchSize, h, w, channels := dims[0], dims[1], dims[2], dims[3]
	seq := Transpose(features, 1, 2)
	seq = Reshape(seq, batchSize, w, h*channels)
	embedSize := context.GetParamOr(ctx, ParamMapToSeq, 64)
	return layers.DenseWithBias(ctx.In("map_to_seq"), seq, embedSize)
}

// recurrentStack runs the sequence through stacked bidirectional LSTMs,
// concatenating the two directions' hidden states at every position.
func recurrentStack(ctx *context.Context, x *Node) *Node {
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, 256)
	numLayers := context.GetParamOr(ctx, ParamNumRecurrent, 2)
	dims := x.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	for ii := range numLayers {
		layerCtx := ctx.Inf("%03d_lstm", ii)
		allStates, _, _ := lstm.New(layerCtx, x, hiddenSize).
			Direction(lstm.DirBidirectional).Done()
		// allStates: [seqLen, numDirections=2, batch, hiddenSize].
		x = TransposeAllDims(allStates, 2, 0, 1, 3)
		x = Reshape(x, batchSize, seqLen, 2*hiddenSize)
	}
	return x
}
