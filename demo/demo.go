// Handwritten text recognition trainer.
//
// It trains a CRNN model over a corpus of handwritten line images, in 2 steps:
//
//  1. With `demo --pre`: pre-generates augmented training images into a
//     binary file, so the subsequent training is not bottlenecked on image
//     augmentation. Optional, but recommended for several epochs of training.
//  2. With `demo`: trains the model, reading from the pre-generated file if
//     one exists, otherwise augmenting images on the fly.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gohtr/gohtr/augment"
	"github.com/gohtr/gohtr/corpus"
	"github.com/gohtr/gohtr/crnn"
	"github.com/gohtr/gohtr/losses"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir   = flag.String("data", "~/work/handwriting", "Directory with the corpus images; checkpoints and pre-generated data are saved under it.")
	flagLabels    = flag.String("labels", "labels.tsv", "Labels file, relative to --data: one \"<image path>\\t<transcription>\" per line.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	// Pre-generation.
	flagPreGenerate  = flag.Bool("pre", false, "Pre-generate augmented training images and exit.")
	flagPreGenEpochs = flag.Int("pregen_epochs", 10, "Number of epochs to pre-generate with --pre.")

	// Checkpointing.
	flagCheckpoint     = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
)

// pregenFileName is where --pre saves the augmented training data, under --data.
const pregenFileName = "pregen_train.bin"

// createDefaultContext sets the context with default hyperparameters
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"train_steps": 20000,

		// batch_size for training.
		"batch_size": 32,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 128,

		// Dataset partition.
		"split_seed":        42,
		"max_train_samples": 0,     // 0 takes all the training data.
		"use_all_data":      false, // Train on everything, reserving no validation data.

		// Image geometry: height must be a multiple of 16 and width of 4.
		"image_height":   64,
		"image_width":    256,
		"stretch_resize": true, // false resizes preserving aspect ratio and pads the width.

		// Labels. The model family selects the label collation, see
		// corpus.CollationForModel.
		"max_label_len": 72,
		"model_family":  "dan",

		// Augmentation.
		"augment":      true,
		"augment_seed": 13,
		"grayscale":    false, // Convert all images (train and eval) to grayscale.

		// Loss: at most one of the two may be set.
		"loss_sequence_normalize": false,
		"loss_sample_normalize":   true,

		// CRNN hyperparameters.
		crnn.ParamExtractor:    "vgg",
		crnn.ParamMapToSeq:     64,
		crnn.ParamHiddenSize:   256,
		crnn.ParamNumRecurrent: 2,

		layers.ParamNormalization:    "none",
		layers.ParamDropoutRate:      0.0,
		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-4,
	})
	return ctx
}

// DType used in the model.
var DType = dtypes.Float32

func main() {
	// Flags with context settings.
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	*flagDataDir = data.ReplaceTildeInDir(*flagDataDir)
	if !data.FileExists(*flagDataDir) {
		must.M(os.MkdirAll(*flagDataDir, 0777))
	}
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))

	if *flagPreGenerate {
		preGenerate(ctx)
		return
	}
	trainModel(ctx)
}

// loadCorpus loads the labels file and partitions the corpus per the
// context hyperparameters.
func loadCorpus(ctx *context.Context) (*corpus.Corpus, *corpus.Split) {
	alphabet := corpus.NewAlphabet(corpus.DefaultLetters)
	maxLabelLen := context.GetParamOr(ctx, "max_label_len", 0)
	c := must.M1(corpus.Load(*flagDataDir, path.Join(*flagDataDir, *flagLabels), alphabet, maxLabelLen))
	split := must.M1(corpus.NewSplit(corpus.DefaultRanges, c.Len(), corpus.SplitConfig{
		Seed:            int64(context.GetParamOr(ctx, "split_seed", 0)),
		MaxTrainSamples: context.GetParamOr(ctx, "max_train_samples", 0),
		UseAllData:      context.GetParamOr(ctx, "use_all_data", false),
	}))
	return c, split
}

// trainingPipeline builds the augmentation pipeline applied to training
// samples. With "augment" off it still converts to grayscale when the
// "grayscale" option is set, so training and evaluation images keep the
// same channel statistics.
func trainingPipeline(ctx *context.Context) *augment.Pipeline {
	augmentSeed := int64(context.GetParamOr(ctx, "augment_seed", 0))
	grayscale := context.GetParamOr(ctx, "grayscale", false)
	if context.GetParamOr(ctx, "augment", false) {
		stages := augment.TrainingStages()
		if grayscale {
			stages = append(stages[:len(stages)-1], augment.Grayscale())
		}
		return augment.NewPipeline(augmentSeed, stages...)
	}
	if grayscale {
		return augment.NewPipeline(augmentSeed, augment.Grayscale())
	}
	return nil
}

// evalPipeline builds the pipeline applied to evaluation samples: only the
// deterministic grayscale conversion, if set.
func evalPipeline(ctx *context.Context) *augment.Pipeline {
	if !context.GetParamOr(ctx, "grayscale", false) {
		return nil
	}
	augmentSeed := int64(context.GetParamOr(ctx, "augment_seed", 0))
	return augment.NewPipeline(augmentSeed, augment.Grayscale())
}

// collationFromContext resolves the "model_family" hyperparameter to a
// label collation. Flat (CTC style) collations are rejected: no CTC loss
// is wired, only the masked sequence cross-entropy over padded labels.
func collationFromContext(ctx *context.Context) corpus.Collation {
	family := context.GetParamOr(ctx, "model_family", "")
	collation, err := corpus.CollationForModel(family)
	if err != nil {
		Panicf("%v", err)
	}
	if collation == corpus.CollateFlat {
		Panicf("model family %q takes flat labels for a connectionist temporal classification loss, "+
			"which is not implemented; pick a padded-label family", family)
	}
	return collation
}

// buildDatasets loads the corpus, partitions it and creates the training
// and evaluation datasets per the context hyperparameters.
func buildDatasets(ctx *context.Context) (c *corpus.Corpus, trainDS, trainEvalDS, validationEvalDS train.Dataset) {
	var split *corpus.Split
	c, split = loadCorpus(ctx)

	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	width := context.GetParamOr(ctx, "image_width", 0)
	height := context.GetParamOr(ctx, "image_height", 0)
	stretch := context.GetParamOr(ctx, "stretch_resize", true)
	augmentSeed := int64(context.GetParamOr(ctx, "augment_seed", 0))
	normalizer := augment.NewNormalizer(DType)
	collation := collationFromContext(ctx)

	newDS := func(name string, indices []int, batchSize int, pipeline *augment.Pipeline) *corpus.Dataset {
		return corpus.NewDataset(name, c, indices, batchSize).
			WithGeometry(width, height, stretch).
			WithNormalizer(normalizer).
			WithCollation(collation).
			WithAugmentation(pipeline)
	}

	// Training dataset: from the pre-generated file if present, otherwise
	// augmenting on the fly, parallelized.
	pregenPath := path.Join(*flagDataDir, pregenFileName)
	if data.FileExists(pregenPath) {
		if *flagVerbosity >= 1 {
			fmt.Printf("Training data: pre-generated file %q\n", pregenPath)
		}
		trainDS = corpus.NewPreGeneratedDataset("training", pregenPath, batchSize, true,
			width, height, c.MaxLabelLen(), normalizer).
			WithCollation(collation)
	} else {
		ds := newDS("training", split.Train, batchSize, trainingPipeline(ctx)).
			WithShuffle(rand.New(rand.NewSource(augmentSeed))).
			Infinite(true)
		trainDS = data.Parallel(ds)
	}
	trainEvalDS = data.Parallel(newDS("training (eval)", split.Train, evalBatchSize, evalPipeline(ctx)))
	if split.HasValidation() {
		validationEvalDS = data.Parallel(newDS("validation", split.Validation, evalBatchSize, evalPipeline(ctx)))
	}
	return
}

// preGenerate saves --pregen_epochs epochs worth of augmented training data.
func preGenerate(ctx *context.Context) {
	c, split := loadCorpus(ctx)
	batchSize := context.GetParamOr(ctx, "batch_size", 32)
	width := context.GetParamOr(ctx, "image_width", 0)
	height := context.GetParamOr(ctx, "image_height", 0)
	stretch := context.GetParamOr(ctx, "stretch_resize", true)
	augmentSeed := int64(context.GetParamOr(ctx, "augment_seed", 0))
	ds := corpus.NewDataset("pre-generation", c, split.Train, batchSize).
		WithGeometry(width, height, stretch).
		WithAugmentation(trainingPipeline(ctx)).
		WithShuffle(rand.New(rand.NewSource(augmentSeed)))
	pregenPath := path.Join(*flagDataDir, pregenFileName)
	f := must.M1(os.Create(pregenPath))
	must.M(ds.Save(*flagPreGenEpochs, *flagVerbosity >= 1, f))
	must.M(f.Close())
	info := must.M1(os.Stat(pregenPath))
	fmt.Printf("Saved %s to %q\n", humanize.Bytes(uint64(info.Size())), pregenPath)
}

func trainModel(ctx *context.Context) {
	c, trainDS, trainEvalDS, validationEvalDS := buildDatasets(ctx)
	ctx.SetParam(crnn.ParamNumClasses, c.Alphabet().Size())

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	backend := backends.New()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Read hyperparameters from context that we don't want overwritten by loading of the context from a checkpoint.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	var globalStep int
	if *flagCheckpoint != "" {
		checkpointPath := data.ReplaceTildeInDir(*flagCheckpoint)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, *flagDataDir).Keep(*flagCheckpointKeep).Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		globalStep = int(optimizers.GetGlobalStep(ctx))
		if globalStep != 0 {
			fmt.Printf("Restarting training from global_step=%d\n", globalStep)
			ctx = ctx.Reuse()
		}
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Metrics we are interested.
	meanAccuracyMetric := metrics.NewMeanMetric(
		"Mean Token Accuracy", "#acc", "accuracy", losses.MaskedTokenAccuracyGraph, nil)

	lossFn := losses.MakeSequenceCrossEntropy(
		context.GetParamOr(ctx, "loss_sequence_normalize", false),
		context.GetParamOr(ctx, "loss_sample_normalize", true))

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	trainer := train.NewTrainer(backend, ctx, crnn.ModelGraph,
		lossFn,
		optimizers.FromContext(ctx),
		nil, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric}) // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if *flagVerbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Attach a checkpoint: checkpoint every 1 minute of training.
	if checkpoint != nil {
		period := time.Minute * 1
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Loop for given number of steps.
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if *flagVerbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation on train and validation datasets.
	if *flagEval {
		if *flagVerbosity >= 1 {
			fmt.Println()
		}
		evalDatasets := []train.Dataset{trainEvalDS}
		if validationEvalDS != nil {
			evalDatasets = append(evalDatasets, validationEvalDS)
		}
		must.M(commandline.ReportEval(trainer, evalDatasets...))
	}
}
