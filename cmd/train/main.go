// The train binary drives supervised training of the nuclei segmentation model:
// it loads batched image/label pairs, runs the epoch loop with periodic
// cross-validation and checkpointing, and emits scalar summaries for monitoring.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/nucleiseg/internal/config"
	"github.com/janpfeifer/nucleiseg/internal/dataset"
	"github.com/janpfeifer/nucleiseg/internal/parameters"
	"github.com/janpfeifer/nucleiseg/internal/trainer"
	"github.com/janpfeifer/nucleiseg/internal/unet"
)

var defaults = config.Default()

var (
	flagResume = flag.Bool("resume", true, "Resume from the last checkpoint; use -resume=false to start fresh "+
		"(previous checkpoints are moved aside, not deleted).")
	flagAccel = flag.Bool("accel", defaults.Accel, "Use the accelerated (PJRT/XLA) backend if available; "+
		"falls back to the pure Go backend otherwise.")
	flagEpochs    = flag.Int("epochs", defaults.Epochs, "Number of epochs to run in this invocation.")
	flagLearnRate = flag.Float64("lr", defaults.LearnRate, "Learning rate.")

	flagBatchSize = flag.Int("batch_size", defaults.BatchSize, "Number of samples per batch.")
	flagWorkers   = flag.Int("workers", defaults.Workers, "Parallel data-loading workers per loader.")
	flagWidth     = flag.Int("width", defaults.Width, "Input image side; samples are resized to width x width.")
	flagModelName = flag.String("model", defaults.ModelName, "Model name, used to name the log directory.")

	flagDataDir       = flag.String("data_dir", defaults.DataDir, "Directory with the training samples.")
	flagCheckpointDir = flag.String("checkpoint_dir", defaults.CheckpointDir, "Directory for model checkpoints.")
	flagLogDir        = flag.String("log_dir", defaults.LogDir, "Base directory for monitoring logs.")

	flagCheckpointEvery = flag.Int("checkpoint_every", defaults.CheckpointEvery, "Save a checkpoint every n epochs.")
	flagPrintEvery      = flag.Int("print_every", defaults.PrintEvery, "Print a progress line every n batches.")
	flagSeed            = flag.Int64("seed", defaults.Seed, "Seed for the dataset split and batch shuffling.")

	flagHParams = flag.String("hparams", "", "Model hyperparameter overrides, as \"key=value,key=value,...\". "+
		"Keys are the model's context parameters, e.g. num_filters=32,num_levels=3.")
	flagDumpGraph = flag.Bool("dump_graph", false, "Dump the model's forward graph into the log directory "+
		"on a fresh run. Diagnostic, off by default.")
)

func buildConfig() config.Config {
	cfg := defaults
	cfg.ModelName = *flagModelName
	cfg.Width = *flagWidth
	cfg.BatchSize = *flagBatchSize
	cfg.Workers = *flagWorkers
	cfg.Epochs = *flagEpochs
	cfg.LearnRate = *flagLearnRate
	cfg.Accel = *flagAccel
	cfg.CheckpointEvery = *flagCheckpointEvery
	cfg.PrintEvery = *flagPrintEvery
	cfg.Seed = *flagSeed
	cfg.DataDir = *flagDataDir
	cfg.CheckpointDir = *flagCheckpointDir
	cfg.LogDir = *flagLogDir
	cfg.DumpGraph = *flagDumpGraph
	return cfg
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := buildConfig()
	must.M(cfg.Validate())

	// Capture Control+C: the run aborts, it does not recover mid-epoch.
	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Acceleration is effective only if requested and actually available.
	backend, accelerated := resolveBackend(cfg.Accel)
	cfg.Accel = accelerated

	// The sample cache is created before any loader worker exists and shared by all
	// of them.
	cache := dataset.NewMemCache()
	ds := must.M1(dataset.New(cfg.DataDir, cfg.Width, cache))
	trainIdx, validIdx := ds.Split(cfg.Seed, cfg.ValidFraction)
	trainLoader := dataset.NewLoader(ds, trainIdx, cfg.BatchSize, cfg.Workers, cfg.Seed+1)
	validLoader := dataset.NewLoader(ds, validIdx, cfg.BatchSize, cfg.Workers, cfg.Seed+2)
	klog.V(1).Infof("Split: %d training / %d validation samples", len(trainIdx), len(validIdx))

	// Command-line settings win over checkpointed hyperparameters.
	params := parameters.FromConfigString(*flagHParams)
	params[optimizers.ParamLearningRate] = fmt.Sprintf("%g", cfg.LearnRate)
	params["batch_size"] = fmt.Sprintf("%d", cfg.BatchSize)

	model := unet.New(cfg.Width)
	learner := must.M1(unet.NewLearner(backend, model, cfg.CheckpointDir, *flagResume, params))

	startEpoch := learner.Epoch()
	if startEpoch == 0 {
		fmt.Println("Grand new training ...")
	} else {
		klog.Infof("Resuming %s at epoch %d", learner, startEpoch)
	}

	fmt.Println("Training started...")
	must.M(trainer.Run(runCtx, &cfg, learner, trainLoader, validLoader, startEpoch))
	fmt.Println("Training finished...")
}
