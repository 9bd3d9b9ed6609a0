// Package trainer implements the epoch driver: it sequences the training and
// validation passes over the data, checkpoints the model at the configured interval
// and owns the monitoring log scope of the run.
package trainer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/nucleiseg/internal/config"
	"github.com/janpfeifer/nucleiseg/internal/dataset"
	"github.com/janpfeifer/nucleiseg/internal/summary"
)

// validateEvery: a cross-validation pass runs after every validateEvery-th epoch.
const validateEvery = 3

// Learner is what the driver needs from the model: train and eval steps,
// checkpointing and the optional graph dump. Implemented by *unet.Learner.
type Learner interface {
	// TrainStep runs one forward/backward/update cycle and returns the batch loss
	// and predictions.
	TrainStep(inputs, labels *tensors.Tensor) (loss float32, predictions *tensors.Tensor)

	// EvalStep computes loss and predictions without mutating any state.
	EvalStep(inputs, labels *tensors.Tensor) (loss float32, predictions *tensors.Tensor)

	// Save persists model and optimizer state plus the completed epoch count.
	Save(epochCount int) error

	// DumpGraph writes a textual representation of the forward graph.
	DumpGraph(w io.Writer) error
}

// Run executes cfg.Epochs epochs, numbered startEpoch .. startEpoch+cfg.Epochs-1.
//
// It opens the run's monitoring log scope (named deterministically from the run
// parameters) and guarantees it is flushed and closed on every exit path. Any error
// aborts the whole run; there is no partial-epoch recovery.
func Run(runCtx context.Context, cfg *config.Config, learner Learner, trainData, validData dataset.Source, startEpoch int) (err error) {
	runDir := summary.RunDir(cfg.LogDir, cfg.ModelName, cfg.Width,
		startEpoch, startEpoch+cfg.Epochs, cfg.LearnRate)
	writer, err := summary.NewWriter(runDir)
	if err != nil {
		return err
	}
	defer func() {
		// Released unconditionally, also when unwinding an error.
		closeErr := writer.Close()
		if err == nil {
			err = closeErr
		}
	}()
	klog.V(1).Infof("Monitoring logs at %s", runDir)

	if cfg.DumpGraph && startEpoch == 0 {
		// Dump graph only for the very first training. Off by default.
		if err = dumpGraph(learner, runDir); err != nil {
			return err
		}
	}

	// GoMLX reports problems (shape mismatches, backend failures) as panics; convert
	// anything thrown below into the run's error.
	var loopErr error
	err = exceptions.TryCatch[error](func() {
		loopErr = runEpochs(runCtx, cfg, learner, trainData, validData, startEpoch, writer)
	})
	if err == nil {
		err = loopErr
	}
	return err
}

func runEpochs(runCtx context.Context, cfg *config.Config, learner Learner, trainData, validData dataset.Source, startEpoch int, writer *summary.Writer) error {
	for epoch := startEpoch; epoch < startEpoch+cfg.Epochs; epoch++ {
		if err := trainEpoch(runCtx, cfg, learner, trainData, epoch, writer); err != nil {
			return err
		}
		if epoch%validateEvery == validateEvery-1 {
			if err := validEpoch(runCtx, learner, validData, epoch, trainData.Batches(), writer); err != nil {
				return err
			}
		}
		if epoch%cfg.CheckpointEvery == cfg.CheckpointEvery-1 {
			// The saved count is the number of completed epochs, so resumption
			// continues at exactly this point.
			if err := learner.Save(epoch + 1); err != nil {
				return errors.WithMessagef(err, "failed to checkpoint after epoch %d", epoch)
			}
		}
	}
	return nil
}

func dumpGraph(learner Learner, runDir string) error {
	path := filepath.Join(runDir, "graph.txt")
	klog.Infof("Dumping model graph to %s", path)
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create graph dump file %q", path)
	}
	if err = learner.DumpGraph(file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close graph dump file %q", path)
}
