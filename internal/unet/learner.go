package unet

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/nucleiseg/internal/dataset"
	"github.com/janpfeifer/nucleiseg/internal/parameters"
)

// ParamEpoch is the context hyperparameter where the Learner records the number of
// completed epochs. It rides along with checkpoints, so a resumed run continues at
// exactly the epoch it stopped at.
const ParamEpoch = "epoch"

// Learner wraps a UNet with the executors and state needed by the training driver.
//
// Model parameters are mutated only by TrainStep; EvalStep runs with training mode
// off (no dropout, no gradient, no optimizer update).
type Learner struct {
	model   *UNet
	backend backends.Backend

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// Executors. trainStepExec also applies the optimizer update.
	trainStepExec, evalExec *context.Exec

	// checkpoint handler, if the model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// checkpointsToKeep is the number of older checkpoint copies kept around.
	checkpointsToKeep int

	batchSize int

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// NewLearner creates the Learner for a model. If checkpointDir is not empty a
// checkpoint handler is attached: with resume it loads the latest checkpoint (if
// any) into the model context; without resume any previous checkpoints are moved
// aside first, so training starts fresh but nothing is destroyed.
//
// params overrides context hyperparameters after a checkpoint load, so command-line
// settings win over persisted ones. Unknown keys are an error. The special key
// "keep" sets how many checkpoint copies to retain (default 10).
func NewLearner(backend backends.Backend, model *UNet, checkpointDir string, resume bool, params parameters.Params) (*Learner, error) {
	l := &Learner{
		model:   model,
		backend: backend,
	}

	var err error
	l.checkpointsToKeep, err = parameters.PopParamOr(params, "keep", 10)
	if err != nil {
		return nil, err
	}

	if checkpointDir != "" {
		if !resume {
			if err = archiveCheckpoints(checkpointDir); err != nil {
				return nil, err
			}
		}
		if err = l.createCheckpoint(checkpointDir); err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in path %s", checkpointDir)
		}
	}

	// Overwrite hyperparameters from given params: they take precedence over both the
	// model defaults and whatever a loaded checkpoint carried.
	ctx := model.Context()
	if err = extractParams(params, ctx); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, errors.Errorf("unknown hyperparameters given: %v", slices.Collect(maps.Keys(params)))
	}
	l.batchSize = context.GetParamOr(ctx, "batch_size", 10)

	// Create optimizer to be used in training.
	l.optimizer = optimizers.FromContext(ctx)

	l.trainStepExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			g := labels.Graph()
			ctx.SetTraining(g, true)
			loss, predictions := l.model.LossAndPredictionsGraph(ctx, inputs, labels)
			l.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return []*graph.Node{loss, predictions}
		})
	l.evalExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			loss, predictions := l.model.LossAndPredictionsGraph(ctx, inputs, labels)
			return []*graph.Node{loss, predictions}
		})
	return l, nil
}

// String implements fmt.Stringer.
func (l *Learner) String() string {
	if l == nil {
		return "<nil>[UNet]"
	}
	if l.checkpoint == nil {
		return "UNet[GoMLX]"
	}
	return fmt.Sprintf("UNet[GoMLX]@%s", l.checkpoint.Dir())
}

// BatchSize returns the batch size the model was configured with.
func (l *Learner) BatchSize() int { return l.batchSize }

// Epoch returns the number of completed epochs recorded in the (possibly just
// loaded) model context. Zero for a fresh model.
func (l *Learner) Epoch() int {
	return context.GetParamOr(l.model.Context(), ParamEpoch, 0)
}

// TrainStep runs one forward/backward/update cycle on a batch and returns the batch
// loss and the predictions (computed from the pre-update parameters).
//
// The input buffer is donated to the backend; the labels stay on host because the
// caller still measures IoU against them.
func (l *Learner) TrainStep(inputs, labels *tensors.Tensor) (loss float32, predictions *tensors.Tensor) {
	results := l.trainStepExec.Call(graph.DonateTensorBuffer(inputs, l.backend), labels)
	return tensors.ToScalar[float32](results[0]), results[1]
}

// EvalStep computes loss and predictions for a batch with training mode off.
// Model and optimizer state are unchanged.
func (l *Learner) EvalStep(inputs, labels *tensors.Tensor) (loss float32, predictions *tensors.Tensor) {
	results := l.evalExec.Call(graph.DonateTensorBuffer(inputs, l.backend), labels)
	return tensors.ToScalar[float32](results[0]), results[1]
}

// Save persists model parameters, optimizer state and the completed epoch count.
// epochCount must equal the number of epochs already finished.
func (l *Learner) Save(epochCount int) error {
	l.muSave.Lock()
	defer l.muSave.Unlock()
	l.model.Context().SetParam(ParamEpoch, epochCount)
	if l.checkpoint == nil {
		klog.Warningf("Model is not associated to a checkpoint directory, not saving")
		return nil
	}
	return l.checkpoint.Save()
}

// DumpGraph writes the forward graph's textual representation. It is an optional
// diagnostic, off by default, only meaningful before training starts.
func (l *Learner) DumpGraph(w io.Writer) error {
	ctx := l.model.Context()
	width := context.GetParamOr(ctx, ParamWidth, 256)
	dummy := tensors.FromShape(shapes.Make(dtypes.Float32, 1, width, width, dataset.NumChannels))

	var dump string
	exec := context.NewExec(l.backend, ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			out := l.model.ForwardGraph(ctx, inputs)
			dump = out.Graph().String()
			return out
		})
	if err := exceptions.TryCatch[error](func() { exec.Call(dummy) }); err != nil {
		return errors.WithMessagef(err, "failed to build forward graph for dumping")
	}
	_, err := io.WriteString(w, dump)
	return errors.Wrap(err, "failed to write graph dump")
}

func (l *Learner) createCheckpoint(dir string) error {
	var err error
	l.checkpoint, err = checkpoints.
		Build(l.model.Context()).
		Dir(dir).
		Immediate().
		Keep(l.checkpointsToKeep).
		Done()
	return err
}

// archiveCheckpoints moves an existing checkpoint directory aside, so a fresh
// (non-resumed) run doesn't silently pick up old state.
func archiveCheckpoints(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read checkpoint directory %q", dir)
	}
	if len(entries) == 0 {
		return nil
	}
	archived := fmt.Sprintf("%s.%s", dir, time.Now().Format("20060102-150405"))
	if err = os.Rename(dir, archived); err != nil {
		return errors.Wrapf(err, "failed to move old checkpoints from %q aside", dir)
	}
	klog.Warningf("Not resuming: moved previous checkpoints from %q to %q", dir, archived)
	return nil
}

// extractParams writes the given params as context hyperparameters, typed after the
// context's defaults.
func extractParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int)", key)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64)", key)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32)", key)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool)", key)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("hyperparameter %q is of unknown type %T", key, defaultValue)
		}
	})
	return err
}
