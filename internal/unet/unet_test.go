package unet

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"

	"github.com/janpfeifer/nucleiseg/internal/dataset"
	"github.com/janpfeifer/nucleiseg/internal/parameters"
)

func TestHyperparameterDefaults(t *testing.T) {
	model := New(64)
	ctx := model.Context()
	require.Equal(t, 64, context.GetParamOr(ctx, ParamWidth, 0))
	require.Equal(t, 16, context.GetParamOr(ctx, ParamNumFilters, 0))
	require.Equal(t, "adam", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	require.Equal(t, 1e-4, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
}

// testBatch builds a fresh random input batch and a half-on label map. Inputs must
// be rebuilt per step because the Learner donates their buffer to the backend.
func testBatch(batchSize, width int, seed int64) (inputs, labels *tensors.Tensor) {
	rng := rand.New(rand.NewSource(seed))
	inputs = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, width, width, dataset.NumChannels))
	tensors.MutableFlatData(inputs, func(flat []float32) {
		for ii := range flat {
			flat[ii] = rng.Float32()
		}
	})
	labels = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, width, width, 1))
	tensors.MutableFlatData(labels, func(flat []float32) {
		for ii := range flat {
			if ii%2 == 0 {
				flat[ii] = 1
			}
		}
	})
	return
}

func newTestLearner(t *testing.T, checkpointDir string, resume bool) *Learner {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	model := New(8)
	learner, err := NewLearner(backend, model, checkpointDir, resume,
		parameters.FromConfigString("num_filters=2,num_levels=1,batch_size=2"))
	require.NoError(t, err)
	return learner
}

func TestLearnerTrainAndEval(t *testing.T) {
	learner := newTestLearner(t, "", true)
	require.Equal(t, 0, learner.Epoch())
	require.Equal(t, 2, learner.BatchSize())

	inputs, labels := testBatch(2, 8, 1)
	loss, predictions := learner.TrainStep(inputs, labels)
	require.False(t, loss != loss, "loss is NaN")
	require.Equal(t, []int{2, 8, 8, 1}, predictions.Shape().Dimensions)
	for _, p := range tensors.CopyFlatData[float32](predictions) {
		require.GreaterOrEqual(t, p, float32(0))
		require.LessOrEqual(t, p, float32(1))
	}

	// Evaluation mutates nothing: the same batch scores identically twice in a row.
	inputs, labels = testBatch(2, 8, 2)
	evalLoss1, _ := learner.EvalStep(inputs, labels)
	inputs, labels = testBatch(2, 8, 2)
	evalLoss2, _ := learner.EvalStep(inputs, labels)
	require.Equal(t, evalLoss1, evalLoss2)

	// Training does mutate: after some steps the same batch scores differently.
	for step := range 5 {
		inputs, labels = testBatch(2, 8, int64(10+step))
		learner.TrainStep(inputs, labels)
	}
	inputs, labels = testBatch(2, 8, 2)
	evalLoss3, _ := learner.EvalStep(inputs, labels)
	require.NotEqual(t, evalLoss1, evalLoss3)
}

func TestLearnerCheckpointResume(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")

	learner := newTestLearner(t, dir, true)
	inputs, labels := testBatch(2, 8, 1)
	learner.TrainStep(inputs, labels)
	require.NoError(t, learner.Save(3))

	// A resumed learner continues at the recorded epoch count.
	resumed := newTestLearner(t, dir, true)
	require.Equal(t, 3, resumed.Epoch())

	// Without resume the old checkpoints are moved aside and training starts fresh.
	fresh := newTestLearner(t, dir, false)
	require.Equal(t, 0, fresh.Epoch())
}

func TestLearnerSaveWithoutCheckpoint(t *testing.T) {
	learner := newTestLearner(t, "", true)
	// No checkpoint directory: Save warns but does not fail.
	require.NoError(t, learner.Save(1))
	require.Equal(t, 1, learner.Epoch())
}

func TestLearnerUnknownHyperparameter(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := NewLearner(backend, New(8), "", true, parameters.FromConfigString("no_such_param=1"))
	require.Error(t, err)
}

func TestDumpGraph(t *testing.T) {
	learner := newTestLearner(t, "", true)
	var buf bytes.Buffer
	require.NoError(t, learner.DumpGraph(&buf))
	require.NotZero(t, buf.Len())
}
