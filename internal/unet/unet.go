// Package unet implements the nuclei segmentation model on GoMLX, and the Learner
// that trains, evaluates and checkpoints it.
//
// The model is a small U-shaped convolutional encoder/decoder: each level halves the
// spatial resolution and doubles the filters, the decoder mirrors it with nearest
// neighbor upsampling and skip connections, and a 1x1 convolution head emits one
// per-pixel logit. Hyperparameters all live in the model's context, so they are
// persisted with checkpoints and can be overridden from the command line.
package unet

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// Context hyperparameter keys specific to the UNet model.
const (
	// ParamNumFilters is the number of filters of the first level. Level n uses
	// ParamNumFilters << n.
	ParamNumFilters = "num_filters"

	// ParamNumLevels is the number of downsampling levels.
	ParamNumLevels = "num_levels"

	// ParamWidth is the input image side; the model is compiled for a fixed width.
	ParamWidth = "width"
)

// UNet holds the model context with its variables and hyperparameters.
type UNet struct {
	ctx *context.Context
}

// New creates a UNet model with a fresh context, initialized with hyperparameters set
// to their defaults.
func New(width int) *UNet {
	u := &UNet{ctx: context.New()}
	u.ctx.RngStateReset()
	u.ctx.SetParams(map[string]any{
		"batch_size":    10,
		ParamWidth:      width,
		ParamNumFilters: 16,
		ParamNumLevels:  2,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-4,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamWeightDecay: 1e-6,
		activations.ParamActivation:     "relu",
		layers.ParamDropoutRate:         0.0,
	})
	u.ctx = u.ctx.Checked(false)
	return u
}

func (u *UNet) Context() *context.Context {
	return u.ctx
}

// convBlock is two same-padded 3x3 convolutions with the context's activation.
func convBlock(ctx *context.Context, x *Node, filters int) *Node {
	for ii := range 2 {
		scope := ctx.Inf("conv_%d", ii)
		x = layers.Convolution(scope, x).Filters(filters).KernelSize(3).PadSame().Done()
		x = activations.ApplyFromContext(scope, x)
	}
	return x
}

// LogitsGraph builds the network and returns per-pixel logits, shaped
// [batch, width, width, 1] like the labels.
func (u *UNet) LogitsGraph(ctx *context.Context, inputs []*Node) *Node {
	images := inputs[0]
	batchSize := images.Shape().Dim(0)
	width := images.Shape().Dim(1)
	numFilters := context.GetParamOr(ctx, ParamNumFilters, 16)
	numLevels := context.GetParamOr(ctx, ParamNumLevels, 2)

	// Encoder: keep each level's activations for the skip connections.
	x := images
	skips := make([]*Node, 0, numLevels)
	for level := range numLevels {
		x = convBlock(ctx.Inf("down_%d", level), x, numFilters<<level)
		skips = append(skips, x)
		x = MaxPool(x).Window(2).Done()
	}

	x = convBlock(ctx.In("bottom"), x, numFilters<<numLevels)
	x = layers.DropoutFromContext(ctx.In("bottom"), x)

	// Decoder: upsample, concatenate the skip, convolve.
	for level := numLevels - 1; level >= 0; level-- {
		skip := skips[level]
		x = Interpolate(x, -1, skip.Shape().Dim(1), skip.Shape().Dim(2), -1).Nearest().Done()
		x = Concatenate([]*Node{skip, x}, -1)
		x = convBlock(ctx.Inf("up_%d", level), x, numFilters<<level)
	}

	logits := layers.Convolution(ctx.In("head"), x).Filters(1).KernelSize(1).PadSame().Done()
	logits.AssertDims(batchSize, width, width, 1)
	return logits
}

// ForwardGraph returns the per-pixel nucleus probabilities.
func (u *UNet) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	return Sigmoid(u.LogitsGraph(ctx, inputs))
}

// LossAndPredictionsGraph returns the scalar binary cross-entropy loss against the
// labels and the predictions it was computed from. The loss works on the logits for
// numerical stability; the returned predictions are probabilities in [0, 1].
func (u *UNet) LossAndPredictionsGraph(ctx *context.Context, inputs []*Node, labels *Node) (loss, predictions *Node) {
	logits := u.LogitsGraph(ctx, inputs)
	predictions = Sigmoid(logits)
	loss = losses.BinaryCrossentropyLogits([]*Node{labels}, []*Node{logits})
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return
}
