package trainer

import (
	"context"

	"github.com/janpfeifer/nucleiseg/internal/dataset"
	"github.com/janpfeifer/nucleiseg/internal/metrics"
	"github.com/janpfeifer/nucleiseg/internal/progress"
	"github.com/janpfeifer/nucleiseg/internal/summary"
)

// validEpoch runs one full pass over the validation split with no parameter updates,
// and emits one summary record with the epoch averages.
//
// trainSteps is the *training* loader's batch count: validation points are placed at
// step = epoch*trainSteps so their x-axis stays comparable with the training curves.
func validEpoch(runCtx context.Context, learner Learner, src dataset.Source, epoch, trainSteps int, writer *summary.Writer) error {
	var losses, iou metrics.AverageMeter
	it := src.Start(runCtx)
	for {
		batch, ok := it.Next()
		if !ok {
			break
		}
		loss, predictions := learner.EvalStep(batch.Inputs, batch.Labels)
		iou.Update(metrics.IoUMean(predictions, batch.Labels), float32(batch.Size))
		losses.Update(loss, float32(batch.Size))
	}
	if err := it.Err(); err != nil {
		return err
	}

	step := epoch * trainSteps
	writer.AddScalar("CV/loss", step, losses.Avg())
	writer.AddScalar("CV/epoch_iou", step, iou.Avg())
	progress.Println(progress.ValidLine(epoch, losses.Avg(), iou.Avg()))
	return nil
}
