package trainer

import (
	"context"
	"time"

	"github.com/janpfeifer/nucleiseg/internal/config"
	"github.com/janpfeifer/nucleiseg/internal/dataset"
	"github.com/janpfeifer/nucleiseg/internal/metrics"
	"github.com/janpfeifer/nucleiseg/internal/progress"
	"github.com/janpfeifer/nucleiseg/internal/summary"
)

// trainEpoch runs one full pass over the training split, updating the model once per
// batch. Loss and IoU accumulate weighted by batch size; timings are per batch.
func trainEpoch(runCtx context.Context, cfg *config.Config, learner Learner, src dataset.Source, epoch int, writer *summary.Writer) error {
	var batchTime, dataTime, losses, iou metrics.AverageMeter
	numBatches := src.Batches()
	it := src.Start(runCtx)

	end := time.Now()
	for batchIdx := 0; ; batchIdx++ {
		batch, ok := it.Next()
		if !ok {
			break
		}
		// Time spent waiting for the loader workers.
		dataTime.Update(float32(time.Since(end).Seconds()), 1)

		// Forward, backward and one optimizer update. The input buffer moves to the
		// backend device inside; the labels stay on host for the IoU measure.
		loss, predictions := learner.TrainStep(batch.Inputs, batch.Labels)

		// Measure accuracy and record loss.
		batchIoU := metrics.IoUMean(predictions, batch.Labels)
		iou.Update(batchIoU, float32(batch.Size))
		losses.Update(loss, float32(batch.Size))

		// Measure elapsed time.
		batchTime.Update(float32(time.Since(end).Seconds()), 1)
		end = time.Now()

		// Log to summary. The step counts batches monotonically across epochs.
		step := batchIdx + epoch*numBatches
		writer.AddScalar("training/loss", step, loss)
		writer.AddScalar("training/batch_elapse", step, batchTime.Val)
		writer.AddScalar("training/batch_iou", step, iou.Val)
		writer.AddScalar("training/epoch_iou", step, iou.Avg())

		if batchIdx%cfg.PrintEvery == 0 {
			progress.Println(progress.TrainLine(epoch, batchIdx, numBatches,
				batchTime.Avg(), dataTime.Avg(), losses.Val, losses.Avg(), iou.Val, iou.Avg()))
		}
	}
	return it.Err()
}
