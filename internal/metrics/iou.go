package metrics

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/tensors"
)

// IoUMean returns the mean intersection-over-union between predicted segmentation maps
// and their binary ground-truth labels, averaged over the batch (leading axis).
//
// Both tensors must be float32, with the same total size and the same batch dimension.
// Values are binarized at 0.5. A sample whose prediction and label are both empty
// counts as a perfect match (IoU 1).
func IoUMean(outputs, labels *tensors.Tensor) float32 {
	batchSize := outputs.Shape().Dim(0)
	preds := tensors.CopyFlatData[float32](outputs)
	truth := tensors.CopyFlatData[float32](labels)
	perSample := len(preds) / batchSize

	var sum float32
	for sampleIdx := range batchSize {
		var intersection, union float32
		start := sampleIdx * perSample
		for ii := start; ii < start+perSample; ii++ {
			p := math32.Round(preds[ii])
			t := math32.Round(truth[ii])
			if p != 0 && t != 0 {
				intersection++
			}
			if p != 0 || t != 0 {
				union++
			}
		}
		if union == 0 {
			sum += 1
		} else {
			sum += intersection / union
		}
	}
	return sum / float32(batchSize)
}
