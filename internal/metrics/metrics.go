// Package metrics implements the running metric accumulators and the mean
// intersection-over-union (IoU) measure used by the training driver.
package metrics

// AverageMeter tracks the current value and the weighted running average of a scalar
// quantity. It can be queried between updates: Val and Avg are both valid after every
// Update. Avg is undefined (returns 0) before the first update after a Reset.
type AverageMeter struct {
	Val   float32
	Sum   float32
	Count float32
}

// Reset clears current value, sum and count.
func (m *AverageMeter) Reset() {
	m.Val = 0
	m.Sum = 0
	m.Count = 0
}

// Update records one observation with the given weight (typically the batch size).
func (m *AverageMeter) Update(val, weight float32) {
	m.Val = val
	m.Sum += val * weight
	m.Count += weight
}

// Avg returns the weighted running average, Sum/Count.
func (m *AverageMeter) Avg() float32 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / m.Count
}
