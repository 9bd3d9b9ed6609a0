package dataset

import "math/rand"

// Split shuffles the sample indices with the given seed and carves out the trailing
// validFraction as the held-out validation split. The two slices are disjoint and
// together cover every sample; the same seed always produces the same split.
func (ds *Dataset) Split(seed int64, validFraction float64) (trainIdx, validIdx []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(len(ds.ids))
	numValid := int(float64(len(perm)) * validFraction)
	cut := len(perm) - numValid
	return perm[:cut], perm[cut:]
}

// subsetSampler yields a fresh random permutation of a fixed subset of sample indices
// for every epoch, mirroring a sub-set random sampler: shuffled order, each index
// exactly once per pass.
type subsetSampler struct {
	indices []int
	rng     *rand.Rand
}

func newSubsetSampler(indices []int, seed int64) *subsetSampler {
	return &subsetSampler{indices: indices, rng: rand.New(rand.NewSource(seed))}
}

// epochOrder returns the shuffled indices for one epoch.
func (s *subsetSampler) epochOrder() []int {
	order := make([]int, len(s.indices))
	for ii, pick := range s.rng.Perm(len(s.indices)) {
		order[ii] = s.indices[pick]
	}
	return order
}
