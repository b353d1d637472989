package ml

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// TrainTestSplit shuffles rows with a PCG source seeded by seed and holds
// out ceil(n*testRatio) of them for evaluation. The same inputs always give
// the same partitions.
func TrainTestSplit(ds *Dataset, testRatio float64, seed uint64) (train, test *Dataset, err error) {
	n := ds.Len()
	if n < 2 {
		return nil, nil, fmt.Errorf("%w: have %d rows, need at least 2", ErrTooFewSamples, n)
	}
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, fmt.Errorf("test ratio must be in (0, 1), got %v", testRatio)
	}

	nTest := int(math.Ceil(float64(n) * testRatio))
	if nTest >= n {
		nTest = n - 1
	}

	perm := rand.New(rand.NewPCG(seed, seed)).Perm(n)
	return ds.subset(perm[nTest:]), ds.subset(perm[:nTest]), nil
}
