package finetune

import (
	"math"
	"math/rand"
	"sort"

	"github.com/calder-labs/dataforge/internal/dataset"
)

// Split divides a dataset into train and validation sets. When stratifyCol
// names a column with more than one class and every class has at least two
// members, the split preserves class proportions; otherwise it falls back to
// a plain random split. Datasets with fewer than two rows keep everything in
// train.
func Split(
	ds *dataset.Dataset,
	trainFrac, valFrac float64,
	shuffle bool,
	seed int64,
	stratifyCol string,
) (train, val *dataset.Dataset) {
	n := ds.NumRows()
	if n < 2 {
		return ds.Clone(), dataset.New(ds.Columns())
	}

	rng := rand.New(rand.NewSource(seed))

	if stratifyCol != "" && ds.HasColumn(stratifyCol) && canStratify(ds, stratifyCol) {
		return stratifiedSplit(ds, trainFrac, valFrac, shuffle, rng, stratifyCol)
	}
	return plainSplit(ds, trainFrac, valFrac, shuffle, rng)
}

func plainSplit(ds *dataset.Dataset, trainFrac, valFrac float64, shuffle bool, rng *rand.Rand) (*dataset.Dataset, *dataset.Dataset) {
	n := ds.NumRows()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if shuffle {
		rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	}

	trainCount, valCount := splitCounts(n, trainFrac, valFrac)
	return ds.SelectRows(indices[:trainCount]), ds.SelectRows(indices[trainCount : trainCount+valCount])
}

func stratifiedSplit(ds *dataset.Dataset, trainFrac, valFrac float64, shuffle bool, rng *rand.Rand, col string) (*dataset.Dataset, *dataset.Dataset) {
	groups := make(map[string][]int)
	for i := 0; i < ds.NumRows(); i++ {
		key := ds.CellString(i, col)
		groups[key] = append(groups[key], i)
	}
	classes := make([]string, 0, len(groups))
	for k := range groups {
		classes = append(classes, k)
	}
	sort.Strings(classes)

	var trainIdx, valIdx []int
	for _, c := range classes {
		group := groups[c]
		if shuffle {
			rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		}
		trainCount, valCount := splitCounts(len(group), trainFrac, valFrac)
		trainIdx = append(trainIdx, group[:trainCount]...)
		valIdx = append(valIdx, group[trainCount:trainCount+valCount]...)
	}

	if shuffle {
		rng.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })
		rng.Shuffle(len(valIdx), func(i, j int) { valIdx[i], valIdx[j] = valIdx[j], valIdx[i] })
	}
	return ds.SelectRows(trainIdx), ds.SelectRows(valIdx)
}

// splitCounts computes train and validation sizes, each at least 1 and
// together at most n.
func splitCounts(n int, trainFrac, valFrac float64) (int, int) {
	valCount := int(math.Round(float64(n) * valFrac))
	if valCount < 1 {
		valCount = 1
	}
	if valCount > n-1 {
		valCount = n - 1
	}

	var trainCount int
	if trainFrac+valFrac >= 0.999 {
		trainCount = n - valCount
	} else {
		trainCount = int(math.Round(float64(n) * trainFrac))
		if trainCount < 1 {
			trainCount = 1
		}
		if trainCount+valCount > n {
			trainCount = n - valCount
		}
	}
	return trainCount, valCount
}

// canStratify reports whether every class has at least two members and more
// than one class exists.
func canStratify(ds *dataset.Dataset, col string) bool {
	counts := ds.UniqueValues(col)
	if len(counts) < 2 {
		return false
	}
	for _, c := range counts {
		if c < 2 {
			return false
		}
	}
	return true
}
