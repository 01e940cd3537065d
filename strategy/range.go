package strategy

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"gorm/shardroute/util/str"
)

// boundaryRangeAlgorithm splits values by ascending boundaries. Partition 0
// holds values below the first boundary, partition i holds [b(i-1), b(i)).
type boundaryRangeAlgorithm struct {
	typ        string
	boundaries []int64
}

func newBoundaryRangeAlgorithm(props Properties) (Algorithm, error) {
	raw := props.String("sharding-ranges")
	if raw == "" {
		return nil, errors.Wrap(ErrInvalidProperty, "sharding-ranges is required")
	}
	var boundaries []int64
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidProperty, "sharding-ranges %q: %v", raw, err)
		}
		boundaries = append(boundaries, n)
	}
	return newBoundaries("BOUNDARY_RANGE", boundaries)
}

func newVolumeRangeAlgorithm(props Properties) (Algorithm, error) {
	lower, err := props.Int("range-lower")
	if err != nil {
		return nil, err
	}
	upper, err := props.Int("range-upper")
	if err != nil {
		return nil, err
	}
	volume, err := props.Int("sharding-volume")
	if err != nil {
		return nil, err
	}
	if volume <= 0 || upper <= lower {
		return nil, errors.Wrapf(ErrInvalidProperty, "volume range [%d, %d) by %d", lower, upper, volume)
	}
	var boundaries []int64
	for b := lower; b < upper; b += volume {
		boundaries = append(boundaries, b)
	}
	boundaries = append(boundaries, upper)
	return newBoundaries("VOLUME_RANGE", boundaries)
}

func newBoundaries(typ string, boundaries []int64) (Algorithm, error) {
	if !sort.SliceIsSorted(boundaries, func(i, j int) bool { return boundaries[i] < boundaries[j] }) {
		return nil, errors.Wrapf(ErrInvalidProperty, "%s boundaries must ascend: %v", typ, boundaries)
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] == boundaries[i-1] {
			return nil, errors.Wrapf(ErrInvalidProperty, "%s duplicated boundary %d", typ, boundaries[i])
		}
	}
	return &boundaryRangeAlgorithm{typ: typ, boundaries: boundaries}, nil
}

func (a *boundaryRangeAlgorithm) Type() string { return a.typ }

func (a *boundaryRangeAlgorithm) partition(n int64) int64 {
	return int64(sort.Search(len(a.boundaries), func(i int) bool { return a.boundaries[i] > n }))
}

func (a *boundaryRangeAlgorithm) DoPrecise(available []string, _ string, value any) ([]string, error) {
	n, err := str.ToInt64(value)
	if err != nil {
		return nil, err
	}
	return matchSuffix(available, a.partition(n)), nil
}

func (a *boundaryRangeAlgorithm) DoRange(available []string, _ string, lower, upper Bound) ([]string, error) {
	lo, hi, ok := intRange(lower, upper)
	if !ok {
		return available, nil
	}
	if lo > hi {
		return nil, nil
	}
	first, last := a.partition(lo), a.partition(hi)
	if lo == math.MinInt64 {
		first = 0
	}
	var targets []string
	for p := first; p <= last; p++ {
		targets = append(targets, matchSuffix(available, p)...)
	}
	return targets, nil
}
