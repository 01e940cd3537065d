package strategy

import (
	"math"

	"github.com/pkg/errors"

	"gorm/shardroute/util/str"
)

// modAlgorithm MOD 取模分片，目标按名称尾部数字匹配
type modAlgorithm struct {
	count int64
}

func newModAlgorithm(props Properties) (Algorithm, error) {
	count, err := props.Int("sharding-count")
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, errors.Wrapf(ErrInvalidProperty, "sharding-count must be positive, got %d", count)
	}
	return &modAlgorithm{count: count}, nil
}

func (a *modAlgorithm) Type() string { return "MOD" }

func (a *modAlgorithm) DoPrecise(available []string, _ string, value any) ([]string, error) {
	n, err := str.ToInt64(value)
	if err != nil {
		return nil, err
	}
	return matchSuffix(available, a.mod(n)), nil
}

// DoRange enumerates ranges narrower than the sharding count.
func (a *modAlgorithm) DoRange(available []string, _ string, lower, upper Bound) ([]string, error) {
	lo, hi, ok := intRange(lower, upper)
	if !ok || !lower.Set || !upper.Set {
		return available, nil
	}
	if hi >= lo && uint64(hi)-uint64(lo) >= uint64(a.count-1) {
		return available, nil
	}
	var targets []string
	for n := lo; n <= hi; n++ {
		targets = append(targets, matchSuffix(available, a.mod(n))...)
	}
	return targets, nil
}

func (a *modAlgorithm) mod(n int64) int64 {
	m := n % a.count
	if m < 0 {
		m = -m
	}
	return m
}

// hashModAlgorithm HASH_MOD 哈希取模
type hashModAlgorithm struct {
	count int64
}

func newHashModAlgorithm(props Properties) (Algorithm, error) {
	count, err := props.Int("sharding-count")
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > math.MaxInt32 {
		return nil, errors.Wrapf(ErrInvalidProperty, "sharding-count out of range: %d", count)
	}
	return &hashModAlgorithm{count: count}, nil
}

func (a *hashModAlgorithm) Type() string { return "HASH_MOD" }

func (a *hashModAlgorithm) DoPrecise(available []string, _ string, value any) ([]string, error) {
	return matchSuffix(available, int64(str.HashMod(str.ToString(value), int32(a.count)))), nil
}

// intRange converts bounds to a closed integer interval. Unset bounds become
// the int64 extremes; non integer bounds can not be evaluated.
func intRange(lower, upper Bound) (int64, int64, bool) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if lower.Set {
		n, err := str.ToInt64(lower.Value)
		if err != nil {
			return 0, 0, false
		}
		if !lower.Inclusive {
			if n == math.MaxInt64 {
				return 0, -1, true
			}
			n++
		}
		lo = n
	}
	if upper.Set {
		n, err := str.ToInt64(upper.Value)
		if err != nil {
			return 0, 0, false
		}
		if !upper.Inclusive {
			if n == math.MinInt64 {
				return 0, -1, true
			}
			n--
		}
		hi = n
	}
	return lo, hi, true
}
