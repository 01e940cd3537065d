package strategy

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Algorithm 分片算法
type Algorithm interface {
	Type() string
}

// StandardAlgorithm resolves a single column. DoPrecise returns every available
// target the value maps to; the strategy rejects anything but exactly one.
type StandardAlgorithm interface {
	Algorithm
	DoPrecise(available []string, column string, value any) ([]string, error)
}

// RangeAlgorithm is a StandardAlgorithm that can also evaluate intervals.
type RangeAlgorithm interface {
	StandardAlgorithm
	DoRange(available []string, column string, lower, upper Bound) ([]string, error)
}

// ComplexAlgorithm 多列联合分片
type ComplexAlgorithm interface {
	Algorithm
	DoSharding(available []string, values map[string][]RouteValue) ([]string, error)
}

// HintAlgorithm 强制路由分片
type HintAlgorithm interface {
	Algorithm
	DoHint(available []string, values []any) ([]string, error)
}

// Properties 算法属性
type Properties map[string]string

func (p Properties) String(key string) string {
	return strings.TrimSpace(p[key])
}

func (p Properties) Int(key string) (int64, error) {
	raw := p.String(key)
	if raw == "" {
		return 0, errors.Wrapf(ErrInvalidProperty, "property %q is required", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidProperty, "property %q: %v", key, err)
	}
	return n, nil
}

func (p Properties) Bool(key string, def bool) bool {
	raw := p.String(key)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// Constructor builds an algorithm from its properties.
type Constructor func(props Properties) (Algorithm, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register 注册分片算法，同名覆盖
func Register(typ string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToUpper(typ)] = ctor
}

// NewAlgorithm 按类型名创建算法，未注册的类型直接报错
func NewAlgorithm(typ string, props Properties) (Algorithm, error) {
	registryMu.RLock()
	ctor, ok := registry[strings.ToUpper(typ)]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "%q", typ)
	}
	if props == nil {
		props = Properties{}
	}
	alg, err := ctor(props)
	if err != nil {
		return nil, errors.Wrapf(err, "create algorithm %s", typ)
	}
	return alg, nil
}

// Algorithms lists registered algorithm types.
func Algorithms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

func init() {
	Register("INLINE", newInlineAlgorithm)
	Register("MOD", newModAlgorithm)
	Register("HASH_MOD", newHashModAlgorithm)
	Register("BOUNDARY_RANGE", newBoundaryRangeAlgorithm)
	Register("VOLUME_RANGE", newVolumeRangeAlgorithm)
	Register("COMPLEX_INLINE", newComplexInlineAlgorithm)
	Register("HINT_INLINE", newHintInlineAlgorithm)
}

// retain keeps the available targets present in found, in available order.
func retain(available []string, found []string) []string {
	set := make(map[string]struct{}, len(found))
	for _, f := range found {
		set[f] = struct{}{}
	}
	result := make([]string, 0, len(found))
	for _, a := range available {
		if _, ok := set[a]; ok {
			result = append(result, a)
		}
	}
	return result
}

// matchSuffix finds available targets whose trailing number equals n.
func matchSuffix(available []string, n int64) []string {
	var result []string
	for _, a := range available {
		if suffix, ok := trailingNumber(a); ok && suffix == n {
			result = append(result, a)
		}
	}
	return result
}

func trailingNumber(name string) (int64, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, false
	}
	n, err := strconv.ParseInt(name[i:], 10, 64)
	return n, err == nil
}
