package strategy

import (
	"strings"

	"github.com/pkg/errors"
)

// Type 分片策略类型
type Type int

const (
	TypeNone Type = iota
	TypeStandard
	TypeComplex
	TypeHint
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeStandard:
		return "standard"
	case TypeComplex:
		return "complex"
	case TypeHint:
		return "hint"
	}
	return "unknown"
}

// Strategy 分片策略：分片列 + 分片算法
type Strategy struct {
	Type      Type
	Columns   []string
	Algorithm Algorithm
	// AllowRangeQuery lets a standard strategy whose algorithm can not evaluate
	// ranges fall back to every available target.
	AllowRangeQuery bool
}

// None routes to every available target.
func None() *Strategy {
	return &Strategy{Type: TypeNone}
}

func NewStandard(column string, alg StandardAlgorithm) *Strategy {
	return &Strategy{Type: TypeStandard, Columns: []string{column}, Algorithm: alg, AllowRangeQuery: true}
}

func NewComplex(columns []string, alg ComplexAlgorithm) *Strategy {
	return &Strategy{Type: TypeComplex, Columns: columns, Algorithm: alg}
}

func NewHint(alg HintAlgorithm) *Strategy {
	return &Strategy{Type: TypeHint, Algorithm: alg}
}

// New builds a strategy of the given type, checking the algorithm fits it.
func New(typ Type, columns []string, alg Algorithm) (*Strategy, error) {
	switch typ {
	case TypeNone:
		return None(), nil
	case TypeStandard:
		std, ok := alg.(StandardAlgorithm)
		if !ok || len(columns) != 1 {
			return nil, errors.Errorf("standard strategy needs one column and a standard algorithm, got %v / %T", columns, alg)
		}
		return NewStandard(columns[0], std), nil
	case TypeComplex:
		cpx, ok := alg.(ComplexAlgorithm)
		if !ok || len(columns) == 0 {
			return nil, errors.Errorf("complex strategy needs columns and a complex algorithm, got %v / %T", columns, alg)
		}
		return NewComplex(columns, cpx), nil
	case TypeHint:
		hint, ok := alg.(HintAlgorithm)
		if !ok {
			return nil, errors.Errorf("hint strategy needs a hint algorithm, got %T", alg)
		}
		return NewHint(hint), nil
	}
	return nil, errors.Errorf("unknown strategy type %d", typ)
}

// ParseType 解析策略类型名
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return TypeNone, nil
	case "standard":
		return TypeStandard, nil
	case "complex":
		return TypeComplex, nil
	case "hint":
		return TypeHint, nil
	}
	return TypeNone, errors.Errorf("unknown strategy type %q", name)
}

// HasColumn reports whether column is a sharding column of the strategy.
func (s *Strategy) HasColumn(column string) bool {
	for _, c := range s.Columns {
		if strings.EqualFold(c, column) {
			return true
		}
	}
	return false
}

// Shard 计算分片目标。没有分片值时返回全部可用目标
func (s *Strategy) Shard(available []string, values []RouteValue) ([]string, error) {
	if s == nil {
		return available, nil
	}
	switch s.Type {
	case TypeNone:
		return available, nil
	case TypeStandard:
		return s.shardStandard(available, values)
	case TypeComplex:
		return s.shardComplex(available, values)
	case TypeHint:
		return s.shardHint(available, values)
	}
	return nil, errors.Errorf("unknown strategy type %d", s.Type)
}

func (s *Strategy) shardStandard(available []string, values []RouteValue) ([]string, error) {
	if len(values) == 0 {
		return available, nil
	}
	alg := s.Algorithm.(StandardAlgorithm)
	result := available
	for _, v := range values {
		targets, err := s.shardStandardValue(alg, available, v)
		if err != nil {
			return nil, err
		}
		result = retain(result, targets)
	}
	return result, nil
}

func (s *Strategy) shardStandardValue(alg StandardAlgorithm, available []string, v RouteValue) ([]string, error) {
	switch v.Kind {
	case Precise:
		return precise(alg, available, v.Column, v.Value())
	case ListIn:
		var all []string
		for _, x := range v.Values {
			t, err := precise(alg, available, v.Column, x)
			if err != nil {
				return nil, err
			}
			all = append(all, t...)
		}
		return retain(available, all), nil
	case Range:
		if ra, ok := alg.(RangeAlgorithm); ok {
			targets, err := ra.DoRange(available, v.Column, v.Lower, v.Upper)
			if err != nil {
				return nil, err
			}
			return retain(available, targets), nil
		}
		if s.AllowRangeQuery {
			return available, nil
		}
		return nil, errors.Wrapf(ErrRangeUnsupported, "%s with %s", alg.Type(), v)
	}
	return nil, errors.Errorf("unknown route value kind %d", v.Kind)
}

func precise(alg StandardAlgorithm, available []string, column string, value any) ([]string, error) {
	targets, err := alg.DoPrecise(available, column, value)
	if err != nil {
		return nil, err
	}
	targets = retain(available, targets)
	switch len(targets) {
	case 0:
		return nil, errors.Wrapf(ErrNoTarget, "%s=%v by %s in %v", column, value, alg.Type(), available)
	case 1:
		return targets, nil
	}
	return nil, errors.Wrapf(ErrAmbiguousRoute, "%s=%v matches %v", column, value, targets)
}

func (s *Strategy) shardComplex(available []string, values []RouteValue) ([]string, error) {
	if len(values) == 0 {
		return available, nil
	}
	byColumn := make(map[string][]RouteValue, len(s.Columns))
	for _, v := range values {
		byColumn[strings.ToLower(v.Column)] = append(byColumn[strings.ToLower(v.Column)], v)
	}
	targets, err := s.Algorithm.(ComplexAlgorithm).DoSharding(available, byColumn)
	if err != nil {
		return nil, err
	}
	return retain(available, targets), nil
}

func (s *Strategy) shardHint(available []string, values []RouteValue) ([]string, error) {
	if len(values) == 0 {
		return available, nil
	}
	var hints []any
	for _, v := range values {
		hints = append(hints, v.Values...)
	}
	targets, err := s.Algorithm.(HintAlgorithm).DoHint(available, hints)
	if err != nil {
		return nil, err
	}
	return retain(available, targets), nil
}
