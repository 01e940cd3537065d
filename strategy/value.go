package strategy

import (
	"fmt"
	"strings"
)

// ValueKind 分片值类型
type ValueKind int

const (
	// Precise 单值，= 或 参数
	Precise ValueKind = iota
	// Range 区间，BETWEEN / > / < 等
	Range
	// ListIn IN (...) 集合
	ListIn
)

func (k ValueKind) String() string {
	switch k {
	case Precise:
		return "precise"
	case Range:
		return "range"
	case ListIn:
		return "list"
	}
	return "unknown"
}

// Bound is one end of a range value. An unset bound is unbounded.
type Bound struct {
	Value     any
	Inclusive bool
	Set       bool
}

// Inclusive returns a closed bound.
func Inclusive(v any) Bound { return Bound{Value: v, Inclusive: true, Set: true} }

// Exclusive returns an open bound.
func Exclusive(v any) Bound { return Bound{Value: v, Set: true} }

// Unbounded returns a missing bound.
func Unbounded() Bound { return Bound{} }

// RouteValue 分片谓词，一个列的分片值
type RouteValue struct {
	Table  string
	Column string
	Kind   ValueKind
	// Values holds the single precise value or the IN list
	Values []any
	Lower  Bound
	Upper  Bound
}

func NewPrecise(table, column string, value any) RouteValue {
	return RouteValue{Table: table, Column: column, Kind: Precise, Values: []any{value}}
}

func NewListIn(table, column string, values ...any) RouteValue {
	return RouteValue{Table: table, Column: column, Kind: ListIn, Values: append([]any(nil), values...)}
}

func NewRange(table, column string, lower, upper Bound) RouteValue {
	return RouteValue{Table: table, Column: column, Kind: Range, Lower: lower, Upper: upper}
}

// Value returns the precise value.
func (v RouteValue) Value() any {
	if len(v.Values) == 0 {
		return nil
	}
	return v.Values[0]
}

func (v RouteValue) String() string {
	switch v.Kind {
	case Precise:
		return fmt.Sprintf("%s.%s = %v", v.Table, v.Column, v.Value())
	case ListIn:
		parts := make([]string, len(v.Values))
		for i, x := range v.Values {
			parts[i] = fmt.Sprintf("%v", x)
		}
		return fmt.Sprintf("%s.%s IN (%s)", v.Table, v.Column, strings.Join(parts, ", "))
	case Range:
		lower, upper := "(-∞", "+∞)"
		if v.Lower.Set {
			lower = fmt.Sprintf("(%v", v.Lower.Value)
			if v.Lower.Inclusive {
				lower = fmt.Sprintf("[%v", v.Lower.Value)
			}
		}
		if v.Upper.Set {
			upper = fmt.Sprintf("%v)", v.Upper.Value)
			if v.Upper.Inclusive {
				upper = fmt.Sprintf("%v]", v.Upper.Value)
			}
		}
		return fmt.Sprintf("%s.%s in %s, %s", v.Table, v.Column, lower, upper)
	}
	return "unknown"
}
