package strategy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"

	"gorm/shardroute/util/str"
)

// functions 表达式内置函数
var functions = map[string]govaluate.ExpressionFunction{
	"parse": func(args ...interface{}) (interface{}, error) {
		s := ""
		for _, arg := range args {
			s += format(arg)
		}
		return s, nil
	},
	"hashcode": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.New("hashcode expects one argument")
		}
		return float64(str.Hashcode(format(args[0]))), nil
	},
	"mod": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("mod expects two arguments")
		}
		a, err := str.ToInt64(args[0])
		if err != nil {
			return nil, err
		}
		b, err := str.ToInt64(args[1])
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, errors.New("mod by zero")
		}
		m := a % b
		if m < 0 {
			m = -m
		}
		return float64(m), nil
	},
}

// InlineExpression is a `t_order_${order_id % 2}` style expression; every
// ${...} segment is evaluated by govaluate and concatenated with the literals.
type InlineExpression struct {
	raw      string
	segments []inlineSegment
}

type inlineSegment struct {
	literal string
	expr    *govaluate.EvaluableExpression
}

// ParseInlineExpression 解析行表达式，支持 ${expr} 与 $->{expr}
func ParseInlineExpression(raw string) (*InlineExpression, error) {
	e := &InlineExpression{raw: raw}
	rest := raw
	for rest != "" {
		start, width := findPlaceholder(rest)
		if start < 0 {
			e.segments = append(e.segments, inlineSegment{literal: rest})
			break
		}
		if start > 0 {
			e.segments = append(e.segments, inlineSegment{literal: rest[:start]})
		}
		body, end, err := closeBrace(rest, start+width)
		if err != nil {
			return nil, errors.Wrapf(err, "inline expression %q", raw)
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(body, functions)
		if err != nil {
			return nil, errors.Wrapf(err, "inline expression %q", raw)
		}
		e.segments = append(e.segments, inlineSegment{expr: expr})
		rest = rest[end+1:]
	}
	return e, nil
}

func findPlaceholder(s string) (int, int) {
	i := strings.Index(s, "${")
	j := strings.Index(s, "$->{")
	switch {
	case i < 0 && j < 0:
		return -1, 0
	case j < 0 || (i >= 0 && i < j):
		return i, 2
	}
	return j, 4
}

// closeBrace returns the body between from and its matching '}'.
func closeBrace(s string, from int) (string, int, error) {
	depth := 1
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[from:i], i, nil
			}
		}
	}
	return "", 0, errors.New("unclosed '${'")
}

// Evaluate 计算表达式，params 为列名到分片值
func (e *InlineExpression) Evaluate(params map[string]any) (string, error) {
	var sb strings.Builder
	for _, seg := range e.segments {
		if seg.expr == nil {
			sb.WriteString(seg.literal)
			continue
		}
		res, err := seg.expr.Evaluate(sanitize(params))
		if err != nil {
			return "", errors.Wrapf(err, "evaluate %q", e.raw)
		}
		sb.WriteString(format(res))
	}
	return sb.String(), nil
}

func (e *InlineExpression) String() string {
	return e.raw
}

// sanitize converts values to what govaluate computes with: numbers as float64, bytes as strings.
func sanitize(params map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(params)*2)
	for k, v := range params {
		var x interface{} = v
		switch n := v.(type) {
		case []byte:
			x = string(n)
		case float32:
			x = float64(n)
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			i, _ := str.ToInt64(n)
			x = float64(i)
		}
		out[k] = x
		out[strings.ToLower(k)] = x
	}
	return out
}

func format(v interface{}) string {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1e18 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case []byte:
		return string(n)
	case string:
		return n
	}
	return fmt.Sprintf("%v", v)
}

// inlineAlgorithm INLINE 行表达式分片
type inlineAlgorithm struct {
	expr *InlineExpression
}

func newInlineAlgorithm(props Properties) (Algorithm, error) {
	raw := props.String("algorithm-expression")
	if raw == "" {
		return nil, errors.Wrap(ErrInvalidProperty, "algorithm-expression is required")
	}
	expr, err := ParseInlineExpression(raw)
	if err != nil {
		return nil, err
	}
	return &inlineAlgorithm{expr: expr}, nil
}

func (a *inlineAlgorithm) Type() string { return "INLINE" }

func (a *inlineAlgorithm) DoPrecise(_ []string, column string, value any) ([]string, error) {
	target, err := a.expr.Evaluate(map[string]any{column: value})
	if err != nil {
		return nil, err
	}
	return []string{target}, nil
}

// hintInlineAlgorithm HINT_INLINE, the hint value is bound to `value`
type hintInlineAlgorithm struct {
	expr *InlineExpression
}

func newHintInlineAlgorithm(props Properties) (Algorithm, error) {
	raw := props.String("algorithm-expression")
	if raw == "" {
		raw = "${value}"
	}
	expr, err := ParseInlineExpression(raw)
	if err != nil {
		return nil, err
	}
	return &hintInlineAlgorithm{expr: expr}, nil
}

func (a *hintInlineAlgorithm) Type() string { return "HINT_INLINE" }

func (a *hintInlineAlgorithm) DoHint(_ []string, values []any) ([]string, error) {
	targets := make([]string, 0, len(values))
	for _, v := range values {
		target, err := a.expr.Evaluate(map[string]any{"value": v})
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// complexInlineAlgorithm COMPLEX_INLINE，多列行表达式
type complexInlineAlgorithm struct {
	columns []string
	expr    *InlineExpression
}

func newComplexInlineAlgorithm(props Properties) (Algorithm, error) {
	raw := props.String("algorithm-expression")
	if raw == "" {
		return nil, errors.Wrap(ErrInvalidProperty, "algorithm-expression is required")
	}
	expr, err := ParseInlineExpression(raw)
	if err != nil {
		return nil, err
	}
	var columns []string
	for _, c := range strings.Split(props.String("sharding-columns"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			columns = append(columns, strings.ToLower(c))
		}
	}
	if len(columns) == 0 {
		return nil, errors.Wrap(ErrInvalidProperty, "sharding-columns is required")
	}
	return &complexInlineAlgorithm{columns: columns, expr: expr}, nil
}

func (a *complexInlineAlgorithm) Type() string { return "COMPLEX_INLINE" }

// DoSharding evaluates every combination of precise values. A column without
// precise values (missing or range) makes the whole set unresolvable.
func (a *complexInlineAlgorithm) DoSharding(available []string, values map[string][]RouteValue) ([]string, error) {
	combos := []map[string]any{{}}
	for _, column := range a.columns {
		var candidates []any
		for _, v := range values[column] {
			if v.Kind == Range {
				return available, nil
			}
			candidates = append(candidates, v.Values...)
		}
		if len(candidates) == 0 {
			return available, nil
		}
		next := make([]map[string]any, 0, len(combos)*len(candidates))
		for _, combo := range combos {
			for _, c := range candidates {
				m := make(map[string]any, len(combo)+1)
				for k, v := range combo {
					m[k] = v
				}
				m[column] = c
				next = append(next, m)
			}
		}
		combos = next
	}
	targets := make([]string, 0, len(combos))
	for _, combo := range combos {
		target, err := a.expr.Evaluate(combo)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}
