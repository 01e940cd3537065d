// Package statement describes a bound SQL statement: the tables, sharding
// predicates, projections, ordering and pagination segments the routing,
// rewriting and merging stages work from.
package statement

import (
	"strings"

	"github.com/pkg/errors"

	"gorm/shardroute/util/str"
)

var (
	// ErrInsertColumnsMismatch VALUES 行的值个数与列个数不一致
	ErrInsertColumnsMismatch = errors.New("statement: insert columns and values mismatch")
	// ErrUnsupportedStatement 无法绑定的语句
	ErrUnsupportedStatement = errors.New("statement: unsupported statement")
	// ErrParameterIndex a parameter marker has no bound value
	ErrParameterIndex = errors.New("statement: parameter index out of range")
)

// Type 语句类型
type Type int

const (
	Select Type = iota
	Insert
	Update
	Delete
	// DDL create / alter / drop / truncate / rename
	DDL
	// DAL show / describe / explain / use / set
	DAL
	Other
)

func (t Type) String() string {
	switch t {
	case Select:
		return "SELECT"
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case DDL:
		return "DDL"
	case DAL:
		return "DAL"
	}
	return "OTHER"
}

// IsWrite reports whether the statement modifies data or schema.
func (t Type) IsWrite() bool {
	return t == Insert || t == Update || t == Delete || t == DDL
}

// Segment is a [Start, Stop) byte range of the original SQL.
type Segment struct {
	Start int
	Stop  int
}

// Value 字面量或参数占位符
type Value struct {
	Literal any
	// Param is the parameter index, -1 for a literal
	Param int
	// Expr marks a value that is neither literal nor parameter, e.g. NOW()
	Expr bool
}

func Literal(v any) Value { return Value{Literal: v, Param: -1} }

func Param(i int) Value { return Value{Param: i} }

func (v Value) IsParam() bool { return v.Param >= 0 && !v.Expr }

// Resolve 用实际参数解析占位符
func (v Value) Resolve(params []any) (any, error) {
	if v.Expr {
		return nil, errors.New("statement: expression value can not be resolved")
	}
	if v.Param < 0 {
		return v.Literal, nil
	}
	if v.Param >= len(params) {
		return nil, errors.Wrapf(ErrParameterIndex, "index %d with %d parameters", v.Param, len(params))
	}
	return params[v.Param], nil
}

// Operator 分片谓词运算符
type Operator int

const (
	OpEqual Operator = iota
	OpIn
	OpBetween
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	// OpUnsupported marks a predicate on the column that can not become a route
	// value: <>, NOT IN, LIKE, OR across columns, ...
	OpUnsupported
)

// Predicate 一个列上的条件
type Predicate struct {
	// Table is the logical table, empty when the column is unqualified in a multi table statement
	Table  string
	Column string
	Op     Operator
	Values []Value
	// Text is the original condition, for diagnostics
	Text string
}

// Table 逻辑表及其在 SQL 中出现的位置
type Table struct {
	Name     string
	Alias    string
	Segments []Segment
}

// AggregateType 聚合函数
type AggregateType int

const (
	AggNone AggregateType = iota
	AggCount
	AggSum
	AggMax
	AggMin
	AggAvg
)

func (a AggregateType) String() string {
	switch a {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggMax:
		return "MAX"
	case AggMin:
		return "MIN"
	case AggAvg:
		return "AVG"
	}
	return ""
}

// Projection 查询列
type Projection struct {
	Expression string
	Alias      string
	Column     string
	Owner      string
	Star       bool
	Aggregate  AggregateType
	Distinct   bool
	// Arg is the aggregate argument text
	Arg string
	// Index in the result row, -1 when a preceding star makes it unknown
	Index int
	// AvgCountAlias / AvgSumAlias label the derived columns of an AVG
	AvgCountAlias string
	AvgSumAlias   string
}

// Label is the result column label expected for the projection.
func (p Projection) Label() string {
	if p.Alias != "" {
		return p.Alias
	}
	if p.Column != "" {
		return p.Column
	}
	return p.Expression
}

// OrderItem ORDER BY / GROUP BY 项
type OrderItem struct {
	Expression string
	Column     string
	Owner      string
	Desc       bool
	// Position is the 1-based "ORDER BY 2" form, 0 otherwise
	Position int
	// ProjectionIndex is the resolved result column, -1 when it must be found by Label
	ProjectionIndex int
	Label           string
	// Derived is set when the item had to be appended to the projection
	Derived bool
}

// DerivedColumn 为归并补充的查询列
type DerivedColumn struct {
	Expression string
	Alias      string
}

// Derived column alias prefixes. Columns labelled with them are stripped before
// rows reach the caller.
const (
	OrderByDerivedPrefix  = "ORDER_BY_DERIVED_"
	GroupByDerivedPrefix  = "GROUP_BY_DERIVED_"
	AvgCountDerivedPrefix = "AVG_DERIVED_COUNT_"
	AvgSumDerivedPrefix   = "AVG_DERIVED_SUM_"
)

// IsDerivedLabel reports whether label names a derived column.
func IsDerivedLabel(label string) bool {
	upper := strings.ToUpper(label)
	for _, prefix := range []string{OrderByDerivedPrefix, GroupByDerivedPrefix, AvgCountDerivedPrefix, AvgSumDerivedPrefix} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// LimitValue LIMIT 中的 offset 或 row count
type LimitValue struct {
	Value   Value
	Segment Segment
}

// Limit 分页
type Limit struct {
	Offset   *LimitValue
	RowCount *LimitValue
}

// InsertRow 一个 VALUES 行
type InsertRow struct {
	Values  []Value
	Segment Segment
	// [ParamStart, ParamEnd) are the parameter indexes inside the row
	ParamStart int
	ParamEnd   int
}

// InsertContext INSERT 的列与值
type InsertContext struct {
	Columns        []string
	ColumnSegments []Segment
	// ColumnsEnd is the offset of the ')' closing the column list, -1 without a column list
	ColumnsEnd int
	Rows       []InsertRow
	// ValuesSegment spans from the first row to the last row
	ValuesSegment Segment
}

// ColumnIndex 返回列在 INSERT 列表中的位置
func (i *InsertContext) ColumnIndex(column string) int {
	for idx, c := range i.Columns {
		if strings.EqualFold(c, column) {
			return idx
		}
	}
	return -1
}

// Context 绑定后的语句上下文
type Context struct {
	SQL         string
	Type        Type
	Tables      []Table
	Predicates  []Predicate
	Projections []Projection
	// ProjectionStop is where derived columns are appended, -1 when not applicable
	ProjectionStop int
	Derived        []DerivedColumn
	Distinct       bool
	// Having is set when the SELECT has a HAVING clause
	Having  bool
	OrderBy []OrderItem
	GroupBy []OrderItem
	Limit   *Limit
	Insert  *InsertContext
	// ParamMarkers are the '?' positions, in parameter order
	ParamMarkers []Segment
	Union        bool
}

// TableNames 逻辑表名
func (c *Context) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// DistinctAggregate returns the first COUNT / SUM / AVG over DISTINCT values.
func (c *Context) DistinctAggregate() (Projection, bool) {
	for _, p := range c.Projections {
		switch p.Aggregate {
		case AggCount, AggSum, AggAvg:
			if p.Distinct {
				return p, true
			}
		}
	}
	return Projection{}, false
}

// HasAggregate reports whether any projection is an aggregate.
func (c *Context) HasAggregate() bool {
	for _, p := range c.Projections {
		if p.Aggregate != AggNone {
			return true
		}
	}
	return false
}

// Table 按表名或别名查找
func (c *Context) Table(nameOrAlias string) (Table, bool) {
	for _, t := range c.Tables {
		if strings.EqualFold(t.Name, nameOrAlias) || (t.Alias != "" && strings.EqualFold(t.Alias, nameOrAlias)) {
			return t, true
		}
	}
	return Table{}, false
}

// Resolve returns the offset and row count with parameters applied. hasRowCount
// is false when the statement has no LIMIT.
func (l *Limit) Resolve(params []any) (offset, rowCount int64, hasRowCount bool, err error) {
	if l == nil {
		return 0, 0, false, nil
	}
	if l.Offset != nil {
		if offset, err = l.Offset.resolve(params); err != nil {
			return 0, 0, false, err
		}
	}
	if l.RowCount != nil {
		if rowCount, err = l.RowCount.resolve(params); err != nil {
			return 0, 0, false, err
		}
		hasRowCount = true
	}
	return offset, rowCount, hasRowCount, nil
}

func (v *LimitValue) resolve(params []any) (int64, error) {
	raw, err := v.Value.Resolve(params)
	if err != nil {
		return 0, err
	}
	n, err := str.ToInt64(raw)
	if err != nil {
		return 0, errors.Wrap(err, "limit")
	}
	return n, nil
}
