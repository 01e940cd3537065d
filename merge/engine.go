package merge

import (
	"strings"

	"github.com/pkg/errors"

	"gorm/shardroute/statement"
)

// Kind 归并方式
type Kind int

const (
	Stream Kind = iota
	OrderByStream
	GroupByMemory
)

func (k Kind) String() string {
	switch k {
	case Stream:
		return "stream"
	case OrderByStream:
		return "order-by-stream"
	case GroupByMemory:
		return "group-by-memory"
	}
	return "unknown"
}

// Engine 结果归并引擎
type Engine struct {
	decryptor Decryptor
	nulls     NullOrder
}

// NewEngine nulls must match how the data sources order NULL.
func NewEngine(decryptor Decryptor, nulls NullOrder) *Engine {
	return &Engine{decryptor: decryptor, nulls: nulls}
}

// KindOf 选择归并方式
func KindOf(stmt *statement.Context) Kind {
	switch {
	case stmt.Type != statement.Select:
		return Stream
	case len(stmt.GroupBy) > 0 || stmt.HasAggregate():
		return GroupByMemory
	case len(stmt.OrderBy) > 0:
		return OrderByStream
	}
	return Stream
}

// Merge builds the logical cursor over results. A single result is returned
// as is because its SQL was not rewritten for merging. On error every result
// is closed.
func (e *Engine) Merge(stmt *statement.Context, params []any, results []QueryResult) (Result, error) {
	if len(results) == 0 {
		return NewMemoryResult(nil, nil, nil), nil
	}
	if len(results) == 1 {
		return e.decrypt(results[0]), nil
	}
	merged, err := e.build(stmt, params, results)
	if err != nil {
		_ = CloseAll(results)
		return nil, err
	}
	return merged, nil
}

func (e *Engine) build(stmt *statement.Context, params []any, results []QueryResult) (Result, error) {
	var merged Result
	switch KindOf(stmt) {
	case Stream:
		merged = newIteratorResult(results)
	case OrderByStream:
		keys, err := sortKeys(stmt.OrderBy, stmt, results[0], e.nulls)
		if err != nil {
			return nil, err
		}
		merged = newOrderByResult(results, keys)
	case GroupByMemory:
		groups, err := sortKeys(stmt.GroupBy, stmt, results[0], e.nulls)
		if err != nil {
			return nil, err
		}
		keys, err := sortKeys(stmt.OrderBy, stmt, results[0], e.nulls)
		if err != nil {
			return nil, err
		}
		aggregations, err := aggregations(stmt, results[0])
		if err != nil {
			return nil, err
		}
		indexes := make([]int, len(groups))
		for i, g := range groups {
			indexes[i] = g.index
		}
		merged = newGroupByResult(results, indexes, aggregations, keys)
	}

	if p, ok := newProjectionResult(merged); ok {
		merged = p
	}
	if stmt.Distinct && KindOf(stmt) != GroupByMemory {
		merged = newDistinctResult(merged)
	}
	if stmt.Limit != nil {
		offset, rowCount, hasRowCount, err := stmt.Limit.Resolve(params)
		if err != nil {
			return nil, err
		}
		merged = newLimitResult(merged, offset, rowCount, hasRowCount)
	}
	return e.decrypt(merged), nil
}

func (e *Engine) decrypt(r Result) Result {
	if e.decryptor == nil {
		return r
	}
	return &decryptResult{Result: r, decryptor: e.decryptor}
}

// columnIndex 按投影位置或列标签定位结果列
func columnIndex(item statement.OrderItem, stmt *statement.Context, r QueryResult) (int, error) {
	if item.ProjectionIndex >= 0 && item.ProjectionIndex < len(stmt.Projections) {
		if idx := stmt.Projections[item.ProjectionIndex].Index; idx >= 0 && idx < r.ColumnCount() {
			return idx, nil
		}
	}
	if idx := labelIndex(item.Label, r); idx >= 0 {
		return idx, nil
	}
	return -1, errors.Wrapf(ErrMergeTypeMismatch, "column %q not in result", item.Expression)
}

func labelIndex(label string, r QueryResult) int {
	if label == "" {
		return -1
	}
	if dot := strings.LastIndexByte(label, '.'); dot >= 0 {
		label = label[dot+1:]
	}
	label = strings.Trim(label, "`")
	for i := 0; i < r.ColumnCount(); i++ {
		if strings.EqualFold(r.ColumnLabel(i), label) {
			return i
		}
	}
	return -1
}

func sortKeys(items []statement.OrderItem, stmt *statement.Context, r QueryResult, nulls NullOrder) ([]sortKey, error) {
	keys := make([]sortKey, 0, len(items))
	for _, item := range items {
		idx, err := columnIndex(item, stmt, r)
		if err != nil {
			return nil, err
		}
		keys = append(keys, sortKey{index: idx, desc: item.Desc, nulls: nulls, typeName: r.ColumnTypeName(idx)})
	}
	return keys, nil
}

func aggregations(stmt *statement.Context, r QueryResult) ([]aggregation, error) {
	var out []aggregation
	for _, p := range stmt.Projections {
		if p.Aggregate == statement.AggNone {
			continue
		}
		idx := p.Index
		if idx < 0 || idx >= r.ColumnCount() {
			if idx = labelIndex(p.Label(), r); idx < 0 {
				return nil, errors.Wrapf(ErrMergeTypeMismatch, "aggregate %s not in result", p.Expression)
			}
		}
		agg := aggregation{typ: p.Aggregate, index: idx, typeName: r.ColumnTypeName(idx)}
		if p.Aggregate == statement.AggAvg {
			agg.count, agg.sum = labelIndex(p.AvgCountAlias, r), labelIndex(p.AvgSumAlias, r)
			if agg.count < 0 || agg.sum < 0 {
				return nil, errors.Wrapf(ErrMergeTypeMismatch, "derived columns of %s not in result", p.Expression)
			}
		}
		out = append(out, agg)
	}
	return out, nil
}
