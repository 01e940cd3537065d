package merge

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gorm/shardroute/statement"
)

// aggregation 一个聚合列的合并方式
type aggregation struct {
	typ      statement.AggregateType
	index    int
	typeName string
	// count / sum are the AVG derived columns
	count int
	sum   int
}

type aggregator struct {
	agg   aggregation
	total decimal.Decimal
	count decimal.Decimal
	value any
	seen  bool
}

func (a *aggregator) add(row []any) error {
	switch a.agg.typ {
	case statement.AggCount, statement.AggSum:
		v := row[a.agg.index]
		if v == nil {
			return nil
		}
		d, ok := toDecimal(v, true)
		if !ok {
			return errors.Wrapf(ErrMergeTypeMismatch, "%s of %T", a.agg.typ, v)
		}
		a.total = a.total.Add(d)
		a.seen = true
	case statement.AggMax, statement.AggMin:
		v := row[a.agg.index]
		if v == nil {
			return nil
		}
		if !a.seen {
			a.value, a.seen = v, true
			return nil
		}
		c, err := compareValues(v, a.value, a.agg.typeName)
		if err != nil {
			return err
		}
		if (a.agg.typ == statement.AggMax && c > 0) || (a.agg.typ == statement.AggMin && c < 0) {
			a.value = v
		}
	case statement.AggAvg:
		cv, sv := row[a.agg.count], row[a.agg.sum]
		if cv == nil || sv == nil {
			return nil
		}
		c, ok1 := toDecimal(cv, true)
		s, ok2 := toDecimal(sv, true)
		if !ok1 || !ok2 {
			return errors.Wrapf(ErrMergeTypeMismatch, "AVG from %T / %T", cv, sv)
		}
		a.count = a.count.Add(c)
		a.total = a.total.Add(s)
		a.seen = true
	case statement.AggNone:
	}
	return nil
}

func (a *aggregator) result() any {
	switch a.agg.typ {
	case statement.AggCount:
		return a.total.IntPart()
	case statement.AggSum:
		if !a.seen {
			return nil
		}
		return a.total
	case statement.AggMax, statement.AggMin:
		return a.value
	case statement.AggAvg:
		if !a.seen || a.count.IsZero() {
			return nil
		}
		return a.total.DivRound(a.count, 4)
	case statement.AggNone:
	}
	return nil
}

type bucket struct {
	row         []any
	aggregators []*aggregator
}

// groupByResult 内存分组归并
type groupByResult struct {
	closer
	groupIndexes []int
	aggregations []aggregation
	keys         []sortKey
	labels       []string
	rows         [][]any
	cursor       int
	loaded       bool
}

func newGroupByResult(results []QueryResult, groupIndexes []int, aggregations []aggregation, keys []sortKey) *groupByResult {
	labels := make([]string, results[0].ColumnCount())
	for i := range labels {
		labels[i] = results[0].ColumnLabel(i)
	}
	return &groupByResult{
		closer:       closer{results: results},
		groupIndexes: groupIndexes,
		aggregations: aggregations,
		keys:         keys,
		labels:       labels,
		cursor:       -1,
	}
}

func (r *groupByResult) load() error {
	var (
		order   []string
		buckets = map[string]*bucket{}
	)
	for _, res := range r.results {
		for {
			ok, err := res.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			row, err := snapshot(res)
			if err != nil {
				return err
			}
			key := groupKey(row, r.groupIndexes)
			b, exists := buckets[key]
			if !exists {
				b = &bucket{row: row}
				for _, agg := range r.aggregations {
					b.aggregators = append(b.aggregators, &aggregator{agg: agg})
				}
				buckets[key] = b
				order = append(order, key)
			}
			for _, a := range b.aggregators {
				if err := a.add(row); err != nil {
					return err
				}
			}
		}
	}

	r.rows = make([][]any, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		for _, a := range b.aggregators {
			b.row[a.agg.index] = a.result()
		}
		r.rows = append(r.rows, b.row)
	}
	if len(r.keys) > 0 {
		var sortErr error
		sort.SliceStable(r.rows, func(i, j int) bool {
			c, err := compareRows(r.rows[i], r.rows[j], r.keys)
			if err != nil && sortErr == nil {
				sortErr = err
			}
			return c < 0
		})
		if sortErr != nil {
			return sortErr
		}
	}
	return nil
}

func (r *groupByResult) Next() (bool, error) {
	if r.closed {
		return false, nil
	}
	if !r.loaded {
		r.loaded = true
		if err := r.load(); err != nil {
			r.rows = nil
			return false, err
		}
	}
	if r.cursor >= len(r.rows) {
		return false, nil
	}
	r.cursor++
	return r.cursor < len(r.rows), nil
}

func (r *groupByResult) Value(i int) (any, error) {
	if r.cursor < 0 || r.cursor >= len(r.rows) {
		return nil, errors.New("merge: no current row")
	}
	row := r.rows[r.cursor]
	if i < 0 || i >= len(row) {
		return nil, errors.Wrapf(ErrColumnIndex, "%d of %d", i, len(row))
	}
	return row[i], nil
}

func (r *groupByResult) ColumnCount() int { return len(r.labels) }

func (r *groupByResult) ColumnLabel(i int) string {
	if i < 0 || i >= len(r.labels) {
		return ""
	}
	return r.labels[i]
}
