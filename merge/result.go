// Package merge combines the per unit query results into one logical cursor.
package merge

import (
	"github.com/pkg/errors"
)

var (
	// ErrMergeTypeMismatch 归并列无法定位或值无法比较
	ErrMergeTypeMismatch = errors.New("merge: type mismatch")
	// ErrColumnIndex column index out of range
	ErrColumnIndex = errors.New("merge: column index out of range")
)

// Result 逻辑结果游标。Next 返回 false 之后不再前进
type Result interface {
	Next() (bool, error)
	Value(i int) (any, error)
	ColumnCount() int
	ColumnLabel(i int) string
	// Close is idempotent.
	Close() error
}

// QueryResult 单个执行单元的结果
type QueryResult interface {
	Result
	ColumnTypeName(i int) string
}

// MemoryResult is a fully buffered QueryResult.
type MemoryResult struct {
	labels []string
	types  []string
	rows   [][]any
	cursor int
	closed bool
}

func NewMemoryResult(labels, types []string, rows [][]any) *MemoryResult {
	return &MemoryResult{labels: labels, types: types, rows: rows, cursor: -1}
}

func (r *MemoryResult) Next() (bool, error) {
	if r.closed || r.cursor >= len(r.rows) {
		return false, nil
	}
	r.cursor++
	return r.cursor < len(r.rows), nil
}

func (r *MemoryResult) Value(i int) (any, error) {
	if r.cursor < 0 || r.cursor >= len(r.rows) {
		return nil, errors.New("merge: no current row")
	}
	row := r.rows[r.cursor]
	if i < 0 || i >= len(row) {
		return nil, errors.Wrapf(ErrColumnIndex, "%d of %d", i, len(row))
	}
	return row[i], nil
}

func (r *MemoryResult) ColumnCount() int { return len(r.labels) }

func (r *MemoryResult) ColumnLabel(i int) string {
	if i < 0 || i >= len(r.labels) {
		return ""
	}
	return r.labels[i]
}

func (r *MemoryResult) ColumnTypeName(i int) string {
	if i < 0 || i >= len(r.types) {
		return ""
	}
	return r.types[i]
}

func (r *MemoryResult) Close() error {
	r.closed = true
	r.rows = nil
	return nil
}

// Len 行数
func (r *MemoryResult) Len() int { return len(r.rows) }

// closer closes a set of results exactly once.
type closer struct {
	results []QueryResult
	closed  bool
}

func (c *closer) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var first error
	for _, r := range c.results {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CloseAll closes every non nil result and returns the first error.
func CloseAll(results []QueryResult) error {
	var first error
	for _, r := range results {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func snapshot(r Result) ([]any, error) {
	row := make([]any, r.ColumnCount())
	for i := range row {
		v, err := r.Value(i)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}
