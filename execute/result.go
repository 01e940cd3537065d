package execute

import (
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"gorm/shardroute/merge"
)

func columns(rows *sql.Rows) ([]string, []string, error) {
	labels, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	types := make([]string, len(labels))
	if cts, err := rows.ColumnTypes(); err == nil {
		for i, ct := range cts {
			types[i] = ct.DatabaseTypeName()
		}
	}
	return labels, types, nil
}

func scan(rows *sql.Rows, n int) ([]any, error) {
	row := make([]any, n)
	dest := make([]any, n)
	for i := range row {
		dest[i] = &row[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	return row, nil
}

// readAll 读取全部行并关闭 rows
func readAll(rows *sql.Rows) (*merge.MemoryResult, error) {
	defer rows.Close()
	labels, types, err := columns(rows)
	if err != nil {
		return nil, err
	}
	var data [][]any
	for rows.Next() {
		row, err := scan(rows, len(labels))
		if err != nil {
			return nil, err
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return merge.NewMemoryResult(labels, types, data), nil
}

// streamResult 持有连接，逐行读取
type streamResult struct {
	rows    *sql.Rows
	labels  []string
	types   []string
	row     []any
	done    bool
	once    sync.Once
	release func()
}

func newStreamResult(rows *sql.Rows) (*streamResult, error) {
	labels, types, err := columns(rows)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return &streamResult{rows: rows, labels: labels, types: types}, nil
}

func (r *streamResult) Next() (bool, error) {
	if r.done {
		return false, nil
	}
	if !r.rows.Next() {
		r.row = nil
		err := r.rows.Err()
		// 读完即释放连接，不必等调用方 Close
		_ = r.Close()
		return false, err
	}
	row, err := scan(r.rows, len(r.labels))
	if err != nil {
		r.row = nil
		_ = r.Close()
		return false, err
	}
	r.row = row
	return true, nil
}

func (r *streamResult) Value(i int) (any, error) {
	if r.row == nil {
		return nil, errors.New("execute: no current row")
	}
	if i < 0 || i >= len(r.row) {
		return nil, errors.Wrapf(merge.ErrColumnIndex, "%d of %d", i, len(r.row))
	}
	return r.row[i], nil
}

func (r *streamResult) ColumnCount() int { return len(r.labels) }

func (r *streamResult) ColumnLabel(i int) string {
	if i < 0 || i >= len(r.labels) {
		return ""
	}
	return r.labels[i]
}

func (r *streamResult) ColumnTypeName(i int) string {
	if i < 0 || i >= len(r.types) {
		return ""
	}
	return r.types[i]
}

func (r *streamResult) Close() error {
	var err error
	r.once.Do(func() {
		r.done = true
		err = r.rows.Close()
		if r.release != nil {
			r.release()
		}
	})
	return err
}

// releaseAfter calls fn once n releases happened.
func releaseAfter(n int, fn func()) func() {
	remaining := int32(n)
	return func() {
		if atomic.AddInt32(&remaining, -1) == 0 {
			fn()
		}
	}
}
