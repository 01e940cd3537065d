package merge

import (
	"container/heap"

	"github.com/pkg/errors"
)

// iteratorResult 按单元顺序依次遍历
type iteratorResult struct {
	closer
	index int
}

func newIteratorResult(results []QueryResult) *iteratorResult {
	return &iteratorResult{closer: closer{results: results}}
}

func (r *iteratorResult) Next() (bool, error) {
	for !r.closed && r.index < len(r.results) {
		ok, err := r.results[r.index].Next()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		r.index++
	}
	return false, nil
}

func (r *iteratorResult) Value(i int) (any, error) {
	if r.index >= len(r.results) {
		return nil, errors.New("merge: no current row")
	}
	return r.results[r.index].Value(i)
}

func (r *iteratorResult) ColumnCount() int { return r.results[0].ColumnCount() }

func (r *iteratorResult) ColumnLabel(i int) string { return r.results[0].ColumnLabel(i) }

// cursor is the head row of one unit in the order by heap.
type cursor struct {
	result QueryResult
	unit   int
	row    []any
}

func (c *cursor) advance() (bool, error) {
	ok, err := c.result.Next()
	if err != nil || !ok {
		return false, err
	}
	c.row, err = snapshot(c.result)
	return err == nil, err
}

type cursorHeap struct {
	cursors []*cursor
	keys    []sortKey
	err     error
}

func (h *cursorHeap) Len() int { return len(h.cursors) }

// Less orders by the sort keys, ties by unit index so the merge is stable.
func (h *cursorHeap) Less(i, j int) bool {
	c, err := compareRows(h.cursors[i].row, h.cursors[j].row, h.keys)
	if err != nil {
		if h.err == nil {
			h.err = err
		}
		return false
	}
	if c == 0 {
		return h.cursors[i].unit < h.cursors[j].unit
	}
	return c < 0
}

func (h *cursorHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *cursorHeap) Push(x any) { h.cursors = append(h.cursors, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	h.cursors = old[:n-1]
	return c
}

// orderByResult 多路归并已排序的单元结果
type orderByResult struct {
	closer
	heap    *cursorHeap
	current *cursor
	started bool
	done    bool
}

func newOrderByResult(results []QueryResult, keys []sortKey) *orderByResult {
	return &orderByResult{
		closer: closer{results: results},
		heap:   &cursorHeap{keys: keys},
	}
}

func (r *orderByResult) Next() (bool, error) {
	if r.done || r.closed {
		return false, nil
	}
	if !r.started {
		r.started = true
		for i, res := range r.results {
			c := &cursor{result: res, unit: i}
			ok, err := c.advance()
			if err != nil {
				return false, err
			}
			if ok {
				r.heap.cursors = append(r.heap.cursors, c)
			}
		}
		heap.Init(r.heap)
	} else if r.current != nil {
		ok, err := r.current.advance()
		if err != nil {
			return false, err
		}
		if ok {
			heap.Push(r.heap, r.current)
		}
		r.current = nil
	}
	if r.heap.err != nil {
		return false, r.heap.err
	}
	if r.heap.Len() == 0 {
		r.done = true
		return false, nil
	}
	r.current = heap.Pop(r.heap).(*cursor)
	if r.heap.err != nil {
		return false, r.heap.err
	}
	return true, nil
}

func (r *orderByResult) Value(i int) (any, error) {
	if r.current == nil {
		return nil, errors.New("merge: no current row")
	}
	if i < 0 || i >= len(r.current.row) {
		return nil, errors.Wrapf(ErrColumnIndex, "%d of %d", i, len(r.current.row))
	}
	return r.current.row[i], nil
}

func (r *orderByResult) ColumnCount() int { return r.results[0].ColumnCount() }

func (r *orderByResult) ColumnLabel(i int) string { return r.results[0].ColumnLabel(i) }
