package merge

import (
	"github.com/pkg/errors"

	"gorm/shardroute/statement"
)

// limitResult 跳过 offset 行，最多返回 rowCount 行
type limitResult struct {
	Result
	offset      int64
	rowCount    int64
	hasRowCount bool
	skipped     bool
	returned    int64
}

func newLimitResult(inner Result, offset, rowCount int64, hasRowCount bool) *limitResult {
	return &limitResult{Result: inner, offset: offset, rowCount: rowCount, hasRowCount: hasRowCount}
}

func (r *limitResult) Next() (bool, error) {
	if !r.skipped {
		r.skipped = true
		for i := int64(0); i < r.offset; i++ {
			ok, err := r.Result.Next()
			if err != nil || !ok {
				return false, err
			}
		}
	}
	if r.hasRowCount && r.returned >= r.rowCount {
		return false, nil
	}
	ok, err := r.Result.Next()
	if ok {
		r.returned++
	}
	return ok, err
}

// distinctResult 去重，比较全部可见列
type distinctResult struct {
	Result
	seen    map[string]bool
	indexes []int
}

func newDistinctResult(inner Result) *distinctResult {
	indexes := make([]int, inner.ColumnCount())
	for i := range indexes {
		indexes[i] = i
	}
	return &distinctResult{Result: inner, seen: map[string]bool{}, indexes: indexes}
}

func (r *distinctResult) Next() (bool, error) {
	for {
		ok, err := r.Result.Next()
		if err != nil || !ok {
			return false, err
		}
		row, err := snapshot(r.Result)
		if err != nil {
			return false, err
		}
		key := groupKey(row, r.indexes)
		if !r.seen[key] {
			r.seen[key] = true
			return true, nil
		}
	}
}

// projectionResult hides the derived columns appended during rewriting.
type projectionResult struct {
	Result
	visible []int
}

func newProjectionResult(inner Result) (*projectionResult, bool) {
	var visible []int
	for i := 0; i < inner.ColumnCount(); i++ {
		if !statement.IsDerivedLabel(inner.ColumnLabel(i)) {
			visible = append(visible, i)
		}
	}
	if len(visible) == inner.ColumnCount() {
		return nil, false
	}
	return &projectionResult{Result: inner, visible: visible}, true
}

func (r *projectionResult) Value(i int) (any, error) {
	if i < 0 || i >= len(r.visible) {
		return nil, errors.Wrapf(ErrColumnIndex, "%d of %d", i, len(r.visible))
	}
	return r.Result.Value(r.visible[i])
}

func (r *projectionResult) ColumnCount() int { return len(r.visible) }

func (r *projectionResult) ColumnLabel(i int) string {
	if i < 0 || i >= len(r.visible) {
		return ""
	}
	return r.Result.ColumnLabel(r.visible[i])
}

// Decryptor 解密查询结果中的密文列
type Decryptor interface {
	// Decrypt returns value unchanged for plain columns.
	Decrypt(label string, value any) (any, error)
}

type decryptResult struct {
	Result
	decryptor Decryptor
}

func (r *decryptResult) Value(i int) (any, error) {
	v, err := r.Result.Value(i)
	if err != nil || v == nil {
		return v, err
	}
	plain, err := r.decryptor.Decrypt(r.Result.ColumnLabel(i), v)
	if err != nil {
		return nil, errors.Wrapf(err, "decrypt %s", r.Result.ColumnLabel(i))
	}
	return plain, nil
}
