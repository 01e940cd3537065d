package merge

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorm/shardroute/statement"
)

type countingResult struct {
	*MemoryResult
	closes int
}

func (r *countingResult) Close() error {
	r.closes++
	return r.MemoryResult.Close()
}

func result(labels []string, rows ...[]any) *countingResult {
	types := make([]string, len(labels))
	for i := range types {
		types[i] = "BIGINT"
	}
	return &countingResult{MemoryResult: NewMemoryResult(labels, types, rows)}
}

func ids(values ...any) [][]any {
	rows := make([][]any, len(values))
	for i, v := range values {
		rows[i] = []any{v}
	}
	return rows
}

func bind(t *testing.T, sql string) *statement.Context {
	stmt, err := statement.Bind(sql)
	require.NoError(t, err)
	return stmt
}

func collect(t *testing.T, r Result) [][]any {
	var rows [][]any
	for {
		ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		row, err := snapshot(r)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func column(rows [][]any, i int) []any {
	out := make([]any, len(rows))
	for r, row := range rows {
		out[r] = row[i]
	}
	return out
}

func TestMergeSingleResultPassthrough(t *testing.T) {
	r := result([]string{"id"}, ids(int64(1))...)
	merged, err := NewEngine(nil, NullsLow).Merge(bind(t, "SELECT id FROM t ORDER BY id LIMIT 1"), nil, []QueryResult{r})
	require.NoError(t, err)
	assert.Same(t, r, merged)
}

func TestMergeStream(t *testing.T) {
	a := result([]string{"id"}, ids(int64(3), int64(1))...)
	b := result([]string{"id"})
	c := result([]string{"id"}, ids(int64(2))...)
	merged, err := NewEngine(nil, NullsLow).Merge(bind(t, "SELECT id FROM t"), nil, []QueryResult{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3), int64(1), int64(2)}, column(collect(t, merged), 0))

	ok, err := merged.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "id", merged.ColumnLabel(0))
}

func TestMergeOrderBy(t *testing.T) {
	a := result([]string{"id"}, ids(int64(1), int64(4), int64(7))...)
	b := result([]string{"id"}, ids(int64(2), int64(3), int64(9))...)
	c := result([]string{"id"})
	merged, err := NewEngine(nil, NullsLow).Merge(bind(t, "SELECT id FROM t ORDER BY id"), nil, []QueryResult{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3), int64(4), int64(7), int64(9)}, column(collect(t, merged), 0))
	ok, err := merged.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMergeOrderByDescNullsLast(t *testing.T) {
	a := result([]string{"id"}, ids(int64(3), nil)...)
	b := result([]string{"id"}, ids(int64(5), nil)...)
	merged, err := NewEngine(nil, NullsLow).Merge(bind(t, "SELECT id FROM t ORDER BY id DESC"), nil, []QueryResult{a, b})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(5), int64(3), nil, nil}, column(collect(t, merged), 0))
}

func TestMergeOrderByNullOrder(t *testing.T) {
	tests := []struct {
		name  string
		nulls NullOrder
		sql   string
		a, b  [][]any
		want  []any
	}{
		{"low asc", NullsLow, "SELECT id FROM t ORDER BY id", ids(nil, int64(4)), ids(int64(1), int64(7)), []any{nil, int64(1), int64(4), int64(7)}},
		{"low desc", NullsLow, "SELECT id FROM t ORDER BY id DESC", ids(int64(4), nil), ids(int64(7), int64(1)), []any{int64(7), int64(4), int64(1), nil}},
		{"high asc", NullsHigh, "SELECT id FROM t ORDER BY id", ids(int64(4), nil), ids(int64(1), int64(7)), []any{int64(1), int64(4), int64(7), nil}},
		{"high desc", NullsHigh, "SELECT id FROM t ORDER BY id DESC", ids(nil, int64(4)), ids(int64(7), int64(1)), []any{nil, int64(7), int64(4), int64(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := result([]string{"id"}, tt.a...)
			b := result([]string{"id"}, tt.b...)
			merged, err := NewEngine(nil, tt.nulls).Merge(bind(t, tt.sql), nil, []QueryResult{a, b})
			require.NoError(t, err)
			assert.Equal(t, tt.want, column(collect(t, merged), 0))
		})
	}
}

func TestMergeOrderByStableTies(t *testing.T) {
	labels := []string{"k", "src"}
	a := result(labels, []any{int64(1), "a0"}, []any{int64(2), "a1"})
	b := result(labels, []any{int64(1), "b0"}, []any{int64(2), "b1"})
	merged, err := NewEngine(nil, NullsLow).Merge(bind(t, "SELECT k, src FROM t ORDER BY k"), nil, []QueryResult{a, b})
	require.NoError(t, err)
	assert.Equal(t, []any{"a0", "b0", "a1", "b1"}, column(collect(t, merged), 1))
}

func TestMergeOrderByTypeMismatch(t *testing.T) {
	a := result([]string{"id"}, ids(int64(1))...)
	b := result([]string{"id"}, ids(true)...)
	merged, err := NewEngine(nil, NullsLow).Merge(bind(t, "SELECT id FROM t ORDER BY id"), nil, []QueryResult{a, b})
	require.NoError(t, err)
	_, err = merged.Next()
	assert.True(t, errors.Is(err, ErrMergeTypeMismatch), "%v", err)
}

func TestMergeUnresolvedColumnClosesResults(t *testing.T) {
	a := result([]string{"id"}, ids(int64(1))...)
	b := result([]string{"id"}, ids(int64(2))...)
	_, err := NewEngine(nil, NullsLow).Merge(bind(t, "SELECT * FROM t ORDER BY missing"), nil, []QueryResult{a, b})
	assert.True(t, errors.Is(err, ErrMergeTypeMismatch))
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
}

func TestMergeGroupByAvg(t *testing.T) {
	stmt := bind(t, "SELECT user_id, AVG(amount) FROM t_order GROUP BY user_id")
	labels := []string{"user_id", "AVG(amount)", "AVG_DERIVED_COUNT_0", "AVG_DERIVED_SUM_0"}
	a := result(labels, []any{int64(1), 15.0, int64(2), int64(30)}, []any{int64(2), 5.0, int64(1), int64(5)})
	b := result(labels, []any{int64(1), 16.6667, int64(3), int64(50)})

	merged, err := NewEngine(nil, NullsLow).Merge(stmt, nil, []QueryResult{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, merged.ColumnCount())
	assert.Equal(t, "AVG(amount)", merged.ColumnLabel(1))

	rows := collect(t, merged)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0][0])
	assert.True(t, decimal.NewFromInt(16).Equal(rows[0][1].(decimal.Decimal)), "%v", rows[0][1])
	assert.True(t, decimal.NewFromInt(5).Equal(rows[1][1].(decimal.Decimal)))
}

func TestMergeGroupByAggregates(t *testing.T) {
	stmt := bind(t, "SELECT status, COUNT(*), SUM(amount), MAX(amount), MIN(amount) FROM t GROUP BY status ORDER BY status DESC")
	labels := []string{"status", "COUNT(*)", "SUM(amount)", "MAX(amount)", "MIN(amount)"}
	a := result(labels,
		[]any{"new", int64(2), int64(10), int64(7), int64(3)},
		[]any{"paid", int64(1), int64(4), int64(4), int64(4)})
	b := result(labels, []any{"new", int64(3), int64(20), int64(9), int64(1)})

	merged, err := NewEngine(nil, NullsLow).Merge(stmt, nil, []QueryResult{a, b})
	require.NoError(t, err)
	rows := collect(t, merged)
	require.Len(t, rows, 2)
	assert.Equal(t, "paid", rows[0][0])
	assert.Equal(t, "new", rows[1][0])
	assert.Equal(t, int64(5), rows[1][1])
	assert.True(t, decimal.NewFromInt(30).Equal(rows[1][2].(decimal.Decimal)))
	assert.Equal(t, int64(9), rows[1][3])
	assert.Equal(t, int64(1), rows[1][4])
}

func TestMergeAggregateWithoutGroupBy(t *testing.T) {
	stmt := bind(t, "SELECT COUNT(*) FROM t")
	a := result([]string{"COUNT(*)"}, ids(int64(3))...)
	b := result([]string{"COUNT(*)"}, ids(int64(4))...)
	merged, err := NewEngine(nil, NullsLow).Merge(stmt, nil, []QueryResult{a, b})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(7)}}, collect(t, merged))
}

func TestMergePagination(t *testing.T) {
	var even, odd []any
	for i := int64(1); i <= 30; i++ {
		if i%2 == 0 {
			even = append(even, i)
		} else {
			odd = append(odd, i)
		}
	}
	stmt := bind(t, "SELECT id FROM t ORDER BY id LIMIT ? OFFSET ?")
	a := result([]string{"id"}, ids(even...)...)
	b := result([]string{"id"}, ids(odd...)...)
	merged, err := NewEngine(nil, NullsLow).Merge(stmt, []any{5, 10}, []QueryResult{a, b})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(11), int64(12), int64(13), int64(14), int64(15)}, column(collect(t, merged), 0))
}

func TestMergeDistinct(t *testing.T) {
	stmt := bind(t, "SELECT DISTINCT status FROM t")
	a := result([]string{"status"}, ids("a", "b")...)
	b := result([]string{"status"}, ids("b", "c")...)
	merged, err := NewEngine(nil, NullsLow).Merge(stmt, nil, []QueryResult{a, b})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, column(collect(t, merged), 0))
}

func TestMergeStripsDerivedColumns(t *testing.T) {
	stmt := bind(t, "SELECT id FROM t ORDER BY create_time")
	labels := []string{"id", "ORDER_BY_DERIVED_0"}
	a := result(labels, []any{int64(1), int64(20)})
	b := result(labels, []any{int64(2), int64(10)})
	merged, err := NewEngine(nil, NullsLow).Merge(stmt, nil, []QueryResult{a, b})
	require.NoError(t, err)
	assert.Equal(t, 1, merged.ColumnCount())
	assert.Equal(t, [][]any{{int64(2)}, {int64(1)}}, collect(t, merged))

	_, err = merged.Value(1)
	assert.True(t, errors.Is(err, ErrColumnIndex))
}

func TestMergeCloseIdempotent(t *testing.T) {
	a := result([]string{"id"}, ids(int64(1))...)
	b := result([]string{"id"}, ids(int64(2))...)
	merged, err := NewEngine(nil, NullsLow).Merge(bind(t, "SELECT id FROM t ORDER BY id LIMIT 1"), nil, []QueryResult{a, b})
	require.NoError(t, err)
	require.NoError(t, merged.Close())
	require.NoError(t, merged.Close())
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)

	ok, err := merged.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

type upperDecryptor struct{}

func (upperDecryptor) Decrypt(label string, value any) (any, error) {
	if label != "phone" {
		return value, nil
	}
	return "plain:" + value.(string), nil
}

func TestMergeDecrypt(t *testing.T) {
	a := result([]string{"id", "phone"}, []any{int64(1), "x"})
	merged, err := NewEngine(upperDecryptor{}, NullsLow).Merge(bind(t, "SELECT id, phone FROM t"), nil, []QueryResult{a})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "plain:x"}}, collect(t, merged))
}

func TestCompareValues(t *testing.T) {
	c, err := compareValues([]byte("10"), []byte("9"), "DECIMAL")
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	c, err = compareValues([]byte("10"), []byte("9"), "VARCHAR")
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = compareValues(int64(2), 2.5, "")
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	assert.Equal(t, "group-by-memory", GroupByMemory.String())
}
