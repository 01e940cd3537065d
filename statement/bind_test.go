package statement

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func text(sql string, seg Segment) string {
	return sql[seg.Start:seg.Stop]
}

func TestBindSelectPredicates(t *testing.T) {
	sql := "SELECT * FROM t_order WHERE order_id = ? AND user_id = 4 AND status IN ('a', 'b')"
	ctx, err := Bind(sql)
	require.NoError(t, err)
	assert.Equal(t, Select, ctx.Type)
	require.Len(t, ctx.Tables, 1)
	assert.Equal(t, "t_order", ctx.Tables[0].Name)
	require.Len(t, ctx.Tables[0].Segments, 1)
	assert.Equal(t, "t_order", text(sql, ctx.Tables[0].Segments[0]))

	require.Len(t, ctx.Predicates, 3)
	assert.Equal(t, Predicate{Table: "t_order", Column: "order_id", Op: OpEqual, Values: []Value{Param(0)}, Text: ctx.Predicates[0].Text}, ctx.Predicates[0])
	assert.Equal(t, OpEqual, ctx.Predicates[1].Op)
	assert.Equal(t, []Value{Literal(int64(4))}, ctx.Predicates[1].Values)
	assert.Equal(t, OpIn, ctx.Predicates[2].Op)
	assert.Equal(t, []Value{Literal("a"), Literal("b")}, ctx.Predicates[2].Values)
	assert.Len(t, ctx.ParamMarkers, 1)
}

func TestBindRangeAndReversedComparison(t *testing.T) {
	ctx, err := Bind("SELECT id FROM t_order WHERE order_id BETWEEN 1 AND 10 AND 5 < user_id")
	require.NoError(t, err)
	require.Len(t, ctx.Predicates, 2)
	assert.Equal(t, OpBetween, ctx.Predicates[0].Op)
	assert.Equal(t, []Value{Literal(int64(1)), Literal(int64(10))}, ctx.Predicates[0].Values)
	assert.Equal(t, "user_id", ctx.Predicates[1].Column)
	assert.Equal(t, OpGreater, ctx.Predicates[1].Op)
}

func TestBindUnsupportedOperators(t *testing.T) {
	ctx, err := Bind("SELECT * FROM t_order WHERE status <> 'CLOSED'")
	require.NoError(t, err)
	require.Len(t, ctx.Predicates, 1)
	assert.Equal(t, OpUnsupported, ctx.Predicates[0].Op)
	assert.Equal(t, "status", ctx.Predicates[0].Column)

	ctx, err = Bind("SELECT * FROM t_order WHERE order_id = 1 OR user_id = 2")
	require.NoError(t, err)
	require.Len(t, ctx.Predicates, 2)
	for _, p := range ctx.Predicates {
		assert.Equal(t, OpUnsupported, p.Op)
	}
}

func TestBindOrSameColumnBecomesIn(t *testing.T) {
	ctx, err := Bind("SELECT * FROM t_order WHERE (order_id = 1 OR order_id = ?) AND user_id = 2")
	require.NoError(t, err)
	require.Len(t, ctx.Predicates, 2)
	assert.Equal(t, OpIn, ctx.Predicates[0].Op)
	assert.Equal(t, []Value{Literal(int64(1)), Param(0)}, ctx.Predicates[0].Values)
}

func TestBindJoinAliases(t *testing.T) {
	sql := "SELECT o.order_id FROM `t_order` o JOIN t_order_item i ON o.order_id = i.order_id AND i.item_id = 7 WHERE o.user_id = 1"
	ctx, err := Bind(sql)
	require.NoError(t, err)
	assert.Equal(t, []string{"t_order", "t_order_item"}, ctx.TableNames())
	assert.Equal(t, "o", ctx.Tables[0].Alias)
	require.Len(t, ctx.Tables[0].Segments, 1)
	assert.Equal(t, "`t_order`", text(sql, ctx.Tables[0].Segments[0]))

	require.Len(t, ctx.Predicates, 2)
	assert.Equal(t, "t_order", ctx.Predicates[0].Table)
	assert.Equal(t, "user_id", ctx.Predicates[0].Column)
	assert.Equal(t, "t_order_item", ctx.Predicates[1].Table)
	assert.Equal(t, "item_id", ctx.Predicates[1].Column)

	tbl, ok := ctx.Table("i")
	assert.True(t, ok)
	assert.Equal(t, "t_order_item", tbl.Name)
}

func TestBindQualifiedColumnsLocateTable(t *testing.T) {
	sql := "SELECT `t_order`.`order_id` FROM `t_order` WHERE `t_order`.`user_id` = ?"
	ctx, err := Bind(sql)
	require.NoError(t, err)
	require.Len(t, ctx.Tables, 1)
	assert.Len(t, ctx.Tables[0].Segments, 3)
	assert.Equal(t, "t_order", ctx.Predicates[0].Table)
}

func TestBindLimit(t *testing.T) {
	tests := []struct {
		sql      string
		offset   *Value
		rowCount Value
		rowText  string
	}{
		{"SELECT * FROM t_order ORDER BY order_id LIMIT 5 OFFSET 10", &Value{Literal: int64(10), Param: -1}, Literal(int64(5)), "5"},
		{"SELECT * FROM t_order LIMIT 10, 5", &Value{Literal: int64(10), Param: -1}, Literal(int64(5)), "5"},
		{"SELECT * FROM t_order WHERE user_id = ? LIMIT ?, ?", &Value{Param: 1}, Param(2), "?"},
		{"SELECT * FROM t_order LIMIT 3", nil, Literal(int64(3)), "3"},
	}
	for _, tt := range tests {
		ctx, err := Bind(tt.sql)
		require.NoError(t, err, tt.sql)
		require.NotNil(t, ctx.Limit, tt.sql)
		assert.Equal(t, tt.rowCount, ctx.Limit.RowCount.Value, tt.sql)
		assert.Equal(t, tt.rowText, text(tt.sql, ctx.Limit.RowCount.Segment), tt.sql)
		if tt.offset == nil {
			assert.Nil(t, ctx.Limit.Offset, tt.sql)
		} else {
			require.NotNil(t, ctx.Limit.Offset, tt.sql)
			assert.Equal(t, *tt.offset, ctx.Limit.Offset.Value, tt.sql)
		}
	}
}

func TestBindProjectionsAndDerived(t *testing.T) {
	sql := "SELECT user_id, AVG(amount) AS a, COUNT(*) FROM t_order GROUP BY status ORDER BY create_time DESC, user_id"
	ctx, err := Bind(sql)
	require.NoError(t, err)
	require.Len(t, ctx.Projections, 3)
	assert.Equal(t, "user_id", ctx.Projections[0].Column)
	assert.Equal(t, AggAvg, ctx.Projections[1].Aggregate)
	assert.Equal(t, "a", ctx.Projections[1].Label())
	assert.Equal(t, 1, ctx.Projections[1].Index)
	assert.Equal(t, AggCount, ctx.Projections[2].Aggregate)
	assert.True(t, ctx.HasAggregate())

	assert.Equal(t, "COUNT(*)", sql[ctx.ProjectionStop-8:ctx.ProjectionStop])

	aliases := make([]string, len(ctx.Derived))
	for i, d := range ctx.Derived {
		aliases[i] = d.Alias
	}
	assert.Equal(t, []string{"AVG_DERIVED_COUNT_0", "AVG_DERIVED_SUM_0", "ORDER_BY_DERIVED_0", "GROUP_BY_DERIVED_0"}, aliases)
	assert.Equal(t, "COUNT(amount)", ctx.Derived[0].Expression)

	require.Len(t, ctx.OrderBy, 2)
	assert.True(t, ctx.OrderBy[0].Desc)
	assert.True(t, ctx.OrderBy[0].Derived)
	assert.Equal(t, "ORDER_BY_DERIVED_0", ctx.OrderBy[0].Label)
	assert.False(t, ctx.OrderBy[1].Derived)
	assert.Equal(t, 0, ctx.OrderBy[1].ProjectionIndex)
	assert.Equal(t, "GROUP_BY_DERIVED_0", ctx.GroupBy[0].Label)
}

func TestBindOrderByStarAndPosition(t *testing.T) {
	ctx, err := Bind("SELECT * FROM t_order ORDER BY order_id")
	require.NoError(t, err)
	assert.Empty(t, ctx.Derived)
	assert.Equal(t, -1, ctx.OrderBy[0].ProjectionIndex)
	assert.Equal(t, "order_id", ctx.OrderBy[0].Label)

	ctx, err = Bind("SELECT order_id, user_id FROM t_order ORDER BY 2 DESC")
	require.NoError(t, err)
	assert.Equal(t, 1, ctx.OrderBy[0].ProjectionIndex)
	assert.Equal(t, "user_id", ctx.OrderBy[0].Label)
}

func TestBindDistinct(t *testing.T) {
	ctx, err := Bind("SELECT DISTINCT user_id FROM t_order")
	require.NoError(t, err)
	assert.True(t, ctx.Distinct)
	assert.False(t, ctx.Having)
	_, ok := ctx.DistinctAggregate()
	assert.False(t, ok)

	ctx, err = Bind("SELECT COUNT(DISTINCT user_id) AS c, MAX(DISTINCT amount) FROM t_order")
	require.NoError(t, err)
	p, ok := ctx.DistinctAggregate()
	require.True(t, ok)
	assert.Equal(t, AggCount, p.Aggregate)
	assert.Equal(t, "c", p.Alias)

	ctx, err = Bind("SELECT MIN(DISTINCT amount) FROM t_order")
	require.NoError(t, err)
	_, ok = ctx.DistinctAggregate()
	assert.False(t, ok)
}

func TestBindHaving(t *testing.T) {
	ctx, err := Bind("SELECT user_id, COUNT(*) FROM t_order GROUP BY user_id HAVING COUNT(*) > 5")
	require.NoError(t, err)
	assert.True(t, ctx.Having)
	assert.Len(t, ctx.GroupBy, 1)
}

func TestBindInsert(t *testing.T) {
	sql := "INSERT INTO `t_order` (`user_id`, `status`) VALUES (?, ?), (?, 'init'), (3, ?)"
	ctx, err := Bind(sql)
	require.NoError(t, err)
	assert.Equal(t, Insert, ctx.Type)
	ins := ctx.Insert
	require.NotNil(t, ins)
	assert.Equal(t, []string{"user_id", "status"}, ins.Columns)
	assert.Equal(t, 1, ins.ColumnIndex("STATUS"))
	assert.Equal(t, ")", sql[ins.ColumnsEnd:ins.ColumnsEnd+1])
	assert.Equal(t, "`status`", text(sql, ins.ColumnSegments[1]))
	require.Len(t, ins.Rows, 3)
	assert.Equal(t, "(?, ?)", text(sql, ins.Rows[0].Segment))
	assert.Equal(t, "(3, ?)", text(sql, ins.Rows[2].Segment))
	assert.Equal(t, [2]int{0, 2}, [2]int{ins.Rows[0].ParamStart, ins.Rows[0].ParamEnd})
	assert.Equal(t, [2]int{2, 3}, [2]int{ins.Rows[1].ParamStart, ins.Rows[1].ParamEnd})
	assert.Equal(t, [2]int{3, 4}, [2]int{ins.Rows[2].ParamStart, ins.Rows[2].ParamEnd})
	assert.Equal(t, []Value{Param(2), Literal("init")}, ins.Rows[1].Values)
	assert.Equal(t, "(?, ?), (?, 'init'), (3, ?)", text(sql, ins.ValuesSegment))
}

func TestBindInsertMismatch(t *testing.T) {
	_, err := Bind("INSERT INTO t_order (user_id, status) VALUES (1)")
	assert.True(t, errors.Is(err, ErrInsertColumnsMismatch))
}

func TestBindInsertSelectUnsupported(t *testing.T) {
	_, err := Bind("INSERT INTO t_order (user_id) SELECT user_id FROM t_user")
	assert.True(t, errors.Is(err, ErrUnsupportedStatement))
}

func TestBindOtherStatements(t *testing.T) {
	ctx, err := Bind("UPDATE t_order SET status = ? WHERE order_id = ?")
	require.NoError(t, err)
	assert.Equal(t, Update, ctx.Type)
	assert.Equal(t, []Value{Param(1)}, ctx.Predicates[0].Values)

	ctx, err = Bind("DELETE FROM t_order WHERE user_id = 1")
	require.NoError(t, err)
	assert.Equal(t, Delete, ctx.Type)
	assert.Equal(t, "t_order", ctx.Predicates[0].Table)

	ctx, err = Bind("DROP TABLE t_order")
	require.NoError(t, err)
	assert.Equal(t, DDL, ctx.Type)
	assert.Equal(t, []string{"t_order"}, ctx.TableNames())
	assert.True(t, ctx.Type.IsWrite())

	ctx, err = Bind("SHOW TABLES")
	require.NoError(t, err)
	assert.Equal(t, DAL, ctx.Type)

	_, err = Bind("SELEC broken")
	assert.Error(t, err)
}

func TestValueResolve(t *testing.T) {
	v, err := Param(1).Resolve([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	_, err = Param(2).Resolve([]any{"a"})
	assert.True(t, errors.Is(err, ErrParameterIndex))
	v, err = Literal(3).Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	_, err = Value{Param: -1, Expr: true}.Resolve(nil)
	assert.Error(t, err)
}

func TestIsDerivedLabel(t *testing.T) {
	assert.True(t, IsDerivedLabel("ORDER_BY_DERIVED_0"))
	assert.True(t, IsDerivedLabel("avg_derived_sum_1"))
	assert.False(t, IsDerivedLabel("order_id"))
}
