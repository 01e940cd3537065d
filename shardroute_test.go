package shardroute

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"gorm/shardroute/keygen"
	"gorm/shardroute/merge"
	"gorm/shardroute/route"
	"gorm/shardroute/statement"
	"gorm/shardroute/strategy"
)

func openShards(t *testing.T) map[string]gorm.ConnPool {
	conns := map[string]gorm.ConnPool{}
	for d := 0; d < 2; d++ {
		name := fmt.Sprintf("ds%d", d)
		db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name+".db")+"?_pragma=busy_timeout(5000)")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		for tb := 0; tb < 2; tb++ {
			_, err = db.Exec(fmt.Sprintf("CREATE TABLE t_order_%d (order_id INTEGER PRIMARY KEY, user_id INTEGER, amount INTEGER)", tb))
			require.NoError(t, err)
		}
		conns[name] = db
	}
	return conns
}

func modStrategy(t *testing.T, column string) *strategy.Strategy {
	alg, err := strategy.NewAlgorithm("MOD", strategy.Properties{"sharding-count": "2"})
	require.NoError(t, err)
	return strategy.NewStandard(column, alg.(strategy.StandardAlgorithm))
}

func newRule(t *testing.T) *route.Rule {
	order, err := route.NewTableRule("t_order", "ds${0..1}.t_order_${0..1}")
	require.NoError(t, err)
	order.DatabaseStrategy = modStrategy(t, "user_id")
	order.TableStrategy = modStrategy(t, "order_id")
	order.KeyColumn = "order_id"
	order.KeyGenerator, err = keygen.New("SNOWFLAKE", nil)
	require.NoError(t, err)

	rule, err := route.NewRule(route.RuleConfig{
		DataSources: []string{"ds0", "ds1"},
		Tables:      []*route.TableRule{order},
	})
	require.NoError(t, err)
	return rule
}

// newEngine loads orders 1..20 with user_id = order_id % 3 and amount = order_id.
func newEngine(t *testing.T) *Engine {
	e, err := New(newRule(t), openShards(t), Options{Logger: logger.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	var (
		rows   []string
		params []any
	)
	for id := 1; id <= 20; id++ {
		rows = append(rows, "(?, ?, ?)")
		params = append(params, id, id%3, id)
	}
	r, err := e.Exec(context.Background(), "INSERT INTO t_order (order_id, user_id, amount) VALUES "+strings.Join(rows, ", "), params...)
	require.NoError(t, err)
	assert.EqualValues(t, 20, r.RowsAffected)
	assert.Empty(t, r.GeneratedKeys)
	return e
}

func readAll(t *testing.T, r merge.Result) [][]any {
	defer func() { require.NoError(t, r.Close()) }()
	var out [][]any
	for {
		ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		row := make([]any, r.ColumnCount())
		for i := range row {
			row[i], err = r.Value(i)
			require.NoError(t, err)
		}
		out = append(out, row)
	}
}

func column(rows [][]any, i int) []int64 {
	var out []int64
	for _, row := range rows {
		out = append(out, row[i].(int64))
	}
	return out
}

func TestNewMissingDataSource(t *testing.T) {
	conns := openShards(t)
	delete(conns, "ds1")
	_, err := New(newRule(t), conns, Options{Logger: logger.Discard})
	assert.True(t, errors.Is(err, ErrMissingDataSource))
}

func TestPrecise(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	ec, err := e.Prepare(ctx, "SELECT order_id, amount FROM t_order WHERE order_id = ? AND user_id = ?", 3, 0)
	require.NoError(t, err)
	require.Len(t, ec.Units, 1)
	assert.Equal(t, "ds0:t_order_1", ec.Units[0].Unit.String())
	assert.Equal(t, "SELECT order_id, amount FROM t_order_1 WHERE order_id = ? AND user_id = ?", ec.Units[0].SQLUnit.SQL)

	r, err := e.Query(ctx, "SELECT order_id, amount FROM t_order WHERE order_id = ? AND user_id = ?", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(3), int64(3)}}, readAll(t, r))
}

func TestBroadcastFallback(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	ec, err := e.Prepare(ctx, "SELECT order_id FROM t_order WHERE order_id <> ? ORDER BY order_id", 7)
	require.NoError(t, err)
	assert.Len(t, ec.Units, 4)
	assert.NotEmpty(t, ec.Route.Diagnostics)

	r, err := e.Query(ctx, "SELECT order_id FROM t_order WHERE order_id <> ? ORDER BY order_id", 7)
	require.NoError(t, err)
	got := column(readAll(t, r), 0)
	assert.Len(t, got, 19)
	assert.NotContains(t, got, int64(7))
	assert.IsIncreasing(t, got)
}

func TestPagination(t *testing.T) {
	e := newEngine(t)
	r, err := e.Query(context.Background(), "SELECT order_id FROM t_order ORDER BY order_id LIMIT 5 OFFSET 10")
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 13, 14, 15}, column(readAll(t, r), 0))

	r, err = e.Query(context.Background(), "SELECT order_id FROM t_order ORDER BY order_id DESC LIMIT ?, ?", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{18, 17, 16}, column(readAll(t, r), 0))
}

func TestAggregates(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	r, err := e.Query(ctx, "SELECT COUNT(*) AS cnt, SUM(amount) AS total, MAX(amount) AS top FROM t_order")
	require.NoError(t, err)
	rows := readAll(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(20), rows[0][0])
	assert.True(t, decimal.NewFromInt(210).Equal(rows[0][1].(decimal.Decimal)))
	assert.EqualValues(t, 20, rows[0][2])

	r, err = e.Query(ctx, "SELECT user_id, AVG(amount) AS avg_amount FROM t_order GROUP BY user_id ORDER BY user_id")
	require.NoError(t, err)
	assert.Equal(t, 2, r.ColumnCount())
	rows = readAll(t, r)
	require.Len(t, rows, 3)
	want := []decimal.Decimal{decimal.NewFromFloat(10.5), decimal.NewFromInt(10), decimal.NewFromInt(11)}
	for i, row := range rows {
		assert.EqualValues(t, i, row[0])
		assert.True(t, want[i].Equal(row[1].(decimal.Decimal)), "user %d avg %v", i, row[1])
	}
}

func TestGeneratedKey(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	r, err := e.Exec(ctx, "INSERT INTO t_order (user_id, amount) VALUES (?, ?)", 1, 99)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.RowsAffected)
	require.Len(t, r.GeneratedKeys, 1)

	res, err := e.Query(ctx, "SELECT amount FROM t_order WHERE order_id = ? AND user_id = ?", r.GeneratedKeys[0], 1)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(99)}}, readAll(t, res))
}

func TestTransaction(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	tx := e.Begin(nil)
	r, err := tx.Exec(ctx, "UPDATE t_order SET amount = 0 WHERE user_id = ?", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 7, r.RowsAffected)
	assert.Equal(t, []string{"ds1"}, tx.DataSources())

	res, err := tx.Query(ctx, "SELECT SUM(amount) AS total FROM t_order WHERE user_id = ?", 1)
	require.NoError(t, err)
	rows := readAll(t, res)
	assert.True(t, decimal.Zero.Equal(rows[0][0].(decimal.Decimal)))
	require.NoError(t, tx.Rollback())

	res, err = e.Query(ctx, "SELECT SUM(amount) AS total FROM t_order WHERE user_id = ?", 1)
	require.NoError(t, err)
	rows = readAll(t, res)
	assert.True(t, decimal.NewFromInt(70).Equal(rows[0][0].(decimal.Decimal)))
}

func TestRouteUnresolved(t *testing.T) {
	e := newEngine(t)
	_, err := e.Query(context.Background(), "SELECT * FROM t_unknown")
	assert.True(t, errors.Is(err, route.ErrRouteUnresolved))
}

func TestOrderByNullsAcrossShards(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	// orders 4 and 7 of user 1 live in ds1.t_order_0 and ds1.t_order_1
	r, err := e.Exec(ctx, "UPDATE t_order SET amount = NULL WHERE order_id IN (?, ?) AND user_id = ?", 4, 7, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, r.RowsAffected)

	res, err := e.Query(ctx, "SELECT order_id, amount FROM t_order WHERE user_id = ? ORDER BY amount", 1)
	require.NoError(t, err)
	rows := readAll(t, res)
	assert.Equal(t, []int64{4, 7, 1, 10, 13, 16, 19}, column(rows, 0))
	assert.Nil(t, rows[0][1])
	assert.Nil(t, rows[1][1])

	res, err = e.Query(ctx, "SELECT order_id, amount FROM t_order WHERE user_id = ? ORDER BY amount DESC", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{19, 16, 13, 10, 1, 4, 7}, column(readAll(t, res), 0))
}

func TestUnmergeableAcrossShards(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for _, sql := range []string{
		"SELECT COUNT(DISTINCT user_id) AS c FROM t_order",
		"SELECT user_id, COUNT(*) AS c FROM t_order GROUP BY user_id HAVING COUNT(*) > 5",
	} {
		_, err := e.Query(ctx, sql)
		assert.True(t, errors.Is(err, statement.ErrUnsupportedStatement), sql)
	}

	// order 4 of user 1 routes to ds1.t_order_0 only
	r, err := e.Query(ctx, "SELECT user_id, COUNT(*) AS c FROM t_order WHERE order_id = ? AND user_id = ? GROUP BY user_id HAVING COUNT(*) > 0", 4, 1)
	require.NoError(t, err)
	assert.Len(t, readAll(t, r), 1)

	r, err = e.Query(ctx, "SELECT MAX(DISTINCT amount) AS top FROM t_order")
	require.NoError(t, err)
	rows := readAll(t, r)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 20, rows[0][0])
}
