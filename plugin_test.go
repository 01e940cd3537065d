package shardroute

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/callbacks"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gorm/shardroute/route"
)

// testDialector runs gorm on an existing connection with MySQL style quoting.
type testDialector struct {
	conn gorm.ConnPool
}

func (d testDialector) Name() string { return "test" }

func (d testDialector) Initialize(db *gorm.DB) error {
	db.ConnPool = d.conn
	callbacks.RegisterDefaultCallbacks(db, &callbacks.Config{})
	return nil
}

func (d testDialector) Migrator(*gorm.DB) gorm.Migrator { return nil }

func (d testDialector) DataTypeOf(*schema.Field) string { return "" }

func (d testDialector) DefaultValueOf(*schema.Field) clause.Expression {
	return clause.Expr{SQL: "NULL"}
}

func (d testDialector) BindVarTo(writer clause.Writer, _ *gorm.Statement, _ interface{}) {
	_ = writer.WriteByte('?')
}

func (d testDialector) QuoteTo(writer clause.Writer, str string) {
	_ = writer.WriteByte('`')
	_, _ = writer.WriteString(str)
	_ = writer.WriteByte('`')
}

func (d testDialector) Explain(sql string, vars ...interface{}) string {
	return logger.ExplainSQL(sql, nil, `'`, vars...)
}

type recordLogger struct {
	logger.Interface
	sqls []string
}

func (l *recordLogger) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	l.sqls = append(l.sqls, sql)
}

func openGorm(t *testing.T, e *Engine, log logger.Interface) *gorm.DB {
	db, err := gorm.Open(testDialector{conn: e.conns["ds0"]}, &gorm.Config{Logger: log})
	require.NoError(t, err)
	require.NoError(t, db.Use(e.Plugin()))
	return db
}

func TestPluginSingleRoute(t *testing.T) {
	e := newEngine(t)
	db := openGorm(t, e, logger.Discard)

	var rows []map[string]interface{}
	err := db.Table("t_order").Where("order_id = ? AND user_id = ?", 5, 2).Find(&rows).Error
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 5, rows[0]["amount"])

	// ds1.t_order_1
	err = db.Table("t_order").Create(map[string]interface{}{"order_id": 21, "user_id": 1, "amount": 21}).Error
	require.NoError(t, err)
	var amount int64
	err = db.Raw("SELECT amount FROM t_order WHERE order_id = ? AND user_id = ?", 21, 1).Scan(&amount).Error
	require.NoError(t, err)
	assert.EqualValues(t, 21, amount)

	res := db.Exec("UPDATE t_order SET amount = ? WHERE order_id = ? AND user_id = ?", 0, 21, 1)
	require.NoError(t, res.Error)
	assert.EqualValues(t, 1, res.RowsAffected)
}

func TestPluginMultipleRoutes(t *testing.T) {
	e := newEngine(t)
	db := openGorm(t, e, logger.Discard)

	var rows []map[string]interface{}
	err := db.Table("t_order").Where("user_id = ?", 1).Find(&rows).Error
	assert.True(t, errors.Is(err, ErrMultipleRoutes))
}

func TestPluginHint(t *testing.T) {
	e := newEngine(t)
	db := openGorm(t, e, logger.Discard)

	h := route.NewHintManager()
	defer h.Close()
	h.SetDatabaseShardingValue("ds1")

	var count int64
	err := db.Clauses(Hint(h)).Raw("SELECT COUNT(*) FROM t_order_0").Scan(&count).Error
	require.NoError(t, err)
	// ds1.t_order_0 holds the even orders of user 1
	assert.EqualValues(t, 3, count)
}

func TestPluginTraceLogger(t *testing.T) {
	e := newEngine(t)
	e.traceRoute = true
	rec := &recordLogger{Interface: logger.Discard}
	db := openGorm(t, e, rec)

	var rows []map[string]interface{}
	require.NoError(t, db.Table("t_order").Where("order_id = ? AND user_id = ?", 3, 0).Find(&rows).Error)
	require.NotEmpty(t, rec.sqls)
	assert.Contains(t, rec.sqls[len(rec.sqls)-1], "[ds0:t_order_1]")
	assert.Contains(t, rec.sqls[len(rec.sqls)-1], "`t_order_1`")
}
