package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorm/shardroute/execute"
	"gorm/shardroute/keygen"
	"gorm/shardroute/route"
	"gorm/shardroute/strategy"
)

const sample = `
datasources:
  ds0:
    type: mysql
    dsn: "root:root@tcp(127.0.0.1:3306)/ds0"
    max-open-conns: 20
    max-lifetime: 1h
  ds1:
    type: mysql
    dsn: "root:root@tcp(127.0.0.1:3306)/ds1"
rules:
  default-datasource: ds0
  default-database-strategy:
    type: standard
    sharding-column: user_id
    algorithm: db_mod
  algorithms:
    db_mod:
      type: MOD
      props:
        sharding-count: "2"
    order_inline:
      type: INLINE
      props:
        algorithm-expression: "t_order_${order_id % 2}"
        allow-range-query: "false"
  key-generators:
    snowflake:
      type: SNOWFLAKE
      props:
        worker-id: "3"
  tables:
    - table: t_order
      actual-data-nodes: "ds${0..1}.t_order_${0..1}"
      table-strategy:
        type: standard
        sharding-column: order_id
        algorithm: order_inline
      key-generate:
        column: order_id
        generator: snowflake
    - table: t_order_item
      actual-data-nodes: "ds${0..1}.t_order_item_${0..1}"
      table-strategy:
        type: standard
        sharding-column: order_id
        algorithm: db_mod
  binding-tables:
    - [t_order, t_order_item]
  broadcast-tables: [t_config]
execution:
  pool-size: 16
  max-connections-per-query: 2
  connection-mode: connection-strictly
  timeout: 3s
trace-route: true
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Len(t, c.DataSources, 2)
	assert.Equal(t, 20, c.DataSources["ds0"].MaxOpenConns)
	assert.Equal(t, time.Hour, c.DataSources["ds0"].MaxLifetime)
	assert.True(t, c.TraceRoute)

	opts, err := c.ExecuteOptions()
	require.NoError(t, err)
	assert.Equal(t, execute.Options{
		PoolSize:               16,
		MaxConnectionsPerQuery: 2,
		Mode:                   execute.ConnectionStrictly,
		Timeout:                3 * time.Second,
	}, opts)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sharding.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ds0", c.Rules.DefaultDataSource)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("rules: {}"))
	assert.Error(t, err)
}

func TestRule(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	rule, err := c.Rule()
	require.NoError(t, err)

	assert.Equal(t, []string{"ds0", "ds1"}, rule.DataSources())
	assert.True(t, rule.IsBroadcast("t_config"))
	assert.True(t, rule.Bound([]string{"t_order", "t_order_item"}))

	order, ok := rule.TableRule("t_order")
	require.True(t, ok)
	assert.Len(t, order.DataNodes, 4)
	require.NotNil(t, order.TableStrategy)
	assert.Equal(t, strategy.TypeStandard, order.TableStrategy.Type)
	assert.False(t, order.TableStrategy.AllowRangeQuery)
	assert.Equal(t, "order_id", order.KeyColumn)
	require.NotNil(t, order.KeyGenerator)
	assert.Equal(t, "SNOWFLAKE", order.KeyGenerator.Type())

	item, ok := rule.TableRule("t_order_item")
	require.True(t, ok)
	assert.True(t, item.TableStrategy.AllowRangeQuery)
}

func TestRuleErrors(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	c.Rules.Tables[0].TableStrategy.Algorithm = "missing"
	_, err = c.Rule()
	assert.True(t, errors.Is(err, strategy.ErrUnknownAlgorithm))

	c, err = Parse([]byte(sample))
	require.NoError(t, err)
	c.Rules.Tables[0].KeyGenerate.Generator = "missing"
	_, err = c.Rule()
	assert.True(t, errors.Is(err, keygen.ErrUnknownGenerator))

	c, err = Parse([]byte(sample))
	require.NoError(t, err)
	c.Rules.Tables[1].ActualDataNodes = "ds0.t_order_item_${0..3}"
	_, err = c.Rule()
	assert.True(t, errors.Is(err, route.ErrBindingMismatch))

	c, err = Parse([]byte(sample))
	require.NoError(t, err)
	c.Execution.ConnectionMode = "fast"
	_, err = c.ExecuteOptions()
	assert.Error(t, err)
}

func TestOpenUnsupportedType(t *testing.T) {
	c := &Config{DataSources: map[string]DBConfig{"ds0": {Type: "oracle", DSN: "x"}}}
	_, err := c.OpenDataSources()
	assert.True(t, errors.Is(err, ErrUnsupportedDBType))
}

func TestPostgresOnly(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.False(t, c.PostgresOnly())

	c.DataSources = map[string]DBConfig{"ds0": {Type: "postgres"}, "ds1": {Type: "PostgreSQL"}}
	assert.True(t, c.PostgresOnly())
}
