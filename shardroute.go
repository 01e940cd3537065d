// Package shardroute presents a set of sharded data sources as one logical
// database: statements are routed, rewritten per data node, executed in
// parallel and merged back into one result.
package shardroute

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gorm/shardroute/config"
	"gorm/shardroute/execute"
	"gorm/shardroute/merge"
	"gorm/shardroute/rewrite"
	"gorm/shardroute/route"
	"gorm/shardroute/statement"
)

var (
	// ErrMultipleRoutes gorm 语句路由到了多个单元，请改用 Engine.Query / Engine.Exec
	ErrMultipleRoutes = errors.New("shardroute: statement routes to several units")
	// ErrMissingDataSource 规则中的数据源没有连接
	ErrMissingDataSource = errors.New("shardroute: data source has no connection")
)

type Options struct {
	Logger    logger.Interface
	Execute   execute.Options
	Encryptor rewrite.Encryptor
	Decryptor merge.Decryptor
	// NullOrder is how the data sources sort NULL, MySQL and SQLite by default
	NullOrder merge.NullOrder
	// 打印路由信息
	TraceRoute bool
}

// Engine 分片执行入口
type Engine struct {
	rule       *route.Rule
	router     *route.Engine
	rewriter   *rewrite.Engine
	executor   *execute.Executor
	merger     *merge.Engine
	conns      map[string]gorm.ConnPool
	dbs        map[string]*gorm.DB
	logger     logger.Interface
	traceRoute bool
}

// ExecutionContext 一条逻辑 SQL 的路由与改写结果
type ExecutionContext struct {
	SQL       string
	Params    []any
	Statement *statement.Context
	Route     *route.Context
	Units     []rewrite.ExecutionUnit
}

// ExecResult 写操作结果
type ExecResult struct {
	RowsAffected int64
	LastInsertID int64
	// GeneratedKeys holds the keys generated for an INSERT, in VALUES row order
	GeneratedKeys []any
}

// New builds an engine over conns, which must cover every data source of rule.
// The connections stay owned by the caller.
func New(rule *route.Rule, conns map[string]gorm.ConnPool, opts Options) (*Engine, error) {
	for _, ds := range rule.DataSources() {
		if _, ok := conns[ds]; !ok {
			return nil, errors.Wrap(ErrMissingDataSource, ds)
		}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default
	}
	executor, err := execute.New(conns, opts.Execute, log)
	if err != nil {
		return nil, err
	}
	return &Engine{
		rule:       rule,
		router:     route.NewEngine(rule, log),
		rewriter:   rewrite.NewEngine(opts.Encryptor),
		executor:   executor,
		merger:     merge.NewEngine(opts.Decryptor, opts.NullOrder),
		conns:      conns,
		logger:     log,
		traceRoute: opts.TraceRoute,
	}, nil
}

// Open builds the engine from configuration, opening every data source. The
// execution options and route tracing of c are used; Close releases the pools.
func Open(c *config.Config, opts Options) (*Engine, error) {
	rule, err := c.Rule()
	if err != nil {
		return nil, err
	}
	if opts.Execute, err = c.ExecuteOptions(); err != nil {
		return nil, err
	}
	opts.TraceRoute = opts.TraceRoute || c.TraceRoute
	if c.PostgresOnly() {
		opts.NullOrder = merge.NullsHigh
	}
	dbs, err := c.OpenDataSources()
	if err != nil {
		return nil, err
	}
	e, err := New(rule, config.ConnPools(dbs), opts)
	if err != nil {
		closeDBs(dbs)
		return nil, err
	}
	e.dbs = dbs
	return e, nil
}

func (e *Engine) Rule() *route.Rule {
	return e.rule
}

// Prepare 路由并改写, 不执行
func (e *Engine) Prepare(ctx context.Context, sql string, params ...any) (*ExecutionContext, error) {
	stmt, err := statement.Bind(sql)
	if err != nil {
		return nil, err
	}
	rc, err := e.router.Route(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	units, err := e.rewriter.Rewrite(stmt, rc, params)
	if err != nil {
		return nil, err
	}
	if e.traceRoute {
		e.logger.Info(ctx, "route %q => [%s]", sql, describe(units))
	}
	return &ExecutionContext{SQL: sql, Params: params, Statement: stmt, Route: rc, Units: units}, nil
}

// Merge 合并调用方自行执行得到的结果
func (e *Engine) Merge(ec *ExecutionContext, results []merge.QueryResult) (merge.Result, error) {
	return e.merger.Merge(ec.Statement, ec.Params, results)
}

// Query 执行查询并合并结果, 调用方负责 Close
func (e *Engine) Query(ctx context.Context, sql string, params ...any) (merge.Result, error) {
	return e.query(ctx, e.executor.Query, sql, params)
}

func (e *Engine) Exec(ctx context.Context, sql string, params ...any) (ExecResult, error) {
	return e.exec(ctx, e.executor.Exec, sql, params)
}

// Begin 开启分片事务, 各数据源的本地事务在首次使用时开启
func (e *Engine) Begin(opts *sql.TxOptions) *Tx {
	return &Tx{engine: e, tx: e.executor.Begin(opts)}
}

// Close releases the worker pool and the data sources opened by Open.
func (e *Engine) Close() error {
	err := e.executor.Close()
	closeDBs(e.dbs)
	return err
}

type queryFunc func(context.Context, []rewrite.ExecutionUnit) ([]merge.QueryResult, error)

type execFunc func(context.Context, []rewrite.ExecutionUnit) (execute.ExecResult, error)

func (e *Engine) query(ctx context.Context, run queryFunc, sql string, params []any) (merge.Result, error) {
	ec, err := e.Prepare(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	results, err := run(ctx, ec.Units)
	if err != nil {
		return nil, err
	}
	return e.Merge(ec, results)
}

func (e *Engine) exec(ctx context.Context, run execFunc, sql string, params []any) (ExecResult, error) {
	ec, err := e.Prepare(ctx, sql, params...)
	if err != nil {
		return ExecResult{}, err
	}
	r, err := run(ctx, ec.Units)
	if err != nil {
		return ExecResult{}, err
	}
	result := ExecResult{RowsAffected: r.RowsAffected, LastInsertID: r.LastInsertID}
	if gk := ec.Route.GeneratedKey; gk != nil {
		result.GeneratedKeys = gk.Values
	}
	return result, nil
}

func describe(units []rewrite.ExecutionUnit) string {
	parts := make([]string, 0, len(units))
	for _, u := range units {
		parts = append(parts, u.Unit.String())
	}
	return strings.Join(parts, "; ")
}

func closeDBs(dbs map[string]*gorm.DB) {
	for _, db := range dbs {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
