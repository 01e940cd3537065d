// Package execute runs rewritten units against their data sources.
package execute

import (
	"context"
	"sort"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gorm/shardroute/merge"
	"gorm/shardroute/rewrite"
)

// ConnectionMode 连接模式
type ConnectionMode int

const (
	// MemoryStrictly buffers rows and releases the connection right away.
	MemoryStrictly ConnectionMode = iota
	// ConnectionStrictly streams rows; the connection is held until the result is closed.
	ConnectionStrictly
)

func (m ConnectionMode) String() string {
	if m == ConnectionStrictly {
		return "connection-strictly"
	}
	return "memory-strictly"
}

var (
	// ErrUnknownDataSource 未配置的数据源
	ErrUnknownDataSource = errors.New("execute: unknown data source")
	// ErrTxDone the transaction was already committed or rolled back
	ErrTxDone = errors.New("execute: transaction has already been committed or rolled back")
)

const (
	defaultPoolSize               = 128
	defaultMaxConnectionsPerQuery = 8
)

type Options struct {
	// PoolSize bounds the workers shared by every query
	PoolSize int
	// MaxConnectionsPerQuery bounds the units of one query running at once
	MaxConnectionsPerQuery int
	Mode                   ConnectionMode
	// Timeout applies to each Query / Exec, 0 means none
	Timeout time.Duration
}

// ExecResult 写操作结果
type ExecResult struct {
	RowsAffected int64
	// LastInsertID is the id reported by the last unit
	LastInsertID int64
}

// Executor 执行引擎
type Executor struct {
	conns  map[string]gorm.ConnPool
	pool   *ants.Pool
	opts   Options
	logger logger.Interface
}

func New(conns map[string]gorm.ConnPool, opts Options, log logger.Interface) (*Executor, error) {
	if log == nil {
		log = logger.Default
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.MaxConnectionsPerQuery <= 0 {
		opts.MaxConnectionsPerQuery = defaultMaxConnectionsPerQuery
	}
	e := &Executor{conns: conns, opts: opts, logger: log}
	// panics are recovered in submit and returned as the unit's error
	pool, err := ants.NewPool(opts.PoolSize)
	if err != nil {
		return nil, errors.Wrap(err, "execute: worker pool")
	}
	e.pool = pool
	return e, nil
}

// DataSources 已配置的数据源，已排序
func (e *Executor) DataSources() []string {
	names := make([]string, 0, len(e.conns))
	for name := range e.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the worker pool. Data source pools belong to the caller.
func (e *Executor) Close() error {
	return e.pool.ReleaseTimeout(3 * time.Second)
}

// Query 执行查询，结果顺序与单元一致
func (e *Executor) Query(ctx context.Context, units []rewrite.ExecutionUnit) ([]merge.QueryResult, error) {
	return e.query(ctx, units, nil)
}

// Exec 执行写操作，影响行数累加
func (e *Executor) Exec(ctx context.Context, units []rewrite.ExecutionUnit) (ExecResult, error) {
	return e.exec(ctx, units, nil)
}

func (e *Executor) query(ctx context.Context, units []rewrite.ExecutionUnit, tx *Transaction) ([]merge.QueryResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	mode := e.mode(ctx, units, tx)
	results := make([]merge.QueryResult, len(units))
	// 流式查询绑定 ctx，任一单元失败即取消，中断其余仍在执行的查询
	err := e.run(ctx, units, tx, cancel, func(gctx context.Context, conn gorm.ConnPool, unit rewrite.ExecutionUnit, i int) error {
		if mode == ConnectionStrictly {
			// 流式结果在 errgroup 结束后仍要读取，不能绑定 gctx
			rows, err := conn.QueryContext(ctx, unit.SQLUnit.SQL, unit.SQLUnit.Params...)
			if err != nil {
				return err
			}
			r, err := newStreamResult(rows)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		}
		rows, err := conn.QueryContext(gctx, unit.SQLUnit.SQL, unit.SQLUnit.Params...)
		if err != nil {
			return err
		}
		r, err := readAll(rows)
		if err != nil {
			return err
		}
		results[i] = r
		return nil
	})
	if err != nil {
		_ = merge.CloseAll(results)
		cancel()
		return nil, err
	}
	if mode == ConnectionStrictly && len(results) > 0 {
		release := releaseAfter(len(results), cancel)
		for _, r := range results {
			r.(*streamResult).release = release
		}
	} else {
		cancel()
	}
	return results, nil
}

func (e *Executor) exec(ctx context.Context, units []rewrite.ExecutionUnit, tx *Transaction) (ExecResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	affected := make([]int64, len(units))
	lastIDs := make([]int64, len(units))
	err := e.run(ctx, units, tx, nil, func(gctx context.Context, conn gorm.ConnPool, unit rewrite.ExecutionUnit, i int) error {
		r, err := conn.ExecContext(gctx, unit.SQLUnit.SQL, unit.SQLUnit.Params...)
		if err != nil {
			return err
		}
		if affected[i], err = r.RowsAffected(); err != nil {
			return err
		}
		// 不支持 LastInsertId 的驱动忽略
		lastIDs[i], _ = r.LastInsertId()
		return nil
	})
	if err != nil {
		return ExecResult{}, err
	}
	var result ExecResult
	for i := range units {
		result.RowsAffected += affected[i]
		if lastIDs[i] != 0 {
			result.LastInsertID = lastIDs[i]
		}
	}
	return result, nil
}

type task func(ctx context.Context, conn gorm.ConnPool, unit rewrite.ExecutionUnit, i int) error

// run fans units out on the worker pool. The first failure cancels the
// shared context so that units not yet started are skipped, and calls abort
// when it is not nil. Inside a transaction the units of one data source run
// in order on its connection.
func (e *Executor) run(ctx context.Context, units []rewrite.ExecutionUnit, tx *Transaction, abort context.CancelFunc, fn task) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConnectionsPerQuery)
	for _, group := range groups(units, tx != nil) {
		group := group
		g.Go(func() error {
			err := e.submit(func() error {
				ds := units[group[0]].DataSource
				var conn gorm.ConnPool
				if tx != nil {
					c, unlock, err := tx.conn(gctx, ds)
					if err != nil {
						return err
					}
					defer unlock()
					conn = c
				} else {
					c, err := e.conn(ds)
					if err != nil {
						return err
					}
					conn = c
				}
				for _, i := range group {
					if err := gctx.Err(); err != nil {
						return err
					}
					if err := fn(gctx, conn, units[i], i); err != nil {
						return errors.Wrapf(err, "execute %s", units[i].Unit)
					}
				}
				return nil
			})
			if err != nil && abort != nil {
				abort()
			}
			return err
		})
	}
	return g.Wait()
}

// submit runs fn on the shared pool and waits for it.
func (e *Executor) submit(fn func() error) error {
	done := make(chan error, 1)
	err := e.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("execute: panic: %v", r)
			}
		}()
		done <- fn()
	})
	if err != nil {
		return errors.Wrap(err, "execute: submit")
	}
	return <-done
}

func (e *Executor) conn(ds string) (gorm.ConnPool, error) {
	conn, ok := e.conns[ds]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDataSource, "%s", ds)
	}
	return conn, nil
}

// mode falls back to MemoryStrictly when a data source has more units than
// connections allowed per query.
func (e *Executor) mode(ctx context.Context, units []rewrite.ExecutionUnit, tx *Transaction) ConnectionMode {
	if e.opts.Mode != ConnectionStrictly || tx != nil {
		return MemoryStrictly
	}
	counts := map[string]int{}
	for _, u := range units {
		counts[u.DataSource]++
		if counts[u.DataSource] > e.opts.MaxConnectionsPerQuery {
			e.logger.Info(ctx, "execute: %s has more than %d units, using %s", u.DataSource, e.opts.MaxConnectionsPerQuery, MemoryStrictly)
			return MemoryStrictly
		}
	}
	return ConnectionStrictly
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.Timeout > 0 {
		return context.WithTimeout(ctx, e.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// groups 事务内同一数据源的单元归为一组
func groups(units []rewrite.ExecutionUnit, byDataSource bool) [][]int {
	var out [][]int
	if !byDataSource {
		for i := range units {
			out = append(out, []int{i})
		}
		return out
	}
	index := map[string]int{}
	for i, u := range units {
		g, ok := index[u.DataSource]
		if !ok {
			g = len(out)
			index[u.DataSource] = g
			out = append(out, nil)
		}
		out[g] = append(out[g], i)
	}
	return out
}
