package execute

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"gorm/shardroute/merge"
	"gorm/shardroute/rewrite"
)

// Transaction 每个数据源一个本地事务，首次使用时开启。不保证跨库原子性
type Transaction struct {
	executor *Executor
	opts     *sql.TxOptions
	mu       sync.Mutex
	txs      map[string]*sql.Tx
	locks    map[string]*sync.Mutex
	finished bool
}

func (e *Executor) Begin(opts *sql.TxOptions) *Transaction {
	return &Transaction{
		executor: e,
		opts:     opts,
		txs:      map[string]*sql.Tx{},
		locks:    map[string]*sync.Mutex{},
	}
}

// Query runs units buffered, serially per data source.
func (t *Transaction) Query(ctx context.Context, units []rewrite.ExecutionUnit) ([]merge.QueryResult, error) {
	return t.executor.query(ctx, units, t)
}

func (t *Transaction) Exec(ctx context.Context, units []rewrite.ExecutionUnit) (ExecResult, error) {
	return t.executor.exec(ctx, units, t)
}

// conn returns the data source transaction locked for the caller.
func (t *Transaction) conn(ctx context.Context, ds string) (gorm.ConnPool, func(), error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return nil, nil, ErrTxDone
	}
	lock, ok := t.locks[ds]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[ds] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	t.mu.Lock()
	tx := t.txs[ds]
	t.mu.Unlock()
	if tx != nil {
		return tx, lock.Unlock, nil
	}

	pool, err := t.executor.conn(ds)
	if err != nil {
		lock.Unlock()
		return nil, nil, err
	}
	beginner, ok := pool.(gorm.TxBeginner)
	if !ok {
		lock.Unlock()
		return nil, nil, errors.Errorf("execute: data source %s can not begin a transaction", ds)
	}
	// 事务生命周期不跟随单次查询的 context
	tx, err = beginner.BeginTx(context.WithoutCancel(ctx), t.opts)
	if err != nil {
		lock.Unlock()
		return nil, nil, errors.Wrapf(err, "begin %s", ds)
	}
	t.mu.Lock()
	t.txs[ds] = tx
	t.mu.Unlock()
	return tx, lock.Unlock, nil
}

// DataSources 已开启事务的数据源
func (t *Transaction) DataSources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.txs))
	for name := range t.txs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Transaction) Commit() error {
	return t.finish("commit", (*sql.Tx).Commit)
}

func (t *Transaction) Rollback() error {
	return t.finish("rollback", (*sql.Tx).Rollback)
}

// finish 向所有数据源分发提交或回滚，返回第一个错误
func (t *Transaction) finish(action string, fn func(*sql.Tx) error) error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.finished = true
	txs := t.txs
	t.mu.Unlock()

	var g errgroup.Group
	for ds, tx := range txs {
		ds, tx := ds, tx
		g.Go(func() error {
			if err := fn(tx); err != nil {
				return errors.Wrapf(err, "%s %s", action, ds)
			}
			return nil
		})
	}
	return g.Wait()
}
