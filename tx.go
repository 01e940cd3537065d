package shardroute

import (
	"context"

	"gorm/shardroute/execute"
	"gorm/shardroute/merge"
)

// Tx 分片事务, 不保证跨库原子性
type Tx struct {
	engine *Engine
	tx     *execute.Transaction
}

// Query buffers every unit result before merging.
func (t *Tx) Query(ctx context.Context, sql string, params ...any) (merge.Result, error) {
	return t.engine.query(ctx, t.tx.Query, sql, params)
}

func (t *Tx) Exec(ctx context.Context, sql string, params ...any) (ExecResult, error) {
	return t.engine.exec(ctx, t.tx.Exec, sql, params)
}

// DataSources 已开启本地事务的数据源
func (t *Tx) DataSources() []string {
	return t.tx.DataSources()
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
