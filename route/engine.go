// Package route resolves a bound statement to the data sources and actual
// tables it has to run on.
package route

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm/logger"

	"gorm/shardroute/statement"
	"gorm/shardroute/strategy"
	"gorm/shardroute/util/str"
)

// Engine 路由引擎
type Engine struct {
	rule   *Rule
	logger logger.Interface
}

func NewEngine(rule *Rule, log logger.Interface) *Engine {
	if log == nil {
		log = logger.Default
	}
	return &Engine{rule: rule, logger: log}
}

func (e *Engine) Rule() *Rule {
	return e.rule
}

// Route 计算路由单元，结果按数据源、实际表排序
func (e *Engine) Route(ctx context.Context, stmt *statement.Context, params []any) (*Context, error) {
	rc := &Context{OriginalNodes: stmt.TableNames()}

	var (
		sharded       []*TableRule
		seen          = map[string]bool{}
		broadcastOnly = len(stmt.Tables) > 0
	)
	for _, t := range stmt.Tables {
		if tr, ok := e.rule.TableRule(t.Name); ok {
			broadcastOnly = false
			if !seen[strings.ToLower(tr.LogicTable)] {
				seen[strings.ToLower(tr.LogicTable)] = true
				sharded = append(sharded, tr)
			}
		} else if !e.rule.IsBroadcast(t.Name) {
			broadcastOnly = false
		}
	}

	hint := HintFromContext(ctx)
	var err error
	if values, ok := hint.DatabaseOnly(); ok {
		err = e.routeDatabaseOnly(rc, values)
	} else {
		switch {
		case stmt.Type == statement.DAL:
			e.unicast(rc, sharded)
		case stmt.Type == statement.DDL && len(sharded) > 0:
			e.routeAllNodes(rc, sharded[0])
		case stmt.Type == statement.DDL:
			e.broadcastDataSources(rc)
		case len(sharded) == 0 && broadcastOnly:
			if stmt.Type.IsWrite() {
				e.broadcastDataSources(rc)
			} else {
				e.unicast(rc, nil)
			}
		case len(sharded) == 0:
			err = e.passThrough(rc)
		case stmt.Type == statement.Insert:
			err = e.routeInsert(ctx, rc, stmt, params, sharded[0], hint)
		default:
			err = e.routeTables(ctx, rc, stmt, params, sharded, hint)
		}
	}
	if err != nil {
		return nil, err
	}
	rc.sort()
	return rc, nil
}

// unicast picks the first data source so that metadata statements are stable.
func (e *Engine) unicast(rc *Context, sharded []*TableRule) {
	if len(sharded) == 0 {
		rc.Units = []Unit{{DataSource: e.rule.dataSources[0]}}
		return
	}
	var first *DataNode
	for i, n := range sharded[0].DataNodes {
		if first == nil || n.DataSource < first.DataSource {
			first = &sharded[0].DataNodes[i]
		}
	}
	rc.Units = []Unit{{
		DataSource: first.DataSource,
		Tables:     []TableMapping{{Logic: sharded[0].LogicTable, Actual: first.Table}},
	}}
}

func (e *Engine) routeAllNodes(rc *Context, tr *TableRule) {
	rc.Broadcast = true
	for _, n := range tr.DataNodes {
		rc.Units = append(rc.Units, Unit{
			DataSource: n.DataSource,
			Tables:     []TableMapping{{Logic: tr.LogicTable, Actual: n.Table}},
		})
	}
}

func (e *Engine) broadcastDataSources(rc *Context) {
	rc.Broadcast = true
	for _, ds := range e.rule.dataSources {
		rc.Units = append(rc.Units, Unit{DataSource: ds})
	}
}

func (e *Engine) passThrough(rc *Context) error {
	ds := e.rule.defaultDataSource
	if ds == "" {
		return errors.Wrapf(ErrRouteUnresolved, "tables %v have no rule and no default data source is set", rc.OriginalNodes)
	}
	rc.Units = []Unit{{DataSource: ds}}
	return nil
}

func (e *Engine) routeDatabaseOnly(rc *Context, values []any) error {
	rc.DatabaseOnly = true
	var (
		targets []string
		err     error
	)
	if s := e.rule.defaultDatabaseStrategy; s != nil && s.Type == strategy.TypeHint {
		targets, err = s.Shard(e.rule.dataSources, []strategy.RouteValue{strategy.NewListIn("", "", values...)})
		if err != nil {
			return errors.Wrap(err, "database hint")
		}
	} else {
		for _, v := range values {
			for _, ds := range e.rule.dataSources {
				if ds == str.ToString(v) {
					targets = append(targets, ds)
				}
			}
		}
	}
	if len(targets) == 0 {
		return errors.Wrapf(ErrRouteUnresolved, "database hint %v", values)
	}
	for _, ds := range targets {
		rc.Units = append(rc.Units, Unit{DataSource: ds})
	}
	return nil
}

func (e *Engine) routeTables(ctx context.Context, rc *Context, stmt *statement.Context, params []any, sharded []*TableRule, hint *HintManager) error {
	routed := make([][]DataNode, len(sharded))
	for i, tr := range sharded {
		nodes, err := e.tableNodes(ctx, rc, stmt, params, tr, hint)
		if err != nil {
			return err
		}
		routed[i] = nodes
	}

	if len(sharded) == 1 {
		for _, n := range routed[0] {
			rc.Units = append(rc.Units, Unit{
				DataSource: n.DataSource,
				Tables:     []TableMapping{{Logic: sharded[0].LogicTable, Actual: n.Table}},
			})
		}
		return nil
	}

	names := make([]string, len(sharded))
	for i, tr := range sharded {
		names[i] = tr.LogicTable
	}
	if e.rule.Bound(names) {
		return e.routeBinding(rc, sharded, routed)
	}
	return e.routeCartesian(ctx, rc, sharded, routed)
}

// routeBinding aligns binding tables by configured node index. Every table's
// conditions narrow the shared index set.
func (e *Engine) routeBinding(rc *Context, sharded []*TableRule, routed [][]DataNode) error {
	var indexes []int
	for i, tr := range sharded {
		current := map[int]bool{}
		for _, n := range routed[i] {
			current[tr.NodeIndex(n)] = true
		}
		if i == 0 {
			for idx := range tr.DataNodes {
				if current[idx] {
					indexes = append(indexes, idx)
				}
			}
			continue
		}
		kept := indexes[:0]
		for _, idx := range indexes {
			if current[idx] {
				kept = append(kept, idx)
			}
		}
		indexes = kept
	}
	if len(indexes) == 0 {
		return errors.Wrapf(ErrRouteUnresolved, "binding tables %v", rc.OriginalNodes)
	}
	for _, idx := range indexes {
		unit := Unit{DataSource: sharded[0].DataNodes[idx].DataSource}
		for _, tr := range sharded {
			unit.Tables = append(unit.Tables, TableMapping{Logic: tr.LogicTable, Actual: tr.DataNodes[idx].Table})
		}
		rc.Units = append(rc.Units, unit)
	}
	return nil
}

// routeCartesian combines every actual table of each logical table sharing a
// data source.
func (e *Engine) routeCartesian(ctx context.Context, rc *Context, sharded []*TableRule, routed [][]DataNode) error {
	var dataSources []string
	for _, n := range routed[0] {
		if len(dataSources) == 0 || dataSources[len(dataSources)-1] != n.DataSource {
			dataSources = append(dataSources, n.DataSource)
		}
	}
	for _, ds := range dataSources {
		combos := [][]TableMapping{nil}
		for i, tr := range sharded {
			var tables []string
			for _, n := range routed[i] {
				if n.DataSource == ds {
					tables = append(tables, n.Table)
				}
			}
			next := make([][]TableMapping, 0, len(combos)*len(tables))
			for _, combo := range combos {
				for _, t := range tables {
					m := append(append([]TableMapping(nil), combo...), TableMapping{Logic: tr.LogicTable, Actual: t})
					next = append(next, m)
				}
			}
			combos = next
		}
		for _, combo := range combos {
			rc.Units = append(rc.Units, Unit{DataSource: ds, Tables: combo})
		}
	}
	if len(rc.Units) == 0 {
		return errors.Wrapf(ErrRouteUnresolved, "tables %v share no data source", rc.OriginalNodes)
	}
	if len(rc.Units) > len(dataSources) {
		e.diagnose(ctx, rc, fmt.Sprintf("cartesian product of %v: %d units", rc.OriginalNodes, len(rc.Units)))
	}
	return nil
}

// tableNodes 先分库，再在每个库内分表
func (e *Engine) tableNodes(ctx context.Context, rc *Context, stmt *statement.Context, params []any, tr *TableRule, hint *HintManager) ([]DataNode, error) {
	dbStrategy := e.rule.databaseStrategy(tr)
	dbValues, err := e.routeValues(ctx, rc, stmt, params, tr, dbStrategy, hint.databaseValues(tr.LogicTable))
	if err != nil {
		return nil, err
	}
	dataSources, err := dbStrategy.Shard(tr.DataSourceNames(), dbValues)
	if err != nil {
		return nil, e.shardError(err, tr, "database")
	}

	tbStrategy := e.rule.tableStrategy(tr)
	tbValues, err := e.routeValues(ctx, rc, stmt, params, tr, tbStrategy, hint.tableValues(tr.LogicTable))
	if err != nil {
		return nil, err
	}
	nodes, err := e.shardTables(tr, tbStrategy, dataSources, tbValues)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.Wrapf(ErrRouteUnresolved, "table %s", tr.LogicTable)
	}
	return nodes, nil
}

func (e *Engine) shardTables(tr *TableRule, s *strategy.Strategy, dataSources []string, values []strategy.RouteValue) ([]DataNode, error) {
	var nodes []DataNode
	for _, ds := range dataSources {
		tables, err := s.Shard(tr.ActualTables(ds), values)
		if errors.Is(err, strategy.ErrNoTarget) {
			// 该库下没有对应的实际表
			continue
		}
		if err != nil {
			return nil, e.shardError(err, tr, "table")
		}
		for _, t := range tables {
			nodes = append(nodes, DataNode{DataSource: ds, Table: t})
		}
	}
	return nodes, nil
}

func (e *Engine) shardError(err error, tr *TableRule, dimension string) error {
	if errors.Is(err, strategy.ErrNoTarget) {
		return errors.Wrapf(ErrRouteUnresolved, "table %s %s sharding: %v", tr.LogicTable, dimension, err)
	}
	return errors.Wrapf(err, "table %s %s sharding", tr.LogicTable, dimension)
}

// routeValues 从 hint 或 SQL 条件中取分片值
func (e *Engine) routeValues(ctx context.Context, rc *Context, stmt *statement.Context, params []any, tr *TableRule, s *strategy.Strategy, hints []any) ([]strategy.RouteValue, error) {
	if len(hints) > 0 {
		return hintValues(tr, s, hints), nil
	}
	if s.Type == strategy.TypeNone || s.Type == strategy.TypeHint {
		return nil, nil
	}
	var values []strategy.RouteValue
	for _, column := range s.Columns {
		var (
			supported   int
			unsupported []string
		)
		for _, p := range stmt.Predicates {
			if !strings.EqualFold(p.Column, column) || (p.Table != "" && !strings.EqualFold(p.Table, tr.LogicTable)) {
				continue
			}
			if p.Op == statement.OpUnsupported {
				unsupported = append(unsupported, p.Text)
				continue
			}
			v, err := predicateValue(tr.LogicTable, p, params)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			supported++
		}
		if supported == 0 && len(unsupported) > 0 {
			err := errors.Wrapf(strategy.ErrUnsupportedShardingOperation, "%s.%s in %s, routing to all nodes",
				tr.LogicTable, column, strings.Join(unsupported, "; "))
			e.diagnose(ctx, rc, err.Error())
		}
	}
	return values, nil
}

func hintValues(tr *TableRule, s *strategy.Strategy, hints []any) []strategy.RouteValue {
	value := func(column string) strategy.RouteValue {
		if len(hints) == 1 {
			return strategy.NewPrecise(tr.LogicTable, column, hints[0])
		}
		return strategy.NewListIn(tr.LogicTable, column, hints...)
	}
	switch s.Type {
	case strategy.TypeNone:
		return nil
	case strategy.TypeHint:
		return []strategy.RouteValue{strategy.NewListIn(tr.LogicTable, "", hints...)}
	case strategy.TypeStandard, strategy.TypeComplex:
		values := make([]strategy.RouteValue, 0, len(s.Columns))
		for _, c := range s.Columns {
			values = append(values, value(c))
		}
		return values
	}
	return nil
}

func predicateValue(table string, p statement.Predicate, params []any) (strategy.RouteValue, error) {
	resolved := make([]any, len(p.Values))
	for i, v := range p.Values {
		r, err := v.Resolve(params)
		if err != nil {
			return strategy.RouteValue{}, errors.Wrapf(err, "predicate %s", p.Text)
		}
		resolved[i] = r
	}
	if len(resolved) == 0 {
		return strategy.RouteValue{}, errors.Errorf("predicate %s has no value", p.Text)
	}
	switch p.Op {
	case statement.OpEqual:
		return strategy.NewPrecise(table, p.Column, resolved[0]), nil
	case statement.OpIn:
		return strategy.NewListIn(table, p.Column, resolved...), nil
	case statement.OpBetween:
		if len(resolved) != 2 {
			return strategy.RouteValue{}, errors.Errorf("predicate %s needs two bounds", p.Text)
		}
		return strategy.NewRange(table, p.Column, strategy.Inclusive(resolved[0]), strategy.Inclusive(resolved[1])), nil
	case statement.OpLess:
		return strategy.NewRange(table, p.Column, strategy.Unbounded(), strategy.Exclusive(resolved[0])), nil
	case statement.OpLessEqual:
		return strategy.NewRange(table, p.Column, strategy.Unbounded(), strategy.Inclusive(resolved[0])), nil
	case statement.OpGreater:
		return strategy.NewRange(table, p.Column, strategy.Exclusive(resolved[0]), strategy.Unbounded()), nil
	case statement.OpGreaterEqual:
		return strategy.NewRange(table, p.Column, strategy.Inclusive(resolved[0]), strategy.Unbounded()), nil
	case statement.OpUnsupported:
	}
	return strategy.RouteValue{}, errors.Wrapf(strategy.ErrUnsupportedShardingOperation, "%s", p.Text)
}

// routeInsert routes each VALUES row on its own. Keys are generated first so
// that the key column can shard.
func (e *Engine) routeInsert(ctx context.Context, rc *Context, stmt *statement.Context, params []any, tr *TableRule, hint *HintManager) error {
	ins := stmt.Insert
	if ins == nil {
		return errors.Wrap(statement.ErrUnsupportedStatement, "insert without values")
	}
	if tr.KeyGenerator != nil && len(ins.Columns) > 0 && ins.ColumnIndex(tr.KeyColumn) < 0 {
		key := &GeneratedKey{Column: tr.KeyColumn, Values: make([]any, len(ins.Rows))}
		for i := range ins.Rows {
			v, err := tr.KeyGenerator.Next()
			if err != nil {
				return errors.Wrapf(err, "generate %s.%s", tr.LogicTable, tr.KeyColumn)
			}
			key.Values[i] = v
		}
		rc.GeneratedKey = key
	}

	dbStrategy, tbStrategy := e.rule.databaseStrategy(tr), e.rule.tableStrategy(tr)
	dbHints, tbHints := hint.databaseValues(tr.LogicTable), hint.tableValues(tr.LogicTable)
	owner := map[DataNode]int{}
	for i := range ins.Rows {
		dbValues, err := e.rowValues(rc, ins, i, params, tr, dbStrategy, dbHints)
		if err != nil {
			return err
		}
		dataSources, err := dbStrategy.Shard(tr.DataSourceNames(), dbValues)
		if err != nil {
			return e.shardError(err, tr, "database")
		}
		tbValues, err := e.rowValues(rc, ins, i, params, tr, tbStrategy, tbHints)
		if err != nil {
			return err
		}
		nodes, err := e.shardTables(tr, tbStrategy, dataSources, tbValues)
		if err != nil {
			return err
		}
		switch len(nodes) {
		case 0:
			return errors.Wrapf(ErrRouteUnresolved, "table %s values row %d", tr.LogicTable, i)
		case 1:
		default:
			return errors.Wrapf(ErrInsertMultipleNodes, "table %s values row %d matches %v", tr.LogicTable, i, nodes)
		}
		idx, ok := owner[nodes[0]]
		if !ok {
			idx = len(rc.Units)
			owner[nodes[0]] = idx
			rc.Units = append(rc.Units, Unit{
				DataSource: nodes[0].DataSource,
				Tables:     []TableMapping{{Logic: tr.LogicTable, Actual: nodes[0].Table}},
			})
		}
		rc.Units[idx].Rows = append(rc.Units[idx].Rows, i)
	}
	return nil
}

func (e *Engine) rowValues(rc *Context, ins *statement.InsertContext, row int, params []any, tr *TableRule, s *strategy.Strategy, hints []any) ([]strategy.RouteValue, error) {
	if len(hints) > 0 {
		return hintValues(tr, s, hints), nil
	}
	if s.Type == strategy.TypeNone || s.Type == strategy.TypeHint {
		return nil, nil
	}
	var values []strategy.RouteValue
	for _, column := range s.Columns {
		if idx := ins.ColumnIndex(column); idx >= 0 {
			v := ins.Rows[row].Values[idx]
			if v.Expr {
				continue
			}
			resolved, err := v.Resolve(params)
			if err != nil {
				return nil, errors.Wrapf(err, "values row %d column %s", row, column)
			}
			values = append(values, strategy.NewPrecise(tr.LogicTable, column, resolved))
		} else if rc.GeneratedKey != nil && strings.EqualFold(column, rc.GeneratedKey.Column) {
			values = append(values, strategy.NewPrecise(tr.LogicTable, column, rc.GeneratedKey.Values[row]))
		}
	}
	return values, nil
}

func (e *Engine) diagnose(ctx context.Context, rc *Context, msg string) {
	rc.Diagnostics = append(rc.Diagnostics, msg)
	e.logger.Warn(ctx, "route: %s", msg)
}
