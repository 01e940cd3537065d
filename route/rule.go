package route

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"gorm/shardroute/keygen"
	"gorm/shardroute/strategy"
)

// TableRule 逻辑表的分片规则
type TableRule struct {
	LogicTable string
	// DataNodes in configured order; binding tables align on this order
	DataNodes []DataNode
	// DatabaseStrategy / TableStrategy fall back to the rule defaults when nil
	DatabaseStrategy *strategy.Strategy
	TableStrategy    *strategy.Strategy
	// KeyColumn is filled by KeyGenerator when an INSERT omits it
	KeyColumn    string
	KeyGenerator keygen.Generator
}

// NewTableRule builds a table rule from a data node expression like
// ds${0..1}.t_order_${0..1}.
func NewTableRule(logicTable, nodes string) (*TableRule, error) {
	dataNodes, err := ParseDataNodes(nodes)
	if err != nil {
		return nil, errors.Wrapf(err, "table %s", logicTable)
	}
	return &TableRule{LogicTable: logicTable, DataNodes: dataNodes}, nil
}

// DataSourceNames 数据源，按配置顺序去重
func (t *TableRule) DataSourceNames() []string {
	var names []string
	seen := map[string]bool{}
	for _, n := range t.DataNodes {
		if !seen[n.DataSource] {
			seen[n.DataSource] = true
			names = append(names, n.DataSource)
		}
	}
	return names
}

// ActualTables 数据源下的实际表
func (t *TableRule) ActualTables(dataSource string) []string {
	var tables []string
	for _, n := range t.DataNodes {
		if n.DataSource == dataSource {
			tables = append(tables, n.Table)
		}
	}
	return tables
}

// NodeIndex returns the configured index of node, -1 when absent.
func (t *TableRule) NodeIndex(node DataNode) int {
	for i, n := range t.DataNodes {
		if n == node {
			return i
		}
	}
	return -1
}

// RuleConfig 分片规则配置
type RuleConfig struct {
	DataSources     []string
	Tables          []*TableRule
	BindingGroups   [][]string
	BroadcastTables []string
	// DefaultDataSource receives statements on tables without a rule; defaults
	// to the only data source when there is exactly one
	DefaultDataSource       string
	DefaultDatabaseStrategy *strategy.Strategy
	DefaultTableStrategy    *strategy.Strategy
}

// Rule 校验后的分片规则
type Rule struct {
	dataSources             []string
	tables                  map[string]*TableRule
	bindings                map[string]int
	bindingGroups           [][]string
	broadcast               map[string]bool
	defaultDataSource       string
	defaultDatabaseStrategy *strategy.Strategy
	defaultTableStrategy    *strategy.Strategy
}

// NewRule validates cfg. Binding tables must have the same number of data
// nodes on the same data sources in the same order.
func NewRule(cfg RuleConfig) (*Rule, error) {
	if len(cfg.DataSources) == 0 {
		return nil, errors.Wrap(ErrInvalidRule, "no data source")
	}
	r := &Rule{
		dataSources:             append([]string(nil), cfg.DataSources...),
		tables:                  make(map[string]*TableRule, len(cfg.Tables)),
		bindings:                map[string]int{},
		broadcast:               map[string]bool{},
		defaultDataSource:       cfg.DefaultDataSource,
		defaultDatabaseStrategy: cfg.DefaultDatabaseStrategy,
		defaultTableStrategy:    cfg.DefaultTableStrategy,
	}
	sort.Strings(r.dataSources)
	known := map[string]bool{}
	for _, ds := range r.dataSources {
		known[ds] = true
	}
	if r.defaultDataSource == "" && len(r.dataSources) == 1 {
		r.defaultDataSource = r.dataSources[0]
	}
	if r.defaultDataSource != "" && !known[r.defaultDataSource] {
		return nil, errors.Wrapf(ErrInvalidRule, "unknown default data source %s", r.defaultDataSource)
	}

	for _, t := range cfg.Tables {
		key := strings.ToLower(t.LogicTable)
		if key == "" || len(t.DataNodes) == 0 {
			return nil, errors.Wrapf(ErrInvalidRule, "table %q has no data node", t.LogicTable)
		}
		if _, dup := r.tables[key]; dup {
			return nil, errors.Wrapf(ErrInvalidRule, "duplicate table rule %s", t.LogicTable)
		}
		for _, n := range t.DataNodes {
			if !known[n.DataSource] {
				return nil, errors.Wrapf(ErrInvalidRule, "table %s references unknown data source %s", t.LogicTable, n.DataSource)
			}
		}
		if t.KeyGenerator != nil && t.KeyColumn == "" {
			return nil, errors.Wrapf(ErrInvalidRule, "table %s has a key generator without key column", t.LogicTable)
		}
		r.tables[key] = t
	}

	for i, group := range cfg.BindingGroups {
		var first *TableRule
		for _, name := range group {
			t, ok := r.tables[strings.ToLower(name)]
			if !ok {
				return nil, errors.Wrapf(ErrInvalidRule, "binding table %s has no rule", name)
			}
			if _, bound := r.bindings[strings.ToLower(name)]; bound {
				return nil, errors.Wrapf(ErrInvalidRule, "table %s is in several binding groups", name)
			}
			if first == nil {
				first = t
			} else if !aligned(first, t) {
				return nil, errors.Wrapf(ErrBindingMismatch, "%s and %s", first.LogicTable, t.LogicTable)
			}
			r.bindings[strings.ToLower(name)] = i
		}
		r.bindingGroups = append(r.bindingGroups, append([]string(nil), group...))
	}

	for _, name := range cfg.BroadcastTables {
		if _, sharded := r.tables[strings.ToLower(name)]; sharded {
			return nil, errors.Wrapf(ErrInvalidRule, "table %s is both sharded and broadcast", name)
		}
		r.broadcast[strings.ToLower(name)] = true
	}
	return r, nil
}

func aligned(a, b *TableRule) bool {
	if len(a.DataNodes) != len(b.DataNodes) {
		return false
	}
	for i := range a.DataNodes {
		if a.DataNodes[i].DataSource != b.DataNodes[i].DataSource {
			return false
		}
	}
	return true
}

// DataSources 全部数据源，已排序
func (r *Rule) DataSources() []string {
	return r.dataSources
}

// DefaultDataSource may be empty.
func (r *Rule) DefaultDataSource() string {
	return r.defaultDataSource
}

// TableRule 查找逻辑表规则
func (r *Rule) TableRule(logicTable string) (*TableRule, bool) {
	t, ok := r.tables[strings.ToLower(logicTable)]
	return t, ok
}

// IsBroadcast 是否广播表
func (r *Rule) IsBroadcast(logicTable string) bool {
	return r.broadcast[strings.ToLower(logicTable)]
}

// Bound reports whether all tables are sharded and in one binding group.
func (r *Rule) Bound(tables []string) bool {
	if len(tables) < 2 {
		return false
	}
	group, ok := r.bindings[strings.ToLower(tables[0])]
	if !ok {
		return false
	}
	for _, t := range tables[1:] {
		if g, ok := r.bindings[strings.ToLower(t)]; !ok || g != group {
			return false
		}
	}
	return true
}

func (r *Rule) databaseStrategy(t *TableRule) *strategy.Strategy {
	if t.DatabaseStrategy != nil {
		return t.DatabaseStrategy
	}
	if r.defaultDatabaseStrategy != nil {
		return r.defaultDatabaseStrategy
	}
	return strategy.None()
}

func (r *Rule) tableStrategy(t *TableRule) *strategy.Strategy {
	if t.TableStrategy != nil {
		return t.TableStrategy
	}
	if r.defaultTableStrategy != nil {
		return r.defaultTableStrategy
	}
	return strategy.None()
}
