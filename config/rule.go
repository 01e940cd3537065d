package config

import (
	"github.com/pkg/errors"

	"gorm/shardroute/keygen"
	"gorm/shardroute/route"
	"gorm/shardroute/strategy"
)

// ShardingConfig 分片规则
type ShardingConfig struct {
	DefaultDataSource       string                     `yaml:"default-datasource"`
	DefaultDatabaseStrategy *StrategyConfig            `yaml:"default-database-strategy"`
	DefaultTableStrategy    *StrategyConfig            `yaml:"default-table-strategy"`
	Algorithms              map[string]AlgorithmConfig `yaml:"algorithms"`
	KeyGenerators           map[string]AlgorithmConfig `yaml:"key-generators"`
	Tables                  []TableConfig              `yaml:"tables"`
	BindingTables           [][]string                 `yaml:"binding-tables"`
	BroadcastTables         []string                   `yaml:"broadcast-tables"`
}

// AlgorithmConfig 分片算法或主键生成器
type AlgorithmConfig struct {
	Type  string            `yaml:"type"`
	Props map[string]string `yaml:"props"`
}

// StrategyConfig 分片策略
type StrategyConfig struct {
	// Type is standard, complex, hint or none
	Type      string   `yaml:"type"`
	Column    string   `yaml:"sharding-column"`
	Columns   []string `yaml:"sharding-columns"`
	Algorithm string   `yaml:"algorithm"`
}

// TableConfig 逻辑表规则
type TableConfig struct {
	Table            string          `yaml:"table"`
	ActualDataNodes  string          `yaml:"actual-data-nodes"`
	DatabaseStrategy *StrategyConfig `yaml:"database-strategy"`
	TableStrategy    *StrategyConfig `yaml:"table-strategy"`
	KeyGenerate      *KeyGenerate    `yaml:"key-generate"`
}

type KeyGenerate struct {
	Column    string `yaml:"column"`
	Generator string `yaml:"generator"`
}

// Rule 构建路由规则
func (c *Config) Rule() (*route.Rule, error) {
	s := c.Rules
	algorithms := map[string]strategy.Algorithm{}
	props := map[string]strategy.Properties{}
	for name, ac := range s.Algorithms {
		alg, err := strategy.NewAlgorithm(ac.Type, ac.Props)
		if err != nil {
			return nil, errors.Wrapf(err, "algorithm %s", name)
		}
		algorithms[name] = alg
		props[name] = ac.Props
	}
	generators := map[string]keygen.Generator{}
	for name, gc := range s.KeyGenerators {
		gen, err := keygen.New(gc.Type, gc.Props)
		if err != nil {
			return nil, errors.Wrapf(err, "key generator %s", name)
		}
		generators[name] = gen
	}

	build := func(sc *StrategyConfig) (*strategy.Strategy, error) {
		if sc == nil {
			return nil, nil
		}
		typ, err := strategy.ParseType(sc.Type)
		if err != nil {
			return nil, err
		}
		if typ == strategy.TypeNone {
			return strategy.None(), nil
		}
		alg, ok := algorithms[sc.Algorithm]
		if !ok {
			return nil, errors.Wrapf(strategy.ErrUnknownAlgorithm, "algorithm %q is not defined", sc.Algorithm)
		}
		columns := sc.Columns
		if sc.Column != "" {
			columns = append([]string{sc.Column}, columns...)
		}
		st, err := strategy.New(typ, columns, alg)
		if err != nil {
			return nil, err
		}
		st.AllowRangeQuery = props[sc.Algorithm].Bool("allow-range-query", true)
		return st, nil
	}

	cfg := route.RuleConfig{
		DataSources:       c.DataSourceNames(),
		BindingGroups:     s.BindingTables,
		BroadcastTables:   s.BroadcastTables,
		DefaultDataSource: s.DefaultDataSource,
	}
	var err error
	if cfg.DefaultDatabaseStrategy, err = build(s.DefaultDatabaseStrategy); err != nil {
		return nil, errors.Wrap(err, "default database strategy")
	}
	if cfg.DefaultTableStrategy, err = build(s.DefaultTableStrategy); err != nil {
		return nil, errors.Wrap(err, "default table strategy")
	}
	for _, tc := range s.Tables {
		tr, err := route.NewTableRule(tc.Table, tc.ActualDataNodes)
		if err != nil {
			return nil, err
		}
		if tr.DatabaseStrategy, err = build(tc.DatabaseStrategy); err != nil {
			return nil, errors.Wrapf(err, "table %s database strategy", tc.Table)
		}
		if tr.TableStrategy, err = build(tc.TableStrategy); err != nil {
			return nil, errors.Wrapf(err, "table %s table strategy", tc.Table)
		}
		if kg := tc.KeyGenerate; kg != nil {
			gen, ok := generators[kg.Generator]
			if !ok {
				return nil, errors.Wrapf(keygen.ErrUnknownGenerator, "table %s key generator %q", tc.Table, kg.Generator)
			}
			tr.KeyColumn, tr.KeyGenerator = kg.Column, gen
		}
		cfg.Tables = append(cfg.Tables, tr)
	}
	return route.NewRule(cfg)
}
