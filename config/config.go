// Package config loads the YAML configuration of data sources, sharding
// rules and execution options.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"gorm/shardroute/execute"
)

// Config 全局配置
type Config struct {
	DataSources map[string]DBConfig `yaml:"datasources"`
	Rules       ShardingConfig      `yaml:"rules"`
	Execution   ExecutionConfig     `yaml:"execution"`
	Orm         OrmConfig           `yaml:"orm"`
	// TraceRoute 打印路由信息
	TraceRoute bool `yaml:"trace-route"`
}

// ExecutionConfig 执行引擎配置
type ExecutionConfig struct {
	PoolSize               int           `yaml:"pool-size"`
	MaxConnectionsPerQuery int           `yaml:"max-connections-per-query"`
	ConnectionMode         string        `yaml:"connection-mode"`
	Timeout                time.Duration `yaml:"timeout"`
}

// Load 读取 YAML 配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if len(c.DataSources) == 0 {
		return nil, errors.New("config: no datasource")
	}
	return &c, nil
}

// DataSourceNames 数据源名称
func (c *Config) DataSourceNames() []string {
	names := make([]string, 0, len(c.DataSources))
	for name := range c.DataSources {
		names = append(names, name)
	}
	return names
}

// ExecuteOptions converts the execution section.
func (c *Config) ExecuteOptions() (execute.Options, error) {
	opts := execute.Options{
		PoolSize:               c.Execution.PoolSize,
		MaxConnectionsPerQuery: c.Execution.MaxConnectionsPerQuery,
		Timeout:                c.Execution.Timeout,
	}
	switch strings.ToLower(c.Execution.ConnectionMode) {
	case "", "memory-strictly", "memory_strictly":
		opts.Mode = execute.MemoryStrictly
	case "connection-strictly", "connection_strictly":
		opts.Mode = execute.ConnectionStrictly
	default:
		return opts, errors.Errorf("config: unknown connection mode %q", c.Execution.ConnectionMode)
	}
	return opts, nil
}

// PostgresOnly reports whether every datasource is PostgreSQL.
func (c *Config) PostgresOnly() bool {
	for _, ds := range c.DataSources {
		switch strings.ToLower(ds.Type) {
		case "postgres", "postgresql":
		default:
			return false
		}
	}
	return len(c.DataSources) > 0
}
