package config

import (
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ErrUnsupportedDBType 不支持的数据库类型
var ErrUnsupportedDBType = errors.New("config: unsupported db type")

// DBConfig database config
type DBConfig struct {
	Type         string        `yaml:"type"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max-open-conns"`
	MaxIdleConns int           `yaml:"max-idle-conns"`
	MaxLifetime  time.Duration `yaml:"max-lifetime"`
	MaxIdleTime  time.Duration `yaml:"max-idle-time"`
}

// OrmConfig orm global config
type OrmConfig struct {
	Debug         bool          `yaml:"debug"`
	TablePrefix   string        `yaml:"table-prefix"`
	SingularTable bool          `yaml:"singular-table"`
	SlowThreshold time.Duration `yaml:"slow-threshold"`
}

// OpenDataSources 按数据源打开 gorm 连接, 失败时关闭已打开的连接
func (c *Config) OpenDataSources() (map[string]*gorm.DB, error) {
	names := c.DataSourceNames()
	sort.Strings(names)
	gormConfig := GormConfig(c.Orm)
	dbs := make(map[string]*gorm.DB, len(names))
	for _, name := range names {
		cfg := c.DataSources[name]
		dialector, err := openDialector(cfg)
		if err != nil {
			closeAll(dbs)
			return nil, errors.Wrapf(err, "datasource %s", name)
		}
		db, err := gorm.Open(dialector, gormConfig)
		if err != nil {
			closeAll(dbs)
			return nil, errors.Wrapf(err, "open datasource %s", name)
		}
		if c.Orm.Debug {
			db = db.Debug()
		}
		// 配置参数
		connPool := rawPool(db.Config.ConnPool)
		SetMaxOpenConns(connPool, cfg.MaxOpenConns)
		SetMaxIdleConns(connPool, cfg.MaxIdleConns)
		SetConnMaxIdleTime(connPool, cfg.MaxIdleTime)
		SetConnMaxLifetime(connPool, cfg.MaxLifetime)
		dbs[name] = db
	}
	return dbs, nil
}

// ConnPools 取出底层连接池, 跳过 PreparedStmtDB 包装
func ConnPools(dbs map[string]*gorm.DB) map[string]gorm.ConnPool {
	pools := make(map[string]gorm.ConnPool, len(dbs))
	for name, db := range dbs {
		pools[name] = rawPool(db.Config.ConnPool)
	}
	return pools
}

func rawPool(connPool gorm.ConnPool) gorm.ConnPool {
	if preparedStmtDB, ok := connPool.(*gorm.PreparedStmtDB); ok {
		return preparedStmtDB.ConnPool
	}
	return connPool
}

func closeAll(dbs map[string]*gorm.DB) {
	for _, db := range dbs {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func openDialector(cfg DBConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Type) {
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedDBType, "%q", cfg.Type)
	}
}

// GormConfig 默认的 gorm 配置
func GormConfig(ormConfig OrmConfig) *gorm.Config {
	slow := ormConfig.SlowThreshold
	if slow == 0 {
		slow = 200 * time.Millisecond
	}
	level := logger.Warn
	if ormConfig.Debug {
		level = logger.Info
	}
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold:             slow,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	return &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   ormConfig.TablePrefix,
			SingularTable: ormConfig.SingularTable,
		},
		Logger:      newLogger,
		PrepareStmt: true,
	}
}

func SetMaxOpenConns(connPool gorm.ConnPool, maxOpen int) {
	if maxOpen != 0 {
		if conn, ok := connPool.(interface{ SetMaxOpenConns(int) }); ok {
			conn.SetMaxOpenConns(maxOpen)
		}
	}
}

func SetMaxIdleConns(connPool gorm.ConnPool, maxIdleConns int) {
	if maxIdleConns != 0 {
		if conn, ok := connPool.(interface{ SetMaxIdleConns(int) }); ok {
			conn.SetMaxIdleConns(maxIdleConns)
		}
	}
}

func SetConnMaxLifetime(connPool gorm.ConnPool, maxLifetime time.Duration) {
	if maxLifetime != 0 {
		if conn, ok := connPool.(interface{ SetConnMaxLifetime(time.Duration) }); ok {
			conn.SetConnMaxLifetime(maxLifetime)
		}
	}
}

func SetConnMaxIdleTime(connPool gorm.ConnPool, maxIdleTime time.Duration) {
	if maxIdleTime != 0 {
		if conn, ok := connPool.(interface{ SetConnMaxIdleTime(time.Duration) }); ok {
			conn.SetConnMaxIdleTime(maxIdleTime)
		}
	}
}
