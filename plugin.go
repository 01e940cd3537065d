package shardroute

import (
	"sync"

	"gorm.io/gorm"
)

const pluginName = "gorm:shard_route"

// Plugin 将 gorm 语句路由到单个分片
type Plugin struct {
	*gorm.DB
	engine           *Engine
	prepareStmtStore map[string]*gorm.PreparedStmtDB
}

// Plugin returns a gorm plugin backed by the engine. Statements resolving to
// one unit run on that unit's connection; others fail with ErrMultipleRoutes.
func (e *Engine) Plugin() *Plugin {
	return &Plugin{engine: e, prepareStmtStore: map[string]*gorm.PreparedStmtDB{}}
}

func (p *Plugin) Name() string {
	return pluginName
}

func (p *Plugin) Initialize(db *gorm.DB) error {
	p.DB = db
	p.registerCallbacks(db)
	if db.PrepareStmt {
		for ds, connPool := range p.engine.conns {
			p.prepareStmtStore[ds] = &gorm.PreparedStmtDB{
				ConnPool:    connPool,
				Stmts:       map[string]*gorm.Stmt{},
				Mux:         &sync.RWMutex{},
				PreparedSQL: make([]string, 0, 100),
			}
		}
	}
	if p.engine.traceRoute {
		p.Logger = NewRouteTraceLogger(p.Logger)
	}
	return nil
}

func (p *Plugin) connPool(stmt *gorm.Statement, dataSource string) gorm.ConnPool {
	if stmt.DB.PrepareStmt {
		if preparedStmt, ok := p.prepareStmtStore[dataSource]; ok {
			return preparedStmt
		}
	}
	return p.engine.conns[dataSource]
}
