package shardroute

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"gorm/shardroute/expand"
)

func (p *Plugin) registerCallbacks(db *gorm.DB) {
	db.Callback().Create().Before("*").Register(pluginName, p.route)
	db.Callback().Query().Before("*").Register(pluginName, p.route)
	db.Callback().Update().Before("*").Register(pluginName, p.route)
	db.Callback().Delete().Before("*").Register(pluginName, p.route)
	db.Callback().Row().Before("*").Register(pluginName, p.route)
	db.Callback().Raw().Before("*").Register(pluginName, p.route)
}

func (p *Plugin) route(db *gorm.DB) {
	if db.Error != nil || db.DryRun || isTransaction(db.Statement.ConnPool) {
		return
	}
	expand.ClearWhereTableName(db)
	expand.PreBuildSql(db)
	sql := db.Statement.SQL.String()
	if sql == "" {
		return
	}
	ec, err := p.engine.Prepare(db.Statement.Context, sql, db.Statement.Vars...)
	if err != nil {
		_ = db.AddError(err)
		return
	}
	if len(ec.Units) != 1 {
		_ = db.AddError(errors.Wrapf(ErrMultipleRoutes, "%d units for %q", len(ec.Units), sql))
		return
	}
	unit := ec.Units[0]
	db.Statement.SQL.Reset()
	db.Statement.SQL.WriteString(unit.SQLUnit.SQL)
	db.Statement.Vars = unit.SQLUnit.Params
	db.Statement.ConnPool = p.connPool(db.Statement, unit.DataSource)
	markStmtRoute(db.Statement, unit.Unit)
}

func isTransaction(connPool gorm.ConnPool) bool {
	_, ok := connPool.(gorm.TxCommitter)
	return ok
}
