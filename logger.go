package shardroute

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gorm/shardroute/route"
)

type routeKey string

const unitKey routeKey = "shardroute:route_unit_key"

// routeTraceLogger prefixes traced SQL with the unit it was routed to
type routeTraceLogger struct {
	logger.Interface
}

func (l routeTraceLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	var splitFn = func() (sql string, rowsAffected int64) {
		sql, rowsAffected = fc()
		if unit, ok := ctx.Value(unitKey).(string); ok {
			sql = fmt.Sprintf("[%s] %s", unit, sql)
		}
		return
	}
	l.Interface.Trace(ctx, begin, splitFn, err)
}

func (l routeTraceLogger) LogMode(level logger.LogLevel) logger.Interface {
	return routeTraceLogger{Interface: l.Interface.LogMode(level)}
}

func NewRouteTraceLogger(l logger.Interface) logger.Interface {
	if _, ok := l.(routeTraceLogger); ok {
		return l
	}
	return routeTraceLogger{
		Interface: l,
	}
}

func markStmtRoute(stmt *gorm.Statement, unit route.Unit) {
	if _, ok := stmt.Logger.(routeTraceLogger); ok {
		stmt.Context = context.WithValue(stmt.Context, unitKey, unit.String())
	}
}
