// Package expand builds gorm statements ahead of their callbacks so the
// final SQL can be routed before it runs.
package expand

import (
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/callbacks"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// ClearWhereTableName
//
//	@Description: 清空where条件中的前置表名, 条件列按逻辑列匹配分片键
//	@param db
func ClearWhereTableName(db *gorm.DB) {
	cs, ok := db.Statement.Clauses["WHERE"]
	if !ok {
		return
	}
	whereClause, ok := cs.Expression.(clause.Where)
	if !ok {
		return
	}
	for index, expr := range whereClause.Exprs {
		switch e := expr.(type) {
		case clause.Eq:
			e.Column = unqualify(e.Column)
			whereClause.Exprs[index] = e
		case clause.Neq:
			e.Column = unqualify(e.Column)
			whereClause.Exprs[index] = e
		case clause.Gt:
			e.Column = unqualify(e.Column)
			whereClause.Exprs[index] = e
		case clause.Gte:
			e.Column = unqualify(e.Column)
			whereClause.Exprs[index] = e
		case clause.Lt:
			e.Column = unqualify(e.Column)
			whereClause.Exprs[index] = e
		case clause.Lte:
			e.Column = unqualify(e.Column)
			whereClause.Exprs[index] = e
		case clause.Like:
			e.Column = unqualify(e.Column)
			whereClause.Exprs[index] = e
		case clause.IN:
			e.Column = unqualify(e.Column)
			whereClause.Exprs[index] = e
		}
	}
}

func unqualify(column interface{}) interface{} {
	if col, ok := column.(clause.Column); ok && col.Table != "" {
		col.Table = ""
		return col
	}
	return column
}

// PreBuildSql
//
//	@Description: 提前构造SQL，用于路由
//	@param db
func PreBuildSql(db *gorm.DB) {
	if db.Statement.SQL.Len() != 0 || len(db.Statement.BuildClauses) == 0 {
		return
	}
	switch db.Statement.BuildClauses[0] {
	case "INSERT":
		db.Statement.SQL.Grow(180)
		db.Statement.AddClauseIfNotExists(clause.Insert{})
		db.Statement.AddClause(callbacks.ConvertToCreateValues(db.Statement))
		db.Statement.Build(db.Statement.BuildClauses...)
	case "UPDATE":
		buildUpdate(db)
	case "SELECT":
		callbacks.BuildQuerySQL(db)
	case "DELETE":
		buildDelete(db)
	}
}

func buildUpdate(db *gorm.DB) {
	db.Statement.SQL.Grow(180)
	db.Statement.AddClauseIfNotExists(clause.Update{})
	if _, ok := db.Statement.Clauses["SET"]; !ok {
		set := callbacks.ConvertToAssignments(db.Statement)
		if len(set) == 0 {
			return
		}
		db.Statement.AddClause(set)
	}
	db.Statement.Build(db.Statement.BuildClauses...)
}

func buildDelete(db *gorm.DB) {
	db.Statement.SQL.Grow(100)
	db.Statement.AddClauseIfNotExists(clause.Delete{})
	if db.Statement.Schema != nil {
		wherePrimaryKeys(db, db.Statement.ReflectValue)
		if db.Statement.ReflectValue.CanAddr() && db.Statement.Dest != db.Statement.Model && db.Statement.Model != nil {
			wherePrimaryKeys(db, reflect.ValueOf(db.Statement.Model))
		}
	}
	db.Statement.AddClauseIfNotExists(clause.From{})
	db.Statement.Build(db.Statement.BuildClauses...)
}

func wherePrimaryKeys(db *gorm.DB, value reflect.Value) {
	_, queryValues := schema.GetIdentityFieldValuesMap(db.Statement.Context, value, db.Statement.Schema.PrimaryFields)
	column, values := schema.ToQueryValues(db.Statement.Table, db.Statement.Schema.PrimaryFieldDBNames, queryValues)
	if len(values) > 0 {
		db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{clause.IN{Column: column, Values: values}}})
	}
}
