package shardroute

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gorm/shardroute/route"
)

// Hint binds a hint manager to the statement, its values take precedence
// over the sharding conditions of the SQL.
func Hint(h *route.HintManager) clause.Expression {
	return hint{manager: h}
}

type hint struct {
	manager *route.HintManager
}

// ModifyStatement modify statement context
func (h hint) ModifyStatement(stmt *gorm.Statement) {
	stmt.Context = route.WithHint(stmt.Context, h.manager)
}

// Build implements clause.Expression interface
func (h hint) Build(clause.Builder) {
}
