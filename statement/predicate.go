package statement

import (
	"strings"

	"github.com/xwb1989/sqlparser"
)

// extract 从条件表达式中提取分片谓词，AND 展开，OR 仅支持同列等值合并为 IN
func (b *binder) extract(expr sqlparser.Expr) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		b.extract(e.Left)
		b.extract(e.Right)
	case *sqlparser.ParenExpr:
		b.extract(e.Expr)
	case *sqlparser.OrExpr:
		b.extractOr(e)
	case *sqlparser.NotExpr:
		b.unsupported(e)
	case *sqlparser.ComparisonExpr, *sqlparser.RangeCond:
		if p, ok := b.predicate(e); ok {
			b.ctx.Predicates = append(b.ctx.Predicates, p)
		}
	}
}

// predicate converts a column-vs-value comparison. Column-vs-column
// comparisons (join conditions) carry no sharding value and are skipped.
func (b *binder) predicate(expr sqlparser.Expr) (Predicate, bool) {
	text := sqlparser.String(expr)
	switch e := expr.(type) {
	case *sqlparser.ComparisonExpr:
		col, other, op := e.Left, e.Right, e.Operator
		if _, ok := col.(*sqlparser.ColName); !ok {
			col, other, op = e.Right, e.Left, flip(e.Operator)
		}
		name, ok := col.(*sqlparser.ColName)
		if !ok {
			return Predicate{}, false
		}
		if _, isCol := other.(*sqlparser.ColName); isCol {
			return Predicate{}, false
		}
		p := b.newPredicate(name, text)
		switch op {
		case sqlparser.EqualStr, sqlparser.NullSafeEqualStr:
			p.Op = OpEqual
			p.Values = []Value{valueOf(other)}
		case sqlparser.InStr:
			tuple, ok := other.(sqlparser.ValTuple)
			if !ok {
				p.Op = OpUnsupported
				break
			}
			p.Op = OpIn
			for _, v := range tuple {
				p.Values = append(p.Values, valueOf(v))
			}
		case sqlparser.LessThanStr:
			p.Op, p.Values = OpLess, []Value{valueOf(other)}
		case sqlparser.LessEqualStr:
			p.Op, p.Values = OpLessEqual, []Value{valueOf(other)}
		case sqlparser.GreaterThanStr:
			p.Op, p.Values = OpGreater, []Value{valueOf(other)}
		case sqlparser.GreaterEqualStr:
			p.Op, p.Values = OpGreaterEqual, []Value{valueOf(other)}
		default:
			p.Op = OpUnsupported
		}
		for _, v := range p.Values {
			if v.Expr {
				p.Op, p.Values = OpUnsupported, nil
				break
			}
		}
		return p, true
	case *sqlparser.RangeCond:
		name, ok := e.Left.(*sqlparser.ColName)
		if !ok {
			return Predicate{}, false
		}
		p := b.newPredicate(name, text)
		from, to := valueOf(e.From), valueOf(e.To)
		if e.Operator != sqlparser.BetweenStr || from.Expr || to.Expr {
			p.Op = OpUnsupported
			return p, true
		}
		p.Op, p.Values = OpBetween, []Value{from, to}
		return p, true
	}
	return Predicate{}, false
}

func (b *binder) newPredicate(name *sqlparser.ColName, text string) Predicate {
	return Predicate{
		Table:  b.resolveTable(name.Qualifier.Name.String()),
		Column: name.Name.String(),
		Text:   text,
	}
}

func flip(op string) string {
	switch op {
	case sqlparser.LessThanStr:
		return sqlparser.GreaterThanStr
	case sqlparser.GreaterThanStr:
		return sqlparser.LessThanStr
	case sqlparser.LessEqualStr:
		return sqlparser.GreaterEqualStr
	case sqlparser.GreaterEqualStr:
		return sqlparser.LessEqualStr
	}
	return op
}

// extractOr merges `a = 1 OR a = 2 OR a IN (3)` into one IN predicate. Any
// other OR marks every column it mentions as unsupported.
func (b *binder) extractOr(expr *sqlparser.OrExpr) {
	var leaves []Predicate
	if b.flattenOr(expr, &leaves) && len(leaves) > 0 {
		merged := Predicate{Table: leaves[0].Table, Column: leaves[0].Column, Op: OpIn, Text: sqlparser.String(expr)}
		same := true
		for _, leaf := range leaves {
			if !strings.EqualFold(leaf.Table, merged.Table) || !strings.EqualFold(leaf.Column, merged.Column) ||
				(leaf.Op != OpEqual && leaf.Op != OpIn) {
				same = false
				break
			}
			merged.Values = append(merged.Values, leaf.Values...)
		}
		if same {
			b.ctx.Predicates = append(b.ctx.Predicates, merged)
			return
		}
	}
	b.unsupported(expr)
}

func (b *binder) flattenOr(expr sqlparser.Expr, leaves *[]Predicate) bool {
	switch e := expr.(type) {
	case *sqlparser.OrExpr:
		return b.flattenOr(e.Left, leaves) && b.flattenOr(e.Right, leaves)
	case *sqlparser.ParenExpr:
		return b.flattenOr(e.Expr, leaves)
	case *sqlparser.ComparisonExpr, *sqlparser.RangeCond:
		p, ok := b.predicate(e)
		if !ok {
			return false
		}
		*leaves = append(*leaves, p)
		return true
	}
	return false
}

// unsupported marks every column referenced by expr.
func (b *binder) unsupported(expr sqlparser.Expr) {
	text := sqlparser.String(expr)
	seen := map[string]bool{}
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch c := n.(type) {
		case *sqlparser.Subquery:
			return false, nil
		case *sqlparser.ColName:
			p := b.newPredicate(c, text)
			key := strings.ToLower(p.Table + "." + p.Column)
			if !seen[key] {
				seen[key] = true
				p.Op = OpUnsupported
				b.ctx.Predicates = append(b.ctx.Predicates, p)
			}
		}
		return true, nil
	}, expr)
}
