package statement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/xwb1989/sqlparser"
)

// Bind 解析 SQL 并生成语句上下文。结构来自 sqlparser 的语法树，
// 改写需要的字节位置来自词法扫描。
func Bind(sql string) (*Context, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, errors.Wrapf(err, "parse sql %q", sql)
	}
	tokens, err := lex(sql)
	if err != nil {
		return nil, errors.Wrapf(err, "scan sql %q", sql)
	}
	b := &binder{
		tokens:  tokens,
		params:  map[int]int{},
		aliases: map[string]string{},
		ctx:     &Context{SQL: sql, ProjectionStop: -1},
	}
	b.markParams()

	switch node := stmt.(type) {
	case *sqlparser.Select:
		b.ctx.Type = Select
		err = b.bindSelect(node)
	case *sqlparser.Union:
		b.ctx.Type = Select
		b.ctx.Union = true
		b.collectTables(node)
	case *sqlparser.Insert:
		b.ctx.Type = Insert
		err = b.bindInsert(node)
	case *sqlparser.Update:
		b.ctx.Type = Update
		b.collectTables(node)
		if node.Where != nil {
			b.extract(node.Where.Expr)
		}
	case *sqlparser.Delete:
		b.ctx.Type = Delete
		b.collectTables(node)
		if node.Where != nil {
			b.extract(node.Where.Expr)
		}
	case *sqlparser.DDL:
		b.ctx.Type = DDL
		b.addTable(node.Table.Name.String(), "")
		if !node.NewName.Name.IsEmpty() {
			b.addTable(node.NewName.Name.String(), "")
		}
	case *sqlparser.OtherAdmin:
		b.ctx.Type = DDL
	case *sqlparser.Show, *sqlparser.Set, *sqlparser.OtherRead:
		b.ctx.Type = DAL
	default:
		b.ctx.Type = Other
	}
	if err != nil {
		return nil, err
	}
	b.locateTables()
	return b.ctx, nil
}

type binder struct {
	tokens []token
	// params maps a '?' token start to its parameter index
	params map[int]int
	// aliases maps lower-cased alias or name to the logical table
	aliases map[string]string
	ctx     *Context
}

func (b *binder) markParams() {
	for _, t := range b.tokens {
		if t.kind == tkParam {
			b.params[t.start] = len(b.ctx.ParamMarkers)
			b.ctx.ParamMarkers = append(b.ctx.ParamMarkers, Segment{Start: t.start, Stop: t.stop})
		}
	}
}

func (b *binder) addTable(name, alias string) {
	if name == "" || strings.EqualFold(name, "dual") {
		return
	}
	b.aliases[strings.ToLower(name)] = name
	if alias != "" {
		b.aliases[strings.ToLower(alias)] = name
	}
	for i, t := range b.ctx.Tables {
		if strings.EqualFold(t.Name, name) {
			if t.Alias == "" {
				b.ctx.Tables[i].Alias = alias
			}
			return
		}
	}
	b.ctx.Tables = append(b.ctx.Tables, Table{Name: name, Alias: alias})
}

// collectTables 收集语句中所有 FROM / JOIN / 子查询中的表
func (b *binder) collectTables(node sqlparser.SQLNode) {
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		if expr, ok := n.(*sqlparser.AliasedTableExpr); ok {
			if tn, ok := expr.Expr.(sqlparser.TableName); ok {
				b.addTable(tn.Name.String(), expr.As.String())
			}
		}
		return true, nil
	}, node)
}

// resolveTable 通过别名或限定名找到逻辑表
func (b *binder) resolveTable(qualifier string) string {
	if qualifier == "" {
		if len(b.ctx.Tables) == 1 {
			return b.ctx.Tables[0].Name
		}
		return ""
	}
	if name, ok := b.aliases[strings.ToLower(qualifier)]; ok {
		return name
	}
	return qualifier
}

// locateTables records every occurrence of a table name in the SQL text.
func (b *binder) locateTables() {
	for i, t := range b.tokens {
		if !t.isIdent() || (i > 0 && b.tokens[i-1].isPunct(".")) {
			continue
		}
		for j := range b.ctx.Tables {
			if strings.EqualFold(t.value(), b.ctx.Tables[j].Name) {
				b.ctx.Tables[j].Segments = append(b.ctx.Tables[j].Segments, Segment{Start: t.start, Stop: t.stop})
				break
			}
		}
	}
}

func (b *binder) bindSelect(node *sqlparser.Select) error {
	b.collectTables(node)
	b.ctx.Distinct = node.Distinct != ""
	b.ctx.Having = node.Having != nil
	if node.Where != nil {
		b.extract(node.Where.Expr)
	}
	// join conditions are the top level expressions below FROM
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch e := n.(type) {
		case *sqlparser.Subquery:
			return false, nil
		case sqlparser.Expr:
			b.extract(e)
			return false, nil
		}
		return true, nil
	}, node.From)

	b.bindProjections(node.SelectExprs)
	for _, order := range node.OrderBy {
		item := b.orderItem(order.Expr)
		item.Desc = order.Direction == sqlparser.DescScr
		b.ctx.OrderBy = append(b.ctx.OrderBy, item)
	}
	for _, expr := range node.GroupBy {
		b.ctx.GroupBy = append(b.ctx.GroupBy, b.orderItem(expr))
	}
	b.ctx.ProjectionStop = b.projectionStop()
	b.resolveItems(b.ctx.OrderBy, OrderByDerivedPrefix)
	b.resolveItems(b.ctx.GroupBy, GroupByDerivedPrefix)
	if node.Limit != nil {
		b.ctx.Limit = b.limit()
	}
	return nil
}

func (b *binder) bindProjections(exprs sqlparser.SelectExprs) {
	index := 0
	for _, expr := range exprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			b.ctx.Projections = append(b.ctx.Projections, Projection{
				Expression: sqlparser.String(e),
				Owner:      e.TableName.Name.String(),
				Star:       true,
				Index:      -1,
			})
			index = -1
		case *sqlparser.AliasedExpr:
			p := Projection{Expression: sqlparser.String(e.Expr), Alias: e.As.String(), Index: index}
			switch inner := e.Expr.(type) {
			case *sqlparser.ColName:
				p.Column = inner.Name.String()
				p.Owner = inner.Qualifier.Name.String()
			case *sqlparser.FuncExpr:
				p.Aggregate = aggregateOf(inner.Name.Lowered())
				p.Distinct = inner.Distinct
				p.Arg = sqlparser.String(inner.Exprs)
			}
			if p.Aggregate == AggAvg {
				n := len(b.ctx.Derived) / 2
				p.AvgCountAlias = fmt.Sprintf("%s%d", AvgCountDerivedPrefix, n)
				p.AvgSumAlias = fmt.Sprintf("%s%d", AvgSumDerivedPrefix, n)
				distinct := ""
				if p.Distinct {
					distinct = "DISTINCT "
				}
				b.ctx.Derived = append(b.ctx.Derived,
					DerivedColumn{Expression: fmt.Sprintf("COUNT(%s%s)", distinct, p.Arg), Alias: p.AvgCountAlias},
					DerivedColumn{Expression: fmt.Sprintf("SUM(%s%s)", distinct, p.Arg), Alias: p.AvgSumAlias},
				)
			}
			b.ctx.Projections = append(b.ctx.Projections, p)
			if index >= 0 {
				index++
			}
		default:
			b.ctx.Projections = append(b.ctx.Projections, Projection{Expression: sqlparser.String(e), Index: index})
			if index >= 0 {
				index++
			}
		}
	}
}

func aggregateOf(name string) AggregateType {
	switch name {
	case "count":
		return AggCount
	case "sum":
		return AggSum
	case "max":
		return AggMax
	case "min":
		return AggMin
	case "avg":
		return AggAvg
	}
	return AggNone
}

func (b *binder) orderItem(expr sqlparser.Expr) OrderItem {
	item := OrderItem{Expression: sqlparser.String(expr), ProjectionIndex: -1}
	switch e := expr.(type) {
	case *sqlparser.ColName:
		item.Column = e.Name.String()
		item.Owner = e.Qualifier.Name.String()
	case *sqlparser.SQLVal:
		if e.Type == sqlparser.IntVal {
			if n, err := strconv.Atoi(string(e.Val)); err == nil && n > 0 {
				item.Position = n
				item.ProjectionIndex = n - 1
			}
		}
	}
	return item
}

// resolveItems matches ORDER BY / GROUP BY items to projections and appends
// derived columns for the ones the projection does not carry.
func (b *binder) resolveItems(items []OrderItem, prefix string) {
	for i := range items {
		item := &items[i]
		if item.Position > 0 {
			if item.Position <= len(b.ctx.Projections) {
				item.Label = b.ctx.Projections[item.Position-1].Label()
			}
			continue
		}
		if p, ok := b.matchProjection(*item); ok {
			item.ProjectionIndex = p.Index
			item.Label = p.Label()
			continue
		}
		if item.Column != "" && b.starCovers(item.Owner) {
			item.Label = item.Column
			continue
		}
		if b.ctx.ProjectionStop < 0 {
			continue
		}
		alias := ""
		for _, d := range b.ctx.Derived {
			if strings.EqualFold(d.Expression, item.Expression) {
				alias = d.Alias
				break
			}
		}
		if alias == "" {
			alias = fmt.Sprintf("%s%d", prefix, b.countDerived(prefix))
			b.ctx.Derived = append(b.ctx.Derived, DerivedColumn{Expression: item.Expression, Alias: alias})
		}
		item.Derived = true
		item.Label = alias
	}
}

func (b *binder) countDerived(prefix string) int {
	n := 0
	for _, d := range b.ctx.Derived {
		if strings.HasPrefix(d.Alias, prefix) {
			n++
		}
	}
	return n
}

func (b *binder) matchProjection(item OrderItem) (Projection, bool) {
	for _, p := range b.ctx.Projections {
		if p.Star {
			continue
		}
		if item.Column != "" && item.Owner == "" && p.Alias != "" && strings.EqualFold(p.Alias, item.Column) {
			return p, true
		}
		if item.Column != "" && strings.EqualFold(p.Column, item.Column) &&
			(item.Owner == "" || p.Owner == "" || strings.EqualFold(b.resolveTable(item.Owner), b.resolveTable(p.Owner))) {
			return p, true
		}
		if strings.EqualFold(p.Expression, item.Expression) {
			return p, true
		}
	}
	return Projection{}, false
}

func (b *binder) starCovers(owner string) bool {
	for _, p := range b.ctx.Projections {
		if p.Star && (p.Owner == "" || owner == "" || strings.EqualFold(b.resolveTable(p.Owner), b.resolveTable(owner))) {
			return true
		}
	}
	return false
}

// projectionStop is the end of the top level select list.
func (b *binder) projectionStop() int {
	start := -1
	for i, t := range b.tokens {
		if t.depth == 0 && t.isKeyword("SELECT") {
			start = i
			break
		}
	}
	if start < 0 {
		return -1
	}
	for i := start + 1; i < len(b.tokens); i++ {
		t := b.tokens[i]
		if t.depth != 0 {
			continue
		}
		for _, kw := range []string{"FROM", "WHERE", "GROUP", "HAVING", "ORDER", "LIMIT", "FOR", "LOCK", "UNION", "INTO"} {
			if t.isKeyword(kw) {
				return b.tokens[i-1].stop
			}
		}
		if t.isPunct(";") {
			return b.tokens[i-1].stop
		}
	}
	return b.tokens[len(b.tokens)-1].stop
}

// limit reads `LIMIT n`, `LIMIT o, n` and `LIMIT n OFFSET o` at the top level.
func (b *binder) limit() *Limit {
	at := -1
	for i, t := range b.tokens {
		if t.depth == 0 && t.isKeyword("LIMIT") {
			at = i
		}
	}
	if at < 0 || at+1 >= len(b.tokens) {
		return nil
	}
	first := b.limitValue(at + 1)
	if first == nil {
		return nil
	}
	limit := &Limit{RowCount: first}
	if at+3 < len(b.tokens) {
		switch next := b.tokens[at+2]; {
		case next.isPunct(","):
			limit.Offset, limit.RowCount = first, b.limitValue(at+3)
		case next.isKeyword("OFFSET"):
			limit.Offset = b.limitValue(at + 3)
		}
	}
	return limit
}

func (b *binder) limitValue(i int) *LimitValue {
	t := b.tokens[i]
	seg := Segment{Start: t.start, Stop: t.stop}
	switch t.kind {
	case tkParam:
		return &LimitValue{Value: Param(b.params[t.start]), Segment: seg}
	case tkNumber:
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil
		}
		return &LimitValue{Value: Literal(n), Segment: seg}
	}
	return nil
}

func (b *binder) bindInsert(node *sqlparser.Insert) error {
	table := node.Table.Name.String()
	b.addTable(table, "")
	insert := &InsertContext{ColumnsEnd: -1}
	for _, c := range node.Columns {
		insert.Columns = append(insert.Columns, c.String())
	}
	rows, ok := node.Rows.(sqlparser.Values)
	if !ok {
		return errors.Wrap(ErrUnsupportedStatement, "INSERT ... SELECT")
	}

	valuesAt := -1
	for i, t := range b.tokens {
		if t.depth == 0 && (t.isKeyword("VALUES") || t.isKeyword("VALUE")) {
			valuesAt = i
			break
		}
	}
	if valuesAt < 0 {
		return errors.Wrap(ErrUnsupportedStatement, "INSERT without VALUES")
	}
	for i := 0; i < valuesAt; i++ {
		if b.tokens[i].depth == 0 && b.tokens[i].isPunct("(") {
			for j := i + 1; j < valuesAt; j++ {
				t := b.tokens[j]
				if t.depth == 0 && t.isPunct(")") {
					insert.ColumnsEnd = t.start
					break
				}
				if t.depth == 1 && t.isIdent() {
					insert.ColumnSegments = append(insert.ColumnSegments, Segment{Start: t.start, Stop: t.stop})
				}
			}
			break
		}
	}

	var segments []Segment
	for i := valuesAt + 1; i < len(b.tokens) && b.tokens[i].isPunct("("); {
		open := b.tokens[i]
		j := i + 1
		for j < len(b.tokens) && !(b.tokens[j].depth == open.depth && b.tokens[j].isPunct(")")) {
			j++
		}
		if j == len(b.tokens) {
			return errors.Wrap(ErrUnsupportedStatement, "unbalanced VALUES row")
		}
		segments = append(segments, Segment{Start: open.start, Stop: b.tokens[j].stop})
		if j+1 < len(b.tokens) && b.tokens[j+1].isPunct(",") {
			i = j + 2
			continue
		}
		break
	}
	if len(segments) != len(rows) {
		return errors.Wrapf(ErrUnsupportedStatement, "located %d VALUES rows, parsed %d", len(segments), len(rows))
	}

	for r, tuple := range rows {
		if len(insert.Columns) > 0 && len(tuple) != len(insert.Columns) {
			return errors.Wrapf(ErrInsertColumnsMismatch, "row %d has %d values for %d columns", r+1, len(tuple), len(insert.Columns))
		}
		row := InsertRow{Segment: segments[r], ParamStart: -1}
		for _, expr := range tuple {
			row.Values = append(row.Values, valueOf(expr))
		}
		row.ParamStart, row.ParamEnd = b.paramRange(row.Segment)
		insert.Rows = append(insert.Rows, row)
	}
	insert.ValuesSegment = Segment{Start: segments[0].Start, Stop: segments[len(segments)-1].Stop}
	b.ctx.Insert = insert
	return nil
}

// paramRange returns the parameter indexes whose markers lie in seg.
func (b *binder) paramRange(seg Segment) (int, int) {
	start, end := -1, -1
	for i, m := range b.ctx.ParamMarkers {
		if m.Start >= seg.Start && m.Stop <= seg.Stop {
			if start < 0 {
				start = i
			}
			end = i + 1
		}
	}
	if start < 0 {
		// no marker inside: an empty range positioned after the preceding markers
		n := 0
		for _, m := range b.ctx.ParamMarkers {
			if m.Stop <= seg.Start {
				n++
			}
		}
		return n, n
	}
	return start, end
}

// valueOf 表达式转换为字面量或参数
func valueOf(expr sqlparser.Expr) Value {
	switch v := expr.(type) {
	case *sqlparser.SQLVal:
		raw := string(v.Val)
		switch v.Type {
		case sqlparser.ValArg:
			if n, err := strconv.Atoi(strings.TrimPrefix(raw, ":v")); err == nil && n > 0 {
				return Param(n - 1)
			}
			return Value{Param: -1, Expr: true}
		case sqlparser.IntVal:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return Literal(n)
			}
			if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
				return Literal(n)
			}
			return Literal(raw)
		case sqlparser.FloatVal:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				return Literal(f)
			}
			return Literal(raw)
		}
		return Literal(raw)
	case *sqlparser.NullVal:
		return Literal(nil)
	case sqlparser.BoolVal:
		return Literal(bool(v))
	case *sqlparser.UnaryExpr:
		if v.Operator == sqlparser.UMinusStr {
			inner := valueOf(v.Expr)
			switch n := inner.Literal.(type) {
			case int64:
				return Literal(-n)
			case float64:
				return Literal(-n)
			}
		}
	}
	return Value{Param: -1, Expr: true}
}
