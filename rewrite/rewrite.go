// Package rewrite turns a logical statement into the SQL and parameters of
// each routed unit.
package rewrite

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"gorm/shardroute/route"
	"gorm/shardroute/statement"
)

// SQLUnit 改写后的 SQL 与参数
type SQLUnit struct {
	SQL    string
	Params []any
	// ParamGroups holds one group per owned VALUES row of an INSERT
	ParamGroups [][]any
}

// ExecutionUnit 执行单元
type ExecutionUnit struct {
	DataSource string
	Unit       route.Unit
	SQLUnit    SQLUnit
}

// Encryptor maps plain columns to cipher columns and encrypts their values.
type Encryptor interface {
	// CipherColumn returns the stored column of table.column, ok is false for
	// plain columns.
	CipherColumn(table, column string) (cipher string, ok bool)
	Encrypt(table, column string, value any) (any, error)
}

// Engine SQL 改写引擎
type Engine struct {
	encryptor Encryptor
}

func NewEngine(encryptor Encryptor) *Engine {
	return &Engine{encryptor: encryptor}
}

// Rewrite 为每个路由单元生成 SQL，顺序与路由单元一致
func (e *Engine) Rewrite(stmt *statement.Context, rc *route.Context, params []any) ([]ExecutionUnit, error) {
	multi := len(rc.Units) > 1
	if multi {
		if err := mergeable(stmt); err != nil {
			return nil, err
		}
	}
	params, err := e.encryptPredicates(stmt, params)
	if err != nil {
		return nil, err
	}
	tokens := e.tokens(stmt, rc, multi)
	page, err := newPagination(stmt, params, multi)
	if err != nil {
		return nil, err
	}

	var insert *insertParams
	if stmt.Insert != nil && len(stmt.Insert.Rows) > 0 {
		if insert, err = e.splitInsertParams(stmt, rc, params); err != nil {
			return nil, err
		}
	}

	units := make([]ExecutionUnit, 0, len(rc.Units))
	for _, u := range rc.Units {
		unit := u
		sql := render(stmt.SQL, tokens, func(t Token) string {
			switch t.Kind {
			case TableToken:
				original := stmt.SQL[t.Start:t.Stop]
				if actual, ok := unit.ActualTable(t.Logic); ok {
					return quoteLike(original, actual)
				}
				return original
			case OffsetToken:
				return page.offsetText(stmt.SQL[t.Start:t.Stop])
			case RowCountToken:
				return page.rowCountText(stmt.SQL[t.Start:t.Stop])
			case InsertValuesToken:
				return insertRows(stmt, unit, rc.GeneratedKey != nil)
			case GeneratedKeyToken, DerivedColumnToken, EncryptColumnToken:
				return t.Text
			}
			return stmt.SQL[t.Start:t.Stop]
		})

		su := SQLUnit{SQL: sql}
		if insert != nil {
			su.Params, su.ParamGroups = insert.forUnit(unit)
		} else {
			su.Params = page.params(params)
		}
		units = append(units, ExecutionUnit{DataSource: unit.DataSource, Unit: unit, SQLUnit: su})
	}
	return units, nil
}

// mergeable rejects selects whose per unit results can not be combined:
// HAVING filters partial groups, DISTINCT aggregates count values once per unit.
func mergeable(stmt *statement.Context) error {
	if stmt.Type != statement.Select {
		return nil
	}
	if stmt.Having {
		return errors.Wrap(statement.ErrUnsupportedStatement, "HAVING over several units")
	}
	if p, ok := stmt.DistinctAggregate(); ok {
		return errors.Wrapf(statement.ErrUnsupportedStatement, "%s over several units", p.Expression)
	}
	return nil
}

func (e *Engine) tokens(stmt *statement.Context, rc *route.Context, multi bool) []Token {
	var tokens []Token
	for _, t := range stmt.Tables {
		for _, seg := range t.Segments {
			tokens = append(tokens, Token{Kind: TableToken, Start: seg.Start, Stop: seg.Stop, Logic: t.Name})
		}
	}
	if multi && stmt.Limit != nil {
		if l := stmt.Limit.Offset; l != nil {
			tokens = append(tokens, Token{Kind: OffsetToken, Start: l.Segment.Start, Stop: l.Segment.Stop})
		}
		if l := stmt.Limit.RowCount; l != nil {
			tokens = append(tokens, Token{Kind: RowCountToken, Start: l.Segment.Start, Stop: l.Segment.Stop})
		}
	}
	if multi && len(stmt.Derived) > 0 && stmt.ProjectionStop >= 0 {
		var b strings.Builder
		for _, d := range stmt.Derived {
			b.WriteString(", ")
			b.WriteString(d.Expression)
			b.WriteString(" AS ")
			b.WriteString(d.Alias)
		}
		tokens = append(tokens, Token{Kind: DerivedColumnToken, Start: stmt.ProjectionStop, Stop: stmt.ProjectionStop, Text: b.String()})
	}
	if ins := stmt.Insert; ins != nil && len(ins.Rows) > 0 {
		tokens = append(tokens, Token{Kind: InsertValuesToken, Start: ins.ValuesSegment.Start, Stop: ins.ValuesSegment.Stop})
		if rc.GeneratedKey != nil && ins.ColumnsEnd >= 0 {
			tokens = append(tokens, Token{Kind: GeneratedKeyToken, Start: ins.ColumnsEnd, Stop: ins.ColumnsEnd, Text: ", " + rc.GeneratedKey.Column})
		}
		if e.encryptor != nil && len(stmt.Tables) > 0 {
			for i, seg := range ins.ColumnSegments {
				if i >= len(ins.Columns) {
					break
				}
				if cipher, ok := e.encryptor.CipherColumn(stmt.Tables[0].Name, ins.Columns[i]); ok {
					tokens = append(tokens, Token{Kind: EncryptColumnToken, Start: seg.Start, Stop: seg.Stop,
						Text: quoteLike(stmt.SQL[seg.Start:seg.Stop], cipher)})
				}
			}
		}
	}
	sortTokens(tokens)
	return tokens
}

// ownedRows returns the VALUES rows of unit. Units not routed row by row, such
// as broadcast inserts, own every row.
func ownedRows(unit route.Unit, n int) []int {
	if unit.Rows != nil {
		return unit.Rows
	}
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

func insertRows(stmt *statement.Context, unit route.Unit, generated bool) string {
	owned := ownedRows(unit, len(stmt.Insert.Rows))
	rows := make([]string, 0, len(owned))
	for _, r := range owned {
		seg := stmt.Insert.Rows[r].Segment
		row := stmt.SQL[seg.Start:seg.Stop]
		if generated {
			row = row[:len(row)-1] + ", ?)"
		}
		rows = append(rows, row)
	}
	return strings.Join(rows, ", ")
}

// pagination 多单元时 offset 改为 0，row count 改为 offset + row count
type pagination struct {
	multi       bool
	offset      *statement.LimitValue
	rowCount    *statement.LimitValue
	newRowCount int64
}

func newPagination(stmt *statement.Context, params []any, multi bool) (*pagination, error) {
	p := &pagination{multi: multi}
	if !multi || stmt.Limit == nil {
		return p, nil
	}
	offset, rowCount, hasRowCount, err := stmt.Limit.Resolve(params)
	if err != nil {
		return nil, err
	}
	p.offset, p.rowCount = stmt.Limit.Offset, stmt.Limit.RowCount
	if hasRowCount {
		if len(stmt.GroupBy) > 0 || stmt.HasAggregate() {
			// 分组结果必须全部取回才能归并
			p.newRowCount = math.MaxInt32
		} else {
			p.newRowCount = offset + rowCount
		}
	}
	return p, nil
}

func (p *pagination) offsetText(original string) string {
	if p.offset == nil || p.offset.Value.IsParam() {
		return original
	}
	return "0"
}

func (p *pagination) rowCountText(original string) string {
	if p.rowCount == nil || p.rowCount.Value.IsParam() {
		return original
	}
	return strconv.FormatInt(p.newRowCount, 10)
}

func (p *pagination) params(params []any) []any {
	out := append([]any(nil), params...)
	if !p.multi {
		return out
	}
	if p.offset != nil && p.offset.Value.IsParam() && p.offset.Value.Param < len(out) {
		out[p.offset.Value.Param] = int64(0)
	}
	if p.rowCount != nil && p.rowCount.Value.IsParam() && p.rowCount.Value.Param < len(out) {
		out[p.rowCount.Value.Param] = p.newRowCount
	}
	return out
}

// insertParams INSERT 参数：VALUES 之前、每行、VALUES 之后
type insertParams struct {
	prefix []any
	groups [][]any
	suffix []any
}

func (e *Engine) splitInsertParams(stmt *statement.Context, rc *route.Context, params []any) (*insertParams, error) {
	ins := stmt.Insert
	first, last := ins.Rows[0], ins.Rows[len(ins.Rows)-1]
	if last.ParamEnd > len(params) {
		return nil, errors.Wrapf(statement.ErrParameterIndex, "insert needs %d parameters, got %d", last.ParamEnd, len(params))
	}
	ip := &insertParams{
		prefix: append([]any(nil), params[:first.ParamStart]...),
		suffix: append([]any(nil), params[last.ParamEnd:]...),
		groups: make([][]any, len(ins.Rows)),
	}
	table := ""
	if len(stmt.Tables) > 0 {
		table = stmt.Tables[0].Name
	}
	for i, row := range ins.Rows {
		group := append([]any(nil), params[row.ParamStart:row.ParamEnd]...)
		if e.encryptor != nil {
			if err := e.encryptRow(table, ins, row, group); err != nil {
				return nil, err
			}
		}
		if rc.GeneratedKey != nil {
			value := rc.GeneratedKey.Values[i]
			if e.encryptor != nil {
				if _, ok := e.encryptor.CipherColumn(table, rc.GeneratedKey.Column); ok {
					encrypted, err := e.encryptor.Encrypt(table, rc.GeneratedKey.Column, value)
					if err != nil {
						return nil, errors.Wrapf(err, "encrypt %s.%s", table, rc.GeneratedKey.Column)
					}
					value = encrypted
				}
			}
			group = append(group, value)
		}
		ip.groups[i] = group
	}
	return ip, nil
}

func (ip *insertParams) forUnit(unit route.Unit) ([]any, [][]any) {
	params := append([]any(nil), ip.prefix...)
	owned := ownedRows(unit, len(ip.groups))
	groups := make([][]any, 0, len(owned))
	for _, r := range owned {
		params = append(params, ip.groups[r]...)
		groups = append(groups, ip.groups[r])
	}
	return append(params, ip.suffix...), groups
}
