package rewrite

import (
	"github.com/pkg/errors"

	"gorm/shardroute/statement"
)

// encryptRow encrypts the parameters of the encrypted columns of one VALUES row
// in place. group holds the row's parameters in order.
func (e *Engine) encryptRow(table string, ins *statement.InsertContext, row statement.InsertRow, group []any) error {
	for i, v := range row.Values {
		if !v.IsParam() || i >= len(ins.Columns) {
			continue
		}
		column := ins.Columns[i]
		if _, ok := e.encryptor.CipherColumn(table, column); !ok {
			continue
		}
		idx := v.Param - row.ParamStart
		if idx < 0 || idx >= len(group) {
			continue
		}
		encrypted, err := e.encryptor.Encrypt(table, column, group[idx])
		if err != nil {
			return errors.Wrapf(err, "encrypt %s.%s", table, column)
		}
		group[idx] = encrypted
	}
	return nil
}

// encryptPredicates 加密等值 / IN 条件中的参数
func (e *Engine) encryptPredicates(stmt *statement.Context, params []any) ([]any, error) {
	if e.encryptor == nil || stmt.Type == statement.Insert {
		return params, nil
	}
	var out []any
	for _, p := range stmt.Predicates {
		if p.Op != statement.OpEqual && p.Op != statement.OpIn {
			continue
		}
		table := p.Table
		if table == "" && len(stmt.Tables) > 0 {
			table = stmt.Tables[0].Name
		}
		if _, ok := e.encryptor.CipherColumn(table, p.Column); !ok {
			continue
		}
		for _, v := range p.Values {
			if !v.IsParam() || v.Param >= len(params) {
				continue
			}
			if out == nil {
				out = append([]any(nil), params...)
			}
			encrypted, err := e.encryptor.Encrypt(table, p.Column, params[v.Param])
			if err != nil {
				return nil, errors.Wrapf(err, "encrypt %s.%s", table, p.Column)
			}
			out[v.Param] = encrypted
		}
	}
	if out == nil {
		return params, nil
	}
	return out, nil
}
