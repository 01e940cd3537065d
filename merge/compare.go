package merge

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var numericTypes = map[string]bool{
	"TINYINT": true, "SMALLINT": true, "MEDIUMINT": true, "INT": true, "INTEGER": true, "BIGINT": true,
	"DECIMAL": true, "NUMERIC": true, "FLOAT": true, "DOUBLE": true, "REAL": true,
	"UNSIGNED TINYINT": true, "UNSIGNED SMALLINT": true, "UNSIGNED INT": true, "UNSIGNED BIGINT": true,
	"INT2": true, "INT4": true, "INT8": true, "FLOAT4": true, "FLOAT8": true,
}

func isNumericType(typeName string) bool {
	return numericTypes[strings.ToUpper(typeName)]
}

// toDecimal converts Go numeric values, and textual ones when text is set.
func toDecimal(v any, text bool) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case uint8:
		return decimal.NewFromInt(int64(n)), true
	case uint16:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		d, err := decimal.NewFromString(strconv.FormatUint(n, 10))
		return d, err == nil
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case []byte:
		if text {
			d, err := decimal.NewFromString(string(n))
			return d, err == nil
		}
	case string:
		if text {
			d, err := decimal.NewFromString(n)
			return d, err == nil
		}
	}
	return decimal.Decimal{}, false
}

// compareValues 比较两个非 NULL 值
func compareValues(a, b any, typeName string) (int, error) {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			}
			return 1, nil
		}
	}

	numeric := isNumericType(typeName)
	if da, ok := toDecimal(a, numeric); ok {
		if db, ok := toDecimal(b, numeric); ok {
			return da.Cmp(db), nil
		}
	}
	if sa, ok := text(a); ok {
		if sb, ok := text(b); ok {
			return bytes.Compare(sa, sb), nil
		}
	}
	// 数字与文本混合时按数字比较
	if da, ok := toDecimal(a, true); ok {
		if db, ok := toDecimal(b, true); ok {
			return da.Cmp(db), nil
		}
	}
	return 0, errors.Wrapf(ErrMergeTypeMismatch, "can not compare %T with %T", a, b)
}

func text(v any) ([]byte, bool) {
	switch s := v.(type) {
	case []byte:
		return s, true
	case string:
		return []byte(s), true
	}
	return nil, false
}

// NullOrder is where the data sources sort NULL.
type NullOrder int

const (
	// NullsLow treats NULL as the smallest value, first in ASC (MySQL, SQLite).
	NullsLow NullOrder = iota
	// NullsHigh treats NULL as the largest value, last in ASC (PostgreSQL).
	NullsHigh
)

func (o NullOrder) String() string {
	if o == NullsHigh {
		return "nulls-high"
	}
	return "nulls-low"
}

// sortKey is a resolved ORDER BY item.
type sortKey struct {
	index    int
	desc     bool
	nulls    NullOrder
	typeName string
}

// compareRows orders two rows by keys. NULL is placed the way the data
// sources placed it, so merged streams stay consistent with each shard.
func compareRows(a, b []any, keys []sortKey) (int, error) {
	for _, k := range keys {
		va, vb := a[k.index], b[k.index]
		var c int
		switch {
		case va == nil && vb == nil:
			continue
		case va == nil:
			c = -1
			if k.nulls == NullsHigh {
				c = 1
			}
		case vb == nil:
			c = 1
			if k.nulls == NullsHigh {
				c = -1
			}
		default:
			var err error
			if c, err = compareValues(va, vb, k.typeName); err != nil {
				return 0, err
			}
			if c == 0 {
				continue
			}
		}
		if k.desc {
			c = -c
		}
		return c, nil
	}
	return 0, nil
}

// groupKey 分组键，数字统一为 decimal 字符串
func groupKey(row []any, indexes []int) string {
	var b strings.Builder
	for _, idx := range indexes {
		v := row[idx]
		switch {
		case v == nil:
			b.WriteString("\x00null")
		default:
			if d, ok := toDecimal(v, false); ok {
				b.WriteString(d.String())
			} else if s, ok := text(v); ok {
				b.Write(s)
			} else {
				fmt.Fprintf(&b, "%v", v)
			}
		}
		b.WriteByte(0x1f)
	}
	return b.String()
}
