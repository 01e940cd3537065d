package route

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DataNode 实际数据节点：数据源 + 实际表
type DataNode struct {
	DataSource string
	Table      string
}

func (n DataNode) String() string {
	return n.DataSource + "." + n.Table
}

// ParseDataNode parses "ds0.t_order_0".
func ParseDataNode(s string) (DataNode, error) {
	s = strings.TrimSpace(s)
	i := strings.Index(s, ".")
	if i <= 0 || i == len(s)-1 {
		return DataNode{}, errors.Wrapf(ErrInvalidRule, "data node %q must be <datasource>.<table>", s)
	}
	return DataNode{DataSource: s[:i], Table: s[i+1:]}, nil
}

// ParseDataNodes 展开实际节点表达式，如 ds${0..1}.t_order_${0..2}
func ParseDataNodes(expr string) ([]DataNode, error) {
	names, err := ExpandExpression(expr)
	if err != nil {
		return nil, err
	}
	nodes := make([]DataNode, 0, len(names))
	for _, name := range names {
		node, err := ParseDataNode(name)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ExpandExpression expands a comma separated list of inline expressions.
// Placeholders are ranges `${0..3}` or lists `${[a, b]}`; several
// placeholders in one expression form their Cartesian product.
func ExpandExpression(expr string) ([]string, error) {
	var result []string
	for _, part := range splitTopLevel(expr) {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		expanded, err := expandOne(part)
		if err != nil {
			return nil, err
		}
		result = append(result, expanded...)
	}
	return result, nil
}

func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		last  int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	return append(parts, s[last:])
}

func expandOne(expr string) ([]string, error) {
	result := []string{""}
	rest := expr
	for rest != "" {
		start, width := placeholder(rest)
		if start < 0 {
			result = appendAll(result, []string{rest})
			break
		}
		result = appendAll(result, []string{rest[:start]})
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return nil, errors.Wrapf(ErrInvalidRule, "unclosed placeholder in %q", expr)
		}
		body := rest[start+width : start+end]
		values, err := placeholderValues(body)
		if err != nil {
			return nil, errors.Wrapf(err, "expression %q", expr)
		}
		result = appendAll(result, values)
		rest = rest[start+end+1:]
	}
	return result, nil
}

func placeholder(s string) (int, int) {
	if i := strings.Index(s, "$->{"); i >= 0 {
		if j := strings.Index(s, "${"); j < 0 || i < j {
			return i, 4
		}
	}
	if j := strings.Index(s, "${"); j >= 0 {
		return j, 2
	}
	return -1, 0
}

func placeholderValues(body string) ([]string, error) {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "[") && strings.HasSuffix(body, "]") {
		var values []string
		for _, v := range strings.Split(body[1:len(body)-1], ",") {
			values = append(values, strings.Trim(strings.TrimSpace(v), `'"`))
		}
		return values, nil
	}
	if i := strings.Index(body, ".."); i > 0 {
		from, err1 := strconv.Atoi(strings.TrimSpace(body[:i]))
		to, err2 := strconv.Atoi(strings.TrimSpace(body[i+2:]))
		if err1 != nil || err2 != nil || from > to {
			return nil, errors.Wrapf(ErrInvalidRule, "invalid range %q", body)
		}
		values := make([]string, 0, to-from+1)
		for n := from; n <= to; n++ {
			values = append(values, strconv.Itoa(n))
		}
		return values, nil
	}
	return []string{strings.Trim(body, `'"`)}, nil
}

func appendAll(prefixes, suffixes []string) []string {
	out := make([]string, 0, len(prefixes)*len(suffixes))
	for _, p := range prefixes {
		for _, s := range suffixes {
			out = append(out, p+s)
		}
	}
	return out
}
