package route

import (
	"sort"
	"strings"
)

// TableMapping 逻辑表 -> 实际表
type TableMapping struct {
	Logic  string
	Actual string
}

// Unit 路由单元：一个数据源上要执行的一条 SQL
type Unit struct {
	DataSource string
	Tables     []TableMapping
	// Rows are the INSERT VALUES rows owned by the unit, nil otherwise
	Rows []int
}

// ActualTable 逻辑表在本单元的实际表
func (u Unit) ActualTable(logic string) (string, bool) {
	for _, m := range u.Tables {
		if strings.EqualFold(m.Logic, logic) {
			return m.Actual, true
		}
	}
	return "", false
}

func (u Unit) String() string {
	var b strings.Builder
	b.WriteString(u.DataSource)
	b.WriteString(":")
	for i, m := range u.Tables {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(m.Actual)
	}
	return b.String()
}

func (u Unit) key() string {
	actual := make([]string, len(u.Tables))
	for i, m := range u.Tables {
		actual[i] = m.Actual
	}
	return strings.Join(actual, ",")
}

// GeneratedKey 为 INSERT 生成的主键
type GeneratedKey struct {
	Column string
	// Values has one key per VALUES row
	Values []any
}

// Context 路由结果
type Context struct {
	Units []Unit
	// OriginalNodes are the logical tables touched by the statement
	OriginalNodes []string
	Diagnostics   []string
	Broadcast     bool
	// DatabaseOnly is set for hint routing that leaves table names untouched
	DatabaseOnly bool
	GeneratedKey *GeneratedKey
}

// IsSingle 是否只路由到一个单元
func (c *Context) IsSingle() bool {
	return len(c.Units) == 1
}

// DataSources 涉及的数据源，已排序
func (c *Context) DataSources() []string {
	var names []string
	for _, u := range c.Units {
		if len(names) == 0 || names[len(names)-1] != u.DataSource {
			names = append(names, u.DataSource)
		}
	}
	return names
}

func (c *Context) sort() {
	sort.SliceStable(c.Units, func(i, j int) bool {
		a, b := c.Units[i], c.Units[j]
		if a.DataSource != b.DataSource {
			return a.DataSource < b.DataSource
		}
		return a.key() < b.key()
	})
}
