package rewrite

import (
	"sort"
	"strings"
)

// TokenKind SQL 改写标记类型
type TokenKind int

const (
	TableToken TokenKind = iota
	OffsetToken
	RowCountToken
	InsertValuesToken
	GeneratedKeyToken
	DerivedColumnToken
	EncryptColumnToken
)

func (k TokenKind) String() string {
	switch k {
	case TableToken:
		return "table"
	case OffsetToken:
		return "offset"
	case RowCountToken:
		return "row-count"
	case InsertValuesToken:
		return "insert-values"
	case GeneratedKeyToken:
		return "generated-key"
	case DerivedColumnToken:
		return "derived-column"
	case EncryptColumnToken:
		return "encrypt-column"
	}
	return "unknown"
}

// Token replaces sql[Start:Stop]. Start == Stop inserts text.
type Token struct {
	Kind  TokenKind
	Start int
	Stop  int
	// Logic is the logical table of a TableToken
	Logic string
	// Text is the replacement of tokens that do not depend on the unit
	Text string
}

func sortTokens(tokens []Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].Start < tokens[j].Start
	})
}

// render 从左到右拼接改写后的 SQL
func render(sql string, tokens []Token, replace func(Token) string) string {
	var (
		b      strings.Builder
		cursor int
	)
	b.Grow(len(sql) + 16*len(tokens))
	for _, t := range tokens {
		if t.Start < cursor {
			continue
		}
		b.WriteString(sql[cursor:t.Start])
		b.WriteString(replace(t))
		cursor = t.Stop
	}
	b.WriteString(sql[cursor:])
	return b.String()
}

// quoteLike keeps the backquotes of original around name.
func quoteLike(original, name string) string {
	if strings.HasPrefix(original, "`") {
		return "`" + name + "`"
	}
	return name
}
