package statement

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type tokenKind int

const (
	tkIdent tokenKind = iota
	tkQuotedIdent
	tkString
	tkNumber
	tkParam
	tkPunct
)

// token is one lexical unit with its byte offsets [start, stop) in the SQL text.
type token struct {
	kind  tokenKind
	text  string
	start int
	stop  int
	depth int
}

// value returns the identifier without backquotes.
func (t token) value() string {
	if t.kind == tkQuotedIdent {
		return strings.ReplaceAll(t.text[1:len(t.text)-1], "``", "`")
	}
	return t.text
}

func (t token) isKeyword(kw string) bool {
	return t.kind == tkIdent && strings.EqualFold(t.text, kw)
}

func (t token) isPunct(p string) bool {
	return t.kind == tkPunct && t.text == p
}

func (t token) isIdent() bool {
	return t.kind == tkIdent || t.kind == tkQuotedIdent
}

// lex splits MySQL flavoured SQL into tokens, skipping blanks and comments.
func lex(sql string) ([]token, error) {
	var (
		tokens []token
		depth  int
		i      int
	)
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
			continue
		case c == '#' || (c == '-' && strings.HasPrefix(sql[i:], "-- ")) || (c == '-' && strings.HasPrefix(sql[i:], "--\n")):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 1
			}
			continue
		case c == '/' && strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, errors.Errorf("unclosed comment at %d", i)
			}
			i += end + 4
			continue
		}

		start := i
		kind := tkPunct
		switch {
		case c == '\'' || c == '"':
			end, err := closeQuote(sql, i, c, true)
			if err != nil {
				return nil, err
			}
			kind, i = tkString, end
		case c == '`':
			end, err := closeQuote(sql, i, c, false)
			if err != nil {
				return nil, err
			}
			kind, i = tkQuotedIdent, end
		case c == '?':
			kind, i = tkParam, i+1
		case isDigit(c) || (c == '.' && i+1 < len(sql) && isDigit(sql[i+1])):
			kind, i = tkNumber, scanNumber(sql, i)
		case isIdentStart(sql, i):
			kind = tkIdent
			for i < len(sql) && isIdentPart(sql, i) {
				_, w := utf8.DecodeRuneInString(sql[i:])
				i += w
			}
		default:
			i += punctWidth(sql, i)
		}
		tok := token{kind: kind, text: sql[start:i], start: start, stop: i, depth: depth}
		if kind == tkPunct {
			switch tok.text {
			case "(":
				depth++
			case ")":
				depth--
				tok.depth = depth
			}
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func closeQuote(sql string, i int, q byte, backslash bool) (int, error) {
	for j := i + 1; j < len(sql); j++ {
		switch sql[j] {
		case '\\':
			if backslash {
				j++
			}
		case q:
			if j+1 < len(sql) && sql[j+1] == q {
				j++
				continue
			}
			return j + 1, nil
		}
	}
	return 0, errors.Errorf("unclosed quote %c at %d", q, i)
}

func scanNumber(sql string, i int) int {
	if strings.HasPrefix(sql[i:], "0x") || strings.HasPrefix(sql[i:], "0X") {
		i += 2
		for i < len(sql) && strings.IndexByte("0123456789abcdefABCDEF", sql[i]) >= 0 {
			i++
		}
		return i
	}
	for i < len(sql) && (isDigit(sql[i]) || sql[i] == '.') {
		i++
	}
	if i < len(sql) && (sql[i] == 'e' || sql[i] == 'E') {
		j := i + 1
		if j < len(sql) && (sql[j] == '+' || sql[j] == '-') {
			j++
		}
		if j < len(sql) && isDigit(sql[j]) {
			i = j
			for i < len(sql) && isDigit(sql[i]) {
				i++
			}
		}
	}
	return i
}

func punctWidth(sql string, i int) int {
	for _, op := range []string{"<=>", "<>", "<=", ">=", "!=", "||", "&&", "<<", ">>", ":="} {
		if strings.HasPrefix(sql[i:], op) {
			return len(op)
		}
	}
	_, w := utf8.DecodeRuneInString(sql[i:])
	return w
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(sql string, i int) bool {
	r, _ := utf8.DecodeRuneInString(sql[i:])
	return r == '_' || r == '$' || r == '@' || unicode.IsLetter(r)
}

func isIdentPart(sql string, i int) bool {
	r, _ := utf8.DecodeRuneInString(sql[i:])
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
