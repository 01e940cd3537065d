package route

import (
	"context"
	"strings"
	"sync"
)

// HintManager carries sharding values that do not come from the SQL.
// Bind it with WithHint and Close it when the statement is done:
//
//	hint := route.NewHintManager()
//	defer hint.Close()
//	hint.AddDatabaseShardingValue("t_order", 1)
//	ctx = route.WithHint(ctx, hint)
type HintManager struct {
	mu           sync.RWMutex
	databases    map[string][]any
	tables       map[string][]any
	databaseOnly bool
	onlyValues   []any
}

func NewHintManager() *HintManager {
	return &HintManager{
		databases: map[string][]any{},
		tables:    map[string][]any{},
	}
}

// AddDatabaseShardingValue 指定逻辑表的分库值
func (h *HintManager) AddDatabaseShardingValue(logicTable string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.databaseOnly = false
	key := strings.ToLower(logicTable)
	h.databases[key] = append(h.databases[key], value)
}

// AddTableShardingValue 指定逻辑表的分表值
func (h *HintManager) AddTableShardingValue(logicTable string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.databaseOnly = false
	key := strings.ToLower(logicTable)
	h.tables[key] = append(h.tables[key], value)
}

// SetDatabaseShardingValue switches to database only routing: the statement
// goes to the database chosen by value and table names are left untouched.
// Previously added values are discarded.
func (h *HintManager) SetDatabaseShardingValue(value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.databases = map[string][]any{}
	h.tables = map[string][]any{}
	h.databaseOnly = true
	h.onlyValues = []any{value}
}

// Close 清空全部 hint 值
func (h *HintManager) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.databases = map[string][]any{}
	h.tables = map[string][]any{}
	h.databaseOnly = false
	h.onlyValues = nil
}

// DatabaseOnly reports the database only values set by SetDatabaseShardingValue.
func (h *HintManager) DatabaseOnly() ([]any, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]any(nil), h.onlyValues...), h.databaseOnly
}

func (h *HintManager) databaseValues(logicTable string) []any {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]any(nil), h.databases[strings.ToLower(logicTable)]...)
}

func (h *HintManager) tableValues(logicTable string) []any {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]any(nil), h.tables[strings.ToLower(logicTable)]...)
}

type hintKey struct{}

// WithHint 绑定 hint 到 context
func WithHint(ctx context.Context, h *HintManager) context.Context {
	return context.WithValue(ctx, hintKey{}, h)
}

// HintFromContext returns the bound hint manager or nil.
func HintFromContext(ctx context.Context) *HintManager {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(hintKey{}).(*HintManager)
	return h
}
