package str

import (
	"fmt"
	"strconv"
	"strings"
)

// Hashcode 计算字符串的hashcode，与 Java String#hashCode 保持一致
func Hashcode(s string) int32 {
	var hash int32 = 0
	for _, c := range s {
		hash = c + ((hash << 5) - hash)
	}
	return hash
}

// HashMod 计算字符串的hashcode后取余
func HashMod(s string, num int32) int {
	if num <= 0 {
		return 0
	}
	mod := Hashcode(s) % num
	if mod < 0 {
		mod = -mod
	}
	return int(mod)
}

// ToInt64 将分片值转换为整数
func ToInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	}
	return 0, fmt.Errorf("sharding value %v(%T) is not an integer", v, v)
}

// ToString 分片值的字符串形式
func ToString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprintf("%v", v)
}
