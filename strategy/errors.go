package strategy

import "github.com/pkg/errors"

var (
	// ErrAmbiguousRoute 精确分片值命中了多个目标
	ErrAmbiguousRoute = errors.New("sharding: ambiguous route")
	// ErrNoTarget 分片结果不在可用目标内
	ErrNoTarget = errors.New("sharding: no available target")
	// ErrRangeUnsupported the algorithm can not evaluate range values and range queries are not allowed
	ErrRangeUnsupported = errors.New("sharding: range query is not supported by algorithm")
	// ErrUnknownAlgorithm 未注册的分片算法
	ErrUnknownAlgorithm = errors.New("sharding: unknown algorithm type")
	// ErrUnsupportedShardingOperation a predicate operator that can not become a RouteValue.
	// The router falls back to broadcast and only records it.
	ErrUnsupportedShardingOperation = errors.New("sharding: unsupported sharding operation")
	// ErrInvalidProperty 算法属性配置错误
	ErrInvalidProperty = errors.New("sharding: invalid algorithm property")
)
