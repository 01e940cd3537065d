package route

import "github.com/pkg/errors"

var (
	// ErrRouteUnresolved 逻辑表没有可用的实际节点
	ErrRouteUnresolved = errors.New("route: no actual data node resolved")
	// ErrBindingMismatch binding tables do not share node count and data source layout
	ErrBindingMismatch = errors.New("route: binding tables are not aligned")
	// ErrInsertMultipleNodes 单行 INSERT 路由到了多个节点
	ErrInsertMultipleNodes = errors.New("route: insert row routed to multiple data nodes")
	// ErrInvalidRule 分片规则配置错误
	ErrInvalidRule = errors.New("route: invalid sharding rule")
)
