// Package keygen generates globally unique keys for sharded inserts.
package keygen

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrUnknownGenerator 未注册的主键生成器
var ErrUnknownGenerator = errors.New("keygen: unknown generator type")

// Generator 分布式主键生成器
type Generator interface {
	Type() string
	Next() (any, error)
}

// Constructor builds a generator from its properties.
type Constructor func(props map[string]string) (Generator, error)

var (
	mu         sync.RWMutex
	generators = map[string]Constructor{
		"SNOWFLAKE": newSnowflake,
		"UUID":      newUUID,
	}
)

// Register 注册主键生成器
func Register(typ string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	generators[strings.ToUpper(typ)] = ctor
}

// New 按类型创建主键生成器
func New(typ string, props map[string]string) (Generator, error) {
	mu.RLock()
	ctor, ok := generators[strings.ToUpper(typ)]
	mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGenerator, "%q", typ)
	}
	return ctor(props)
}

type uuidGenerator struct{}

func newUUID(map[string]string) (Generator, error) { return uuidGenerator{}, nil }

func (uuidGenerator) Type() string { return "UUID" }

func (uuidGenerator) Next() (any, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = 1<<workerIDBits - 1
	sequenceMask   = 1<<sequenceBits - 1
	timestampShift = workerIDBits + sequenceBits
)

// epoch is 2016-11-01 00:00:00 UTC in milliseconds.
const epoch int64 = 1477929600000

// snowflake: 41 bits of milliseconds since epoch, 10 bits worker id, 12 bits sequence.
type snowflake struct {
	mu       sync.Mutex
	workerID int64
	// max-tolerate-time-difference-milliseconds
	tolerate int64
	lastMs   int64
	sequence int64
	now      func() time.Time
}

func newSnowflake(props map[string]string) (Generator, error) {
	s := &snowflake{tolerate: 10, now: time.Now}
	if raw := props["worker-id"]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 || id > maxWorkerID {
			return nil, errors.Errorf("keygen: worker-id must be in [0, %d], got %q", maxWorkerID, raw)
		}
		s.workerID = id
	}
	if raw := props["max-tolerate-time-difference-milliseconds"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, errors.Errorf("keygen: invalid max-tolerate-time-difference-milliseconds %q", raw)
		}
		s.tolerate = n
	}
	return s, nil
}

func (s *snowflake) Type() string { return "SNOWFLAKE" }

func (s *snowflake) Next() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms < s.lastMs {
		diff := s.lastMs - ms
		if diff > s.tolerate {
			return nil, errors.Errorf("keygen: clock moved backwards by %dms", diff)
		}
		time.Sleep(time.Duration(diff) * time.Millisecond)
		ms = s.lastMs
	}
	if ms == s.lastMs {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			for ms <= s.lastMs {
				ms = s.now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = ms
	return (ms-epoch)<<timestampShift | s.workerID<<sequenceBits | s.sequence, nil
}
