package keygen

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeUnique(t *testing.T) {
	g, err := New("snowflake", map[string]string{"worker-id": "7"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[int64]struct{}{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id, err := g.Next()
				assert.NoError(t, err)
				mu.Lock()
				seen[id.(int64)] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
}

func TestSnowflakeLayout(t *testing.T) {
	g, err := newSnowflake(map[string]string{"worker-id": "3"})
	require.NoError(t, err)
	s := g.(*snowflake)
	fixed := time.UnixMilli(epoch + 1000)
	s.now = func() time.Time { return fixed }

	id, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1000)<<timestampShift|3<<sequenceBits, id)

	id, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1000)<<timestampShift|3<<sequenceBits|1, id)
}

func TestSnowflakeClockBackwards(t *testing.T) {
	g, err := newSnowflake(map[string]string{"max-tolerate-time-difference-milliseconds": "0"})
	require.NoError(t, err)
	s := g.(*snowflake)
	s.lastMs = time.Now().UnixMilli() + 60000
	_, err = s.Next()
	assert.Error(t, err)
}

func TestSnowflakeInvalidWorker(t *testing.T) {
	_, err := New("SNOWFLAKE", map[string]string{"worker-id": "2048"})
	assert.Error(t, err)
}

func TestUUID(t *testing.T) {
	g, err := New("UUID", nil)
	require.NoError(t, err)
	a, err := g.Next()
	require.NoError(t, err)
	b, err := g.Next()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestUnknownGenerator(t *testing.T) {
	_, err := New("INCREMENT", nil)
	assert.True(t, errors.Is(err, ErrUnknownGenerator))
}
