package snowflake

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNode_Range(t *testing.T) {
	_, err := NewNode(-1)
	assert.Error(t, err)
	_, err = NewNode(1024)
	assert.Error(t, err)

	n, err := NewNode(1023)
	require.NoError(t, err)
	assert.Equal(t, int64(1023), NodeOf(n.Generate()))
}

func TestGenerate_UniqueAndIncreasingAcrossGoroutines(t *testing.T) {
	n, err := NewNode(3)
	require.NoError(t, err)

	const workers, per = 8, 2000
	ids := make(chan int64, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				ids <- n.Generate()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, workers*per)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestGenerate_ClockBackwards(t *testing.T) {
	n, err := NewNode(1)
	require.NoError(t, err)

	clock := int64(Epoch + 5000)
	n.now = func() int64 { return clock }
	first := n.Generate()

	clock -= 1000
	second := n.Generate()
	assert.Greater(t, second, first)
}

func TestTimeAndNextID(t *testing.T) {
	n, err := NewNode(2)
	require.NoError(t, err)

	before := time.Now().Add(-time.Second)
	id, err := strconv.ParseInt(n.NextID(), 10, 64)
	require.NoError(t, err)

	assert.True(t, Time(id).After(before))
	assert.Equal(t, int64(2), NodeOf(id))
}
