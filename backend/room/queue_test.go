package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkQueuePopBatchAllOrNothing(t *testing.T) {
	q := newChunkQueue(8)
	q.push([]byte{1})
	q.push([]byte{2})

	assert.Nil(t, q.popBatch(3))
	assert.Equal(t, 2, q.depth(), "failed pop must not consume")

	flat := q.popBatch(2)
	require.NotNil(t, flat)
	assert.Equal(t, []byte{1, 2}, flat)
	assert.Equal(t, 0, q.depth())
}

func TestChunkQueueDropsOldestAtCap(t *testing.T) {
	q := newChunkQueue(3)
	for i := byte(1); i <= 5; i++ {
		dropped := q.push([]byte{i})
		assert.Equal(t, i > 3, dropped)
	}
	assert.Equal(t, 3, q.depth())
	assert.Equal(t, []byte{3, 4, 5}, q.popBatch(3))
}

func TestChunkQueueClear(t *testing.T) {
	q := newChunkQueue(8)
	q.push([]byte{1})
	q.push([]byte{2})
	assert.Equal(t, 2, q.clear())
	assert.Equal(t, 0, q.depth())
	assert.Equal(t, 0, q.clear())
}
