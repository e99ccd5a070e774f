package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/storage/memory"
	"github.com/snehjoshi/eventrelay/internal/storage/storagetest"
)

func TestMemoryBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, opts ...storage.Option) storage.Backend {
		return memory.New(opts...)
	})
}

func TestMemory_CorruptedItemIsClaimableForDeletion(t *testing.T) {
	b := memory.New()
	q, err := b.Queue(storage.MainQueue)
	require.NoError(t, err)
	mq := q.(*memory.Queue)
	mq.PutRaw("01BROKEN", []byte("{not json"))

	ctx := context.Background()
	it, err := q.Claim(ctx)
	require.ErrorIs(t, err, storage.ErrCorrupted)
	require.NotNil(t, it)
	assert.Equal(t, "01BROKEN", it.ID)
	assert.NotEmpty(t, it.Receipt)

	require.NoError(t, q.Delete(ctx, it))
	n, _ := q.Count(ctx)
	assert.Equal(t, int64(0), n)
}
