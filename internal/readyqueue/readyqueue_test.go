package readyqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, Task{TaskID: "a"}))
	require.NoError(t, q.Push(ctx, Task{TaskID: "b"}))

	t1, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", t1.TaskID)

	t2, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", t2.TaskID)
}

func TestPushBlocksAtCapacity(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, Task{TaskID: "a"}))

	pushCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Push(pushCtx, Task{TaskID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Cap())
}

func TestClosePreventsNewPushesButDrainsExisting(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, Task{TaskID: "a"}))
	q.Close()

	err := q.Push(ctx, Task{TaskID: "b"})
	assert.ErrorIs(t, err, ErrClosed)

	task, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", task.TaskID)

	_, ok = q.Pop(ctx)
	assert.False(t, ok)
}
