package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

func TestNewTaskEvent(t *testing.T) {
	task := &model.Task{ID: "t1", RepositoryID: "r1", Status: model.TaskStatusSuccess}
	ev := NewTaskEvent(task, time.Unix(100, 0))
	assert.Equal(t, "task.success", ev.Type)
	assert.Equal(t, "r1", ev.RepositoryID)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.SubscribeTaskEvents(ctx)
	require.NoError(t, err)

	task := &model.Task{ID: "t1", RepositoryID: "r1", Status: model.TaskStatusRunning}
	require.NoError(t, b.PublishTaskEvent(ctx, NewTaskEvent(task, time.Now())))

	select {
	case ev := <-ch:
		assert.Equal(t, "1", ev.ID)
		assert.Equal(t, "task.running", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryEventBus_History(t *testing.T) {
	b := NewMemoryEventBus()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.PublishTaskEvent(ctx, &TaskEvent{Type: "task.pending"}))
	}

	all, err := b.GetTaskEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	after, err := b.GetTaskEvents(ctx, "3", 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "4", after[0].ID)

	limited, err := b.GetTaskEvents(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = b.GetTaskEvents(ctx, "not-a-number", 1)
	assert.Error(t, err)
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus()
	ch, err := b.SubscribeTaskEvents(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, b.PublishTaskEvent(context.Background(), &TaskEvent{}))
}
