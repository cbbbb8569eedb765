package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

func TestDecodeMessage(t *testing.T) {
	msg := redis.XMessage{
		ID: "1700000000000-0",
		Values: map[string]interface{}{
			"type":          "task.success",
			"task_id":       "app_abcdef1_00000001",
			"repository_id": "app",
			"status":        "success",
			"timestamp":     "2024-01-02T03:04:05.5Z",
			"task":          `{"task_id":"app_abcdef1_00000001","status":"success","result":{"Go":{"code":1}}}`,
		},
	}

	ev := decodeMessage(msg)
	assert.Equal(t, "1700000000000-0", ev.ID)
	assert.Equal(t, "task.success", ev.Type)
	assert.Equal(t, model.TaskStatusSuccess, ev.Status)
	assert.Equal(t, 2024, ev.Timestamp.Year())
	require.NotNil(t, ev.Task)
	assert.JSONEq(t, `{"Go":{"code":1}}`, string(ev.Task.Result))
}

func TestDecodeMessage_Partial(t *testing.T) {
	ev := decodeMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"type": 42, "task": "{bad"}})
	assert.Equal(t, "", ev.Type)
	assert.Nil(t, ev.Task)
	assert.True(t, ev.Timestamp.IsZero())
}
