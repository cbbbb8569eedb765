package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/auth"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/eventbus"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

func dialFeed(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil 读取消息直到出现指定类型
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgType {
			return msg.Data
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

// TestFeed_InitialSnapshot 连接后立即收到快照
func TestFeed_InitialSnapshot(t *testing.T) {
	env := newTestEnv(t, auth.DefaultConfig())
	require.NoError(t, env.reg.Insert(&model.Task{ID: "t1", RepositoryID: "r1", Status: model.TaskStatusPending, CreatedAt: time.Now()}))

	conn := dialFeed(t, env)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MessageSnapshot), &snap))
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "t1", snap.Tasks[0].ID)
	assert.Equal(t, 1, snap.Counts[model.TaskStatusPending])

	assert.Eventually(t, func() bool { return env.handler.Feed().ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

// TestFeed_PeriodicAndEvents 定时快照与事件转发
func TestFeed_PeriodicAndEvents(t *testing.T) {
	env := newTestEnv(t, auth.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.handler.Start(ctx)

	conn := dialFeed(t, env)
	readUntil(t, conn, MessageSnapshot)

	// 任务表变化体现在后续快照中
	require.NoError(t, env.reg.Insert(&model.Task{ID: "t2", RepositoryID: "r2", Status: model.TaskStatusPending, CreatedAt: time.Now()}))
	found := false
	for i := 0; i < 10 && !found; i++ {
		var snap Snapshot
		require.NoError(t, json.Unmarshal(readUntil(t, conn, MessageSnapshot), &snap))
		found = len(snap.Tasks) == 1 && snap.Tasks[0].ID == "t2"
	}
	assert.True(t, found, "snapshot should contain the new task")

	// 订阅建立后发布事件
	time.Sleep(50 * time.Millisecond)
	task := &model.Task{ID: "t2", RepositoryID: "r2", Status: model.TaskStatusRunning}
	require.NoError(t, env.events.PublishTaskEvent(ctx, eventbus.NewTaskEvent(task, time.Now())))

	var ev eventbus.TaskEvent
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MessageEvent), &ev))
	assert.Equal(t, "t2", ev.TaskID)
	assert.Equal(t, model.TaskStatusRunning, ev.Status)
}

// TestFeed_Disconnect 客户端断开后清理
func TestFeed_Disconnect(t *testing.T) {
	env := newTestEnv(t, auth.DefaultConfig())
	conn := dialFeed(t, env)
	readUntil(t, conn, MessageSnapshot)
	require.Eventually(t, func() bool { return env.handler.Feed().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return env.handler.Feed().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
