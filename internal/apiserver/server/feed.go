package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zihaoli-cn/codestat-agent/internal/registry"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/eventbus"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

const (
	// DefaultFeedInterval 快照推送间隔
	DefaultFeedInterval = 3 * time.Second

	// feedSnapshotLimit 每次快照的任务数量上限
	feedSnapshotLimit = 100

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	readLimit  = 512
	bufferSize = 1024
)

// 消息类型
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  bufferSize,
	WriteBufferSize: bufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FeedMessage WebSocket 消息
type FeedMessage struct {
	Type      string      `json:"type"` // snapshot, event
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Snapshot 任务表快照
type Snapshot struct {
	Tasks  []*model.Task             `json:"tasks"`
	Counts map[model.TaskStatus]int `json:"counts"`
}

// TaskSource 快照数据来源，由 *registry.Registry 实现
type TaskSource interface {
	List(f registry.Filter) []*model.Task
	Counts() map[model.TaskStatus]int
}

// feedClient 单个连接，gorilla/websocket 要求同一连接串行写
type feedClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *feedClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Feed 任务表实时推送
//
// 定时推送快照，并转发事件总线上的任务生命周期事件。
type Feed struct {
	tasks    TaskSource
	events   eventbus.TaskEventBus
	interval time.Duration
	metrics  *Metrics
	log      *logging.Logger

	mu      sync.RWMutex
	clients map[*feedClient]bool
}

// NewFeed 创建推送器，events 可以为 nil
func NewFeed(tasks TaskSource, events eventbus.TaskEventBus, interval time.Duration, metrics *Metrics, log *logging.Logger) *Feed {
	if interval <= 0 {
		interval = DefaultFeedInterval
	}
	if log == nil {
		log = logging.Discard()
	}
	if metrics == nil {
		metrics = NewMetrics("codestat", nil)
	}
	return &Feed{
		tasks:    tasks,
		events:   events,
		interval: interval,
		metrics:  metrics,
		log:      log,
		clients:  make(map[*feedClient]bool),
	}
}

// Run 启动推送循环，ctx 取消后返回并关闭所有连接
func (f *Feed) Run(ctx context.Context) {
	if f.events != nil {
		go f.forwardEvents(ctx)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	defer f.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.ClientCount() == 0 {
				continue
			}
			f.broadcast(f.snapshot())
			f.ping()
		}
	}
}

// HandleWebSocket 处理 WebSocket 连接
//
// 路由: GET /ws/tasks
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{conn: conn}
	f.mu.Lock()
	f.clients[c] = true
	total := len(f.clients)
	f.mu.Unlock()
	f.metrics.WSConnectionsActive.Inc()
	f.log.Debug("feed client connected", "total", total)

	// 连接后立即推送一次快照
	f.send(c, f.snapshot())

	go f.readPump(c)
}

// ClientCount 当前连接数
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Feed) readPump(c *feedClient) {
	defer f.remove(c)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.log.Debug("feed read error", "error", err)
			}
			return
		}
		f.metrics.RecordWSMessage("in", "client")
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()
	if ok {
		f.metrics.WSConnectionsActive.Dec()
	}
	c.conn.Close()
}

func (f *Feed) closeAll() {
	f.mu.RLock()
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	for _, c := range clients {
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		f.remove(c)
	}
}

func (f *Feed) snapshot() FeedMessage {
	return FeedMessage{
		Type: MessageSnapshot,
		Data: Snapshot{
			Tasks:  f.tasks.List(registry.Filter{Limit: feedSnapshotLimit}),
			Counts: f.tasks.Counts(),
		},
		Timestamp: time.Now(),
	}
}

func (f *Feed) forwardEvents(ctx context.Context) {
	ch, err := f.events.SubscribeTaskEvents(ctx)
	if err != nil {
		f.log.Warn("subscribe task events failed, feed uses snapshots only", "error", err)
		return
	}
	for ev := range ch {
		if f.ClientCount() == 0 {
			continue
		}
		f.broadcast(FeedMessage{Type: MessageEvent, Data: ev, Timestamp: ev.Timestamp})
	}
}

func (f *Feed) send(c *feedClient, msg FeedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		f.log.Error("marshal feed message failed", "error", err)
		return
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		f.log.Debug("feed write failed", "error", err)
		return
	}
	f.metrics.RecordWSMessage("out", msg.Type)
}

func (f *Feed) broadcast(msg FeedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		f.log.Error("marshal feed message failed", "error", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			f.log.Debug("feed broadcast failed", "error", err)
			continue
		}
		f.metrics.RecordWSMessage("out", msg.Type)
	}
}

func (f *Feed) ping() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		if err := c.write(websocket.PingMessage, nil); err != nil {
			f.log.Debug("feed ping failed", "error", err)
		}
	}
}
