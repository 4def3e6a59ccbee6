package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/monitoring"
	"iotmarket/backend/internal/service"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	subscribeTimeout    = 20 * time.Second
	sendBufferSize      = 64
	maxMessageSize      = 64 * 1024
	fanoutPublishWait   = 2 * time.Second
)

// Fetcher 订阅握手：授权并读取当前快照
type Fetcher interface {
	Fetch(ctx context.Context, feedID string, req service.AccessRequest, decryptionKey string) (*service.FeedData, error)
}

// Fanout 跨实例转发 feed 更新（Redis 发布订阅实现）
type Fanout interface {
	Publish(ctx context.Context, feedID string, payload []byte) error
	Run(ctx context.Context, handler func(feedID string, payload []byte)) error
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// Hub 管理全部实时连接
//
// 注册表由连接建立、消息处理、存活检查三处并发修改，全部经过 mu。
// 每个连接最多绑定一个 feed，推送只投递给绑定到该 feed 的连接。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	fetcher        Fetcher
	fanout         Fanout
	pingInterval   time.Duration
	allowedOrigins []string
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// Options Hub 配置
type Options struct {
	PingInterval   time.Duration
	AllowedOrigins []string
	Fanout         Fanout // 为 nil 时只在本实例内推送
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewHub 创建 WebSocket Hub
//
// 参数:
//   - fetcher: 订阅握手时的授权与快照读取
//   - opts: 存活检查间隔、允许的 Origin、跨实例转发等
//
// 返回值:
//   - *Hub: 创建的 Hub 实例，需要调用 Run 启动存活检查
func NewHub(fetcher Fetcher, opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[string]*Client),
		fetcher:        fetcher,
		fanout:         opts.Fanout,
		pingInterval:   opts.PingInterval,
		allowedOrigins: opts.AllowedOrigins,
		metrics:        opts.Metrics,
		log:            log.Named("websocket"),
	}
}

var _ service.Notifier = (*Hub)(nil)

// Run 启动存活检查（以及跨实例转发），直到 ctx 取消后关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	if h.fanout != nil {
		go func() {
			if err := h.fanout.Run(ctx, func(feedID string, payload []byte) {
				h.deliver(feedID, payload)
			}); err != nil {
				h.log.Error("feed update fanout stopped", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAll()
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Notify 推送 feed 更新
//
// 配置了跨实例转发时发布到 Redis，由各实例（包括本实例）的订阅者投递；
// 发布失败时退回本地投递。
func (h *Hub) Notify(feedID string, payload domain.Payload) {
	if h.fanout != nil {
		ctx, cancel := context.WithTimeout(context.Background(), fanoutPublishWait)
		err := h.fanout.Publish(ctx, feedID, payload)
		cancel()
		if err == nil {
			return
		}
		h.log.Warn("fanout publish failed, delivering locally", zap.String("feed_id", feedID), zap.Error(err))
	}
	h.deliver(feedID, payload)
}

// deliver 向本实例绑定到 feedID 的连接推送数据，阻塞或已关闭的连接直接跳过
func (h *Hub) deliver(feedID string, payload []byte) {
	data, err := json.Marshal(&Message{
		Type:      MessageTypeData,
		FeedID:    feedID,
		Data:      json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("failed to marshal data message", zap.Error(err))
		return
	}

	delivered, skipped := 0, 0
	for _, client := range h.snapshot() {
		if client.boundFeed() != feedID {
			continue
		}
		if client.enqueue(data) {
			delivered++
		} else {
			skipped++
		}
	}
	if skipped > 0 {
		h.log.Debug("skipped blocked clients", zap.String("feed_id", feedID), zap.Int("skipped", skipped))
	}
	h.metrics.RecordBroadcast(delivered, skipped)
}

// sweep 关闭上一轮未应答的连接，其余连接标记为待检查并发送 ping
func (h *Hub) sweep() {
	for _, client := range h.snapshot() {
		if !client.markPending() {
			h.log.Info("pruning unresponsive client", zap.String("client_id", client.ID))
			h.metrics.RecordPrunedConnection()
			h.remove(client)
			continue
		}
		deadline := time.Now().Add(writeWait)
		if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.log.Debug("ping failed", zap.String("client_id", client.ID), zap.Error(err))
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.UpdateLiveConnections(count)
	h.log.Debug("client registered", zap.String("client_id", client.ID))
}

// remove 从注册表删除并关闭连接，重复调用无副作用
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	delete(h.clients, client.ID)
	count := len(h.clients)
	h.mu.Unlock()

	client.close()
	if ok {
		h.metrics.UpdateLiveConnections(count)
		h.log.Debug("client unregistered", zap.String("client_id", client.ID))
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		out = append(out, client)
	}
	return out
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	for _, client := range h.snapshot() {
		h.remove(client)
	}
}

// HandleWebSocket 处理 WebSocket 连接
//
// 连接级 API 密钥可以通过 X-API-Key 头或 apiKey 查询参数提交，subscribe 消息未携带密钥时使用。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("apiKey")
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := newClient(uuid.NewString(), conn, hub, apiKey)
		hub.add(client)

		go client.writePump()
		go client.readPump()
	}
}
