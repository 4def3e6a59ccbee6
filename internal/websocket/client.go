package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/service"
)

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeData         MessageType = "data"
	MessageTypeError        MessageType = "error"
)

// Request 客户端发来的消息
type Request struct {
	Type           MessageType `json:"type"`
	FeedID         string      `json:"feedId,omitempty"`
	SubscriptionID string      `json:"subscriptionId,omitempty"`
	Consumer       string      `json:"consumer,omitempty"`
	APIKey         string      `json:"apiKey,omitempty"`
	DecryptionKey  string      `json:"decryptionKey,omitempty"`
}

// Message 服务端推送的消息
type Message struct {
	Type           MessageType     `json:"type"`
	FeedID         string          `json:"feedId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Message        string          `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
//
// 状态: 未绑定 -> 绑定(feedId) -> 未绑定 -> ... -> 关闭
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// apiKey 连接建立时提交的密钥
	apiKey string

	mu             sync.Mutex
	feedID         string
	subscriptionID string
	credentialID   string
	alive          bool
}

func newClient(id string, conn *websocket.Conn, hub *Hub, apiKey string) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		log:    hub.log.With(zap.String("client_id", id)),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		apiKey: apiKey,
		alive:  true,
	}
}

// boundFeed 当前绑定的 feed，未绑定时为空
func (c *Client) boundFeed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedID
}

func (c *Client) bind(feedID string, decision *service.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedID = feedID
	c.subscriptionID = decision.SubscriptionID
	c.credentialID = decision.CredentialID
}

func (c *Client) unbind() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.feedID
	c.feedID, c.subscriptionID, c.credentialID = "", "", ""
	return previous
}

func (c *Client) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// markPending 清除存活标记；返回 false 表示上一轮 ping 未得到应答
func (c *Client) markPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}
	c.alive = false
	return true
}

// enqueue 非阻塞写入发送队列，连接已关闭或队列已满时返回 false
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}

// readPump 处理客户端消息，连接断开时从注册表移除
func (c *Client) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handle(&req)
	}
}

// writePump 发送队列中的消息
func (c *Client) writePump() {
	defer c.hub.remove(c)

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// handle 处理接收到的消息
func (c *Client) handle(req *Request) {
	switch req.Type {
	case MessageTypeSubscribe:
		c.subscribe(req)
	case MessageTypeUnsubscribe:
		previous := c.unbind()
		c.sendMessage(&Message{Type: MessageTypeUnsubscribed, FeedID: previous})
	case MessageTypePing:
		c.markAlive()
		c.sendMessage(&Message{Type: MessageTypePong})
	default:
		c.sendError("Unknown message type")
	}
}

// subscribe 授权后绑定 feed 并立即推送一次当前数据；拒绝时保持原状态
func (c *Client) subscribe(req *Request) {
	if req.FeedID == "" {
		c.sendError("feedId is required")
		return
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.apiKey
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	data, err := c.hub.fetcher.Fetch(ctx, req.FeedID, service.AccessRequest{
		APIKey:         apiKey,
		SubscriptionID: req.SubscriptionID,
		Consumer:       req.Consumer,
	}, req.DecryptionKey)
	if err != nil {
		c.log.Info("subscribe rejected",
			zap.String("feed_id", req.FeedID),
			zap.String("kind", domain.KindOf(err).String()),
			zap.Error(err))
		c.sendError(domain.PublicMessage(err))
		return
	}

	c.bind(req.FeedID, data.Decision)
	c.log.Info("client subscribed", zap.String("feed_id", req.FeedID), zap.String("subscription_id", data.Decision.SubscriptionID))

	c.sendMessage(&Message{
		Type:           MessageTypeSubscribed,
		FeedID:         req.FeedID,
		SubscriptionID: data.Decision.SubscriptionID,
		Message:        "Subscribed to feed updates",
	})
	c.sendMessage(&Message{
		Type:   MessageTypeData,
		FeedID: req.FeedID,
		Data:   json.RawMessage(data.Payload),
	})
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{Type: MessageTypeError, Error: errMsg})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.log.Warn("client channel blocked, message dropped", zap.String("type", string(msg.Type)))
	}
}
