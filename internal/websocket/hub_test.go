package websocket

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmemory "iotmarket/backend/internal/blobstore/memory"
	"iotmarket/backend/internal/cache"
	"iotmarket/backend/internal/domain"
	ledgermemory "iotmarket/backend/internal/ledger/memory"
	"iotmarket/backend/internal/service"
	"iotmarket/backend/internal/storage/memory"
)

const consumer = "0xb0b"

type testEnv struct {
	hub    *Hub
	server *httptest.Server
	ledger *ledgermemory.Ledger
	blobs  *blobmemory.Store
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := ledgermemory.New()
	store := memory.NewStore()
	blobs := blobmemory.New()
	credentials := service.NewCredentialService(store, l, nil, nil)
	access := service.NewAccessService(credentials, l, nil, nil)
	retrieval := service.NewRetrievalService(l, access, cache.NewBlobCache(cache.NewMemoryBackend(64, time.Minute), nil, nil), blobs, store, nil)

	hub := NewHub(retrieval, opts)
	router := gin.New()
	router.GET("/ws", HandleWebSocket(hub))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{hub: hub, server: server, ledger: l, blobs: blobs}
}

// feedWithSubscription 创建 feed 和对应的有效订阅
func (e *testEnv) feedWithSubscription(t *testing.T, data string) (domain.Feed, domain.Subscription) {
	t.Helper()
	blobID, err := e.blobs.Upload(context.Background(), domain.Payload(data), "")
	require.NoError(t, err)

	feed := domain.Feed{ID: ledgermemory.NewObjectID(), Provider: "0xa11ce", Name: "feed", Category: "weather", BlobID: blobID, IsActive: true}
	e.ledger.PutFeed(feed)
	sub := domain.Subscription{ID: ledgermemory.NewObjectID(), Consumer: consumer, FeedID: feed.ID, ExpiryEpoch: 100, IsActive: true}
	e.ledger.PutSubscription(sub)
	return feed, sub
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return e.hub.Count() > 0 }, time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var msg Message
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "unexpected message: %+v", msg)
}

func subscribe(t *testing.T, conn *websocket.Conn, feedID, subscriptionID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Request{
		Type:           MessageTypeSubscribe,
		FeedID:         feedID,
		SubscriptionID: subscriptionID,
		Consumer:       consumer,
	}))
}

func TestSubscribeHandshake(t *testing.T) {
	env := newTestEnv(t, Options{})
	feed, sub := env.feedWithSubscription(t, `{"temperature":20}`)
	conn := env.dial(t)

	t.Run("拒绝后连接保持可用", func(t *testing.T) {
		subscribe(t, conn, feed.ID, "0xnotmine")
		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type)
		assert.Equal(t, domain.ErrAccessDenied.Message, msg.Error)
	})

	t.Run("缺少 feedId", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(Request{Type: MessageTypeSubscribe}))
		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type)
	})

	t.Run("订阅成功后推送快照", func(t *testing.T) {
		subscribe(t, conn, feed.ID, sub.ID)

		ack := readMessage(t, conn)
		assert.Equal(t, MessageTypeSubscribed, ack.Type)
		assert.Equal(t, feed.ID, ack.FeedID)
		assert.Equal(t, sub.ID, ack.SubscriptionID)

		snapshot := readMessage(t, conn)
		assert.Equal(t, MessageTypeData, snapshot.Type)
		assert.JSONEq(t, `{"temperature":20}`, string(snapshot.Data))
	})

	t.Run("未知消息类型", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type)
	})

	t.Run("应用层 ping", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(Request{Type: MessageTypePing}))
		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypePong, msg.Type)
	})
}

func TestNotify(t *testing.T) {
	env := newTestEnv(t, Options{})
	feedA, subA := env.feedWithSubscription(t, `{"v":0}`)
	feedB, subB := env.feedWithSubscription(t, `{"v":0}`)

	connA := env.dial(t)
	subscribe(t, connA, feedA.ID, subA.ID)
	readMessage(t, connA)
	readMessage(t, connA)

	connB := env.dial(t)
	subscribe(t, connB, feedB.ID, subB.ID)
	readMessage(t, connB)
	readMessage(t, connB)

	t.Run("只投递给绑定到该 feed 的连接", func(t *testing.T) {
		env.hub.Notify(feedA.ID, domain.Payload(`{"v":1}`))

		msg := readMessage(t, connA)
		assert.Equal(t, MessageTypeData, msg.Type)
		assert.Equal(t, feedA.ID, msg.FeedID)
		assert.JSONEq(t, `{"v":1}`, string(msg.Data))

		expectSilence(t, connB)
	})

	t.Run("取消订阅后不再投递", func(t *testing.T) {
		require.NoError(t, connA.WriteJSON(Request{Type: MessageTypeUnsubscribe}))
		ack := readMessage(t, connA)
		assert.Equal(t, MessageTypeUnsubscribed, ack.Type)
		assert.Equal(t, feedA.ID, ack.FeedID)

		env.hub.Notify(feedA.ID, domain.Payload(`{"v":2}`))
		expectSilence(t, connA)
	})

	t.Run("阻塞的连接被跳过", func(t *testing.T) {
		blocked := &Client{ID: "blocked", hub: env.hub, log: env.hub.log, send: make(chan []byte), done: make(chan struct{}), feedID: feedB.ID, alive: true}
		env.hub.mu.Lock()
		env.hub.clients[blocked.ID] = blocked
		env.hub.mu.Unlock()
		defer func() {
			env.hub.mu.Lock()
			delete(env.hub.clients, blocked.ID)
			env.hub.mu.Unlock()
		}()

		env.hub.Notify(feedB.ID, domain.Payload(`{"v":3}`))
		msg := readMessage(t, connB)
		assert.JSONEq(t, `{"v":3}`, string(msg.Data))
	})
}

func TestSweep(t *testing.T) {
	t.Run("未应答的连接在两轮内被移除", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		env.dial(t) // 不读取，因此不会应答 ping

		env.hub.sweep()
		assert.Equal(t, 1, env.hub.Count())

		env.hub.sweep()
		assert.Equal(t, 0, env.hub.Count())
	})

	t.Run("应答 ping 的连接保留", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		conn := env.dial(t)

		// 客户端持续读取，默认 ping 处理器自动回复 pong
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		client := env.hub.snapshot()[0]
		for i := 0; i < 3; i++ {
			env.hub.sweep()
			require.Eventually(t, func() bool {
				client.mu.Lock()
				defer client.mu.Unlock()
				return client.alive
			}, 2*time.Second, 10*time.Millisecond)
		}
		assert.Equal(t, 1, env.hub.Count())
	})

	t.Run("客户端断开后移除", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		conn := env.dial(t)
		require.NoError(t, conn.Close())

		assert.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}

// loopbackFanout 把发布的消息交给本进程的订阅者
type loopbackFanout struct {
	mu        sync.Mutex
	published int
	fail      error
	updates   chan [2]string
}

func (f *loopbackFanout) Publish(_ context.Context, feedID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.published++
	f.updates <- [2]string{feedID, string(payload)}
	return nil
}

func (f *loopbackFanout) Run(ctx context.Context, handler func(feedID string, payload []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-f.updates:
			handler(update[0], []byte(update[1]))
		}
	}
}

func TestFanout(t *testing.T) {
	fanout := &loopbackFanout{updates: make(chan [2]string, 8)}
	env := newTestEnv(t, Options{Fanout: fanout, PingInterval: time.Hour})
	feed, sub := env.feedWithSubscription(t, `{"v":0}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	conn := env.dial(t)
	subscribe(t, conn, feed.ID, sub.ID)
	readMessage(t, conn)
	readMessage(t, conn)

	t.Run("经转发通道投递", func(t *testing.T) {
		env.hub.Notify(feed.ID, domain.Payload(`{"v":1}`))
		msg := readMessage(t, conn)
		assert.JSONEq(t, `{"v":1}`, string(msg.Data))

		fanout.mu.Lock()
		assert.Equal(t, 1, fanout.published)
		fanout.mu.Unlock()
	})

	t.Run("发布失败时本地投递", func(t *testing.T) {
		fanout.mu.Lock()
		fanout.fail = errors.New("redis down")
		fanout.mu.Unlock()

		env.hub.Notify(feed.ID, domain.Payload(`{"v":2}`))
		msg := readMessage(t, conn)
		assert.JSONEq(t, `{"v":2}`, string(msg.Data))
	})
}
