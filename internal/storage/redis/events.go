package redis

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

const feedUpdatesChannel = "iotmarket:feed_updates"

// FeedUpdate 跨实例广播的 feed 更新事件
type FeedUpdate struct {
	FeedID  string          `json:"feedId"`
	Payload json.RawMessage `json:"payload"`
}

// FeedEvents 通过 Redis 发布订阅在多个网关实例间转发 feed 更新
type FeedEvents struct {
	client *Client
	log    *zap.Logger
}

// NewFeedEvents 创建 feed 事件通道
func NewFeedEvents(client *Client) *FeedEvents {
	return &FeedEvents{client: client, log: client.log.Named("feed_events")}
}

// Publish 发布 feed 更新
func (e *FeedEvents) Publish(ctx context.Context, feedID string, payload []byte) error {
	data, err := json.Marshal(FeedUpdate{FeedID: feedID, Payload: payload})
	if err != nil {
		return err
	}
	return e.client.rdb.Publish(ctx, feedUpdatesChannel, data).Err()
}

// Run 订阅 feed 更新并逐条交给 handler，直到 ctx 取消
func (e *FeedEvents) Run(ctx context.Context, handler func(feedID string, payload []byte)) error {
	sub := e.client.rdb.Subscribe(ctx, feedUpdatesChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	e.log.Info("subscribed to feed updates", zap.String("channel", feedUpdatesChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var update FeedUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				e.log.Warn("discarding malformed feed update", zap.Error(err))
				continue
			}
			handler(update.FeedID, update.Payload)
		}
	}
}
