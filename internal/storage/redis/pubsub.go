package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"anondrop/backend/internal/domain"
	"anondrop/backend/internal/logger"
)

// InboxChannel 是新消息广播频道，载荷是加密后的记录，不含明文
const InboxChannel = "anondrop:inbox"

func encodeInboxEvent(message *domain.Message) ([]byte, error) {
	return json.Marshal(message)
}

func decodeInboxEvent(payload string) (*domain.Message, error) {
	var message domain.Message
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		return nil, err
	}
	if message.RecipientLookupHash == "" {
		return nil, fmt.Errorf("inbox event without recipient")
	}
	return &message, nil
}

// NotifyNewMessage 把新写入的记录发布给所有实例
func (c *Client) NotifyNewMessage(ctx context.Context, message *domain.Message) error {
	data, err := encodeInboxEvent(message)
	if err != nil {
		return fmt.Errorf("encode inbox event: %w", err)
	}
	if err := c.rdb.Publish(ctx, InboxChannel, data).Err(); err != nil {
		return fmt.Errorf("publish inbox event: %w", err)
	}
	return nil
}

// ListenInbox 订阅广播频道并把每条记录交给 handler，直到 ctx 结束
func (c *Client) ListenInbox(ctx context.Context, handler func(context.Context, *domain.Message)) error {
	sub := c.rdb.Subscribe(ctx, InboxChannel)
	defer sub.Close()

	// 等待订阅确认
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", InboxChannel, err)
	}
	c.log.Info("listening for inbox events", zap.String("channel", InboxChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			message, err := decodeInboxEvent(msg.Payload)
			if err != nil {
				c.log.Warn("dropping malformed inbox event", zap.Error(err))
				continue
			}
			c.log.Debug("inbox event received", logger.LookupHash(message.RecipientLookupHash))
			handler(ctx, message)
		}
	}
}
