package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectFetchCompleted  = "healthlink.fetch.completed"
	SubjectLinkUpdated     = "healthlink.link.updated"
	SubjectCacheInvalidate = "healthlink.cache.invalidate"
)

type NATSClient interface {
	PublishFetchCompleted(ctx context.Context, msg FetchCompletedMessage) error
	PublishLinkUpdated(ctx context.Context, appUserID string, linked bool, reason string) error
	PublishCacheInvalidate(ctx context.Context, appUserID string) error
	SubscribeCacheInvalidate(ctx context.Context, handler func(appUserID string)) error
	Close()
}

// conn часть *nats.Conn, которой пользуется клиент
type conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

type natsClient struct {
	conn       conn
	instanceID string
	logger     *zap.Logger
	now        func() time.Time
}

func NewNATSClient(url string, logger *zap.Logger) (NATSClient, error) {
	nc, err := nats.Connect(url, nats.Name("healthlink-gateway"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", url))
	return newClient(nc, logger), nil
}

func newClient(c conn, logger *zap.Logger) *natsClient {
	return &natsClient{
		conn:       c,
		instanceID: uuid.NewString(),
		logger:     logger,
		now:        time.Now,
	}
}

// FetchCompletedMessage итог живого запроса к провайдеру
type FetchCompletedMessage struct {
	AppUserID     string    `json:"app_user_id"`
	RequestHash   string    `json:"request_hash"`
	Targets       []string  `json:"targets"`
	OK            bool      `json:"ok"`
	Partial       bool      `json:"partial"`
	FailedTargets []string  `json:"failed_targets,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

type LinkUpdatedMessage struct {
	AppUserID string    `json:"app_user_id"`
	Linked    bool      `json:"linked"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CacheInvalidateMessage просит остальные процессы очистить память пользователя.
// Origin позволяет отправителю пропустить собственное сообщение.
type CacheInvalidateMessage struct {
	AppUserID string `json:"app_user_id"`
	Origin    string `json:"origin"`
}

func (c *natsClient) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("failed to marshal %s message: %w", subject, err)
	}

	if err := c.conn.Publish(subject, data); err != nil {
		c.logger.Error("failed to publish message", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("failed to publish %s message: %w", subject, err)
	}
	return nil
}

func (c *natsClient) PublishFetchCompleted(ctx context.Context, msg FetchCompletedMessage) error {
	if msg.CompletedAt.IsZero() {
		msg.CompletedAt = c.now()
	}
	if err := c.publish(SubjectFetchCompleted, msg); err != nil {
		return err
	}

	c.logger.Debug("fetch completed published",
		zap.String("app_user_id", msg.AppUserID),
		zap.String("request_hash", msg.RequestHash),
		zap.Bool("ok", msg.OK),
	)
	return nil
}

func (c *natsClient) PublishLinkUpdated(ctx context.Context, appUserID string, linked bool, reason string) error {
	msg := LinkUpdatedMessage{
		AppUserID: appUserID,
		Linked:    linked,
		Reason:    reason,
		UpdatedAt: c.now(),
	}
	if err := c.publish(SubjectLinkUpdated, msg); err != nil {
		return err
	}

	c.logger.Debug("link update published", zap.String("app_user_id", appUserID), zap.String("reason", reason))
	return nil
}

func (c *natsClient) PublishCacheInvalidate(ctx context.Context, appUserID string) error {
	return c.publish(SubjectCacheInvalidate, CacheInvalidateMessage{
		AppUserID: appUserID,
		Origin:    c.instanceID,
	})
}

func (c *natsClient) SubscribeCacheInvalidate(ctx context.Context, handler func(appUserID string)) error {
	_, err := c.conn.Subscribe(SubjectCacheInvalidate, func(msg *nats.Msg) {
		var m CacheInvalidateMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			c.logger.Error("failed to unmarshal cache invalidate message", zap.Error(err))
			return
		}
		if m.Origin == c.instanceID || m.AppUserID == "" {
			return
		}

		handler(m.AppUserID)
		c.logger.Info("cache invalidate message processed", zap.String("app_user_id", m.AppUserID))
	})

	if err != nil {
		c.logger.Error("failed to subscribe to cache invalidate", zap.Error(err))
		return fmt.Errorf("failed to subscribe to cache invalidate: %w", err)
	}

	c.logger.Info("subscribed to cache invalidate messages")
	return nil
}

func (c *natsClient) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.logger.Info("NATS connection closed")
	}
}
