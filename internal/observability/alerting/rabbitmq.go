package alerting

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// RabbitMQConfig 描述事件交换机的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// publisher 是 *amqp.Channel 中用到的部分。
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQNotifier 将事件以 JSON 发布到 topic 交换机，
// 路由键为 <RoutingKey>.<kind>。
type RabbitMQNotifier struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         publisher
	exchange   string
	routingKey string
}

// NewRabbitMQNotifier 连接 RabbitMQ 并声明持久化 topic 交换机。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "gateway.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 交换机失败")
	}
	n := newRabbitMQNotifier(ch, exchange, cfg.RoutingKey)
	n.conn = conn
	return n, nil
}

func newRabbitMQNotifier(ch publisher, exchange, routingKey string) *RabbitMQNotifier {
	if routingKey == "" {
		routingKey = "confirmation"
	}
	return &RabbitMQNotifier{ch: ch, exchange: exchange, routingKey: routingKey}
}

// Channel 返回 RabbitMQ 渠道。
func (n *RabbitMQNotifier) Channel() Channel { return ChannelRabbitMQ }

// Notify 发布事件。
func (n *RabbitMQNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 通知器未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ch.PublishWithContext(ctx, n.exchange, n.routingKey+"."+string(event.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ConfirmationID,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         body,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布事件到 RabbitMQ 失败")
	}
	return nil
}

// Close 关闭 channel 与连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
