package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述告警交换机的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// publisher 是 amqp.Channel 中发布消息所需的子集。
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQNotifier 将告警事件以 JSON 投递到 topic 交换机，供运维侧订阅。
type RabbitMQNotifier struct {
	conn       io.Closer
	ch         publisher
	exchange   string
	routingKey string
}

// NewRabbitMQNotifier 连接 RabbitMQ 并声明持久化的 topic 交换机。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "vaulttrader.alerts"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return newRabbitMQNotifier(conn, ch, exchange, cfg.RoutingKey), nil
}

func newRabbitMQNotifier(conn io.Closer, ch publisher, exchange, routingKey string) *RabbitMQNotifier {
	if routingKey == "" {
		routingKey = "tick.failed"
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}
}

// Channel 返回 RabbitMQ 渠道。
func (n *RabbitMQNotifier) Channel() Channel { return ChannelRabbitMQ }

// Notify 发布一条持久化消息，路由键为配置值加上错误码，例如 tick.failed.TRADER_TX_REVERTED。
func (n *RabbitMQNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 告警通道未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警事件失败: %w", err)
	}
	key := n.routingKey
	if event.Code != "" {
		key += "." + string(event.Code)
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return n.ch.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.TickID,
		Timestamp:    occurred,
		Type:         string(event.Severity),
		Body:         body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
