package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumerInfo holds a persistent consumer channel and its deliveries
type consumerInfo struct {
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// RabbitMQClientPooled publishes to a topic exchange through a channel pool
// and keeps one persistent consumer per queue it receives from.
type RabbitMQClientPooled struct {
	pool        *ChannelPool
	consumers   map[string]*consumerInfo
	consumersMu sync.Mutex
}

// NewRabbitMQClientPooled creates a new RabbitMQ client with channel pooling
func NewRabbitMQClientPooled(url, exchange string, poolSize int) (*RabbitMQClientPooled, error) {
	pool, err := NewChannelPool(url, exchange, poolSize)
	if err != nil {
		return nil, err
	}

	return &RabbitMQClientPooled{
		pool:      pool,
		consumers: make(map[string]*consumerInfo),
	}, nil
}

// Publish sends body to the exchange as a persistent JSON message
func (c *RabbitMQClientPooled) Publish(ctx context.Context, routingKey string, body []byte) error {
	if routingKey == "" {
		return errors.New("routing key is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.pool.With(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx,
			c.pool.Exchange(), // exchange
			routingKey,        // routing key
			false,             // mandatory
			false,             // immediate
			amqp.Publishing{
				DeliveryMode: amqp.Persistent,
				ContentType:  "application/json",
				Body:         body,
			})
		if err != nil {
			return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
		}
		return nil
	})
}

// pooledRabbitMQMessage keeps the channel that delivered it; acks must go
// back on the same channel
type pooledRabbitMQMessage struct {
	delivery amqp.Delivery
	channel  *amqp.Channel
}

func (m *pooledRabbitMQMessage) Body() []byte {
	return m.delivery.Body
}

func (m *pooledRabbitMQMessage) ID() string {
	if m.delivery.MessageId != "" {
		return m.delivery.MessageId
	}
	return strconv.FormatUint(m.delivery.DeliveryTag, 10)
}

// Receive waits for the next message on queueName. The queue is declared
// durable and bound to the exchange with its own name as routing key. One
// consumer is created per queue and reused across calls.
func (c *RabbitMQClientPooled) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	consumer, err := c.consumer(ctx, queueName)
	if err != nil {
		return nil, err
	}

	select {
	case delivery, ok := <-consumer.deliveries:
		if !ok {
			// Consumer channel closed; the next Receive starts a new consumer
			c.consumersMu.Lock()
			delete(c.consumers, queueName)
			c.consumersMu.Unlock()
			return nil, fmt.Errorf("delivery channel closed")
		}

		return &pooledRabbitMQMessage{
			delivery: delivery,
			channel:  consumer.channel,
		}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RabbitMQClientPooled) consumer(ctx context.Context, queueName string) (*consumerInfo, error) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if consumer, ok := c.consumers[queueName]; ok {
		return consumer, nil
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel from pool: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		c.pool.Return(ch)
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		queueName,         // queue name
		queueName,         // routing key
		c.pool.Exchange(), // exchange
		false,             // no-wait
		nil,               // args
	)
	if err != nil {
		c.pool.Return(ch)
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	// One unacked message at a time
	if err := ch.Qos(1, 0, false); err != nil {
		c.pool.Return(ch)
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName, // queue
		"",        // consumer tag (auto-generated)
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		c.pool.Return(ch)
		return nil, fmt.Errorf("failed to start consume: %w", err)
	}

	consumer := &consumerInfo{channel: ch, deliveries: deliveries}
	c.consumers[queueName] = consumer
	return consumer, nil
}

// Ack acknowledges a message on the channel that delivered it
func (c *RabbitMQClientPooled) Ack(ctx context.Context, msg QueueMessage) error {
	pooledMsg, ok := msg.(*pooledRabbitMQMessage)
	if !ok {
		return ErrInvalidMessage
	}

	if err := pooledMsg.channel.Ack(pooledMsg.delivery.DeliveryTag, false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Close cancels the persistent consumers and closes the pool
func (c *RabbitMQClientPooled) Close() error {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	for queueName, consumer := range c.consumers {
		if consumer.channel != nil {
			consumer.channel.Cancel("", false)
			c.pool.Return(consumer.channel)
		}
		delete(c.consumers, queueName)
	}

	return c.pool.Close()
}
