package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("channel pool is closed")

const defaultPoolSize = 10

// ChannelPool shares one AMQP connection between goroutines. AMQP channels
// are not safe for concurrent use, so each caller borrows its own.
type ChannelPool struct {
	conn     *amqp.Connection
	pool     chan *amqp.Channel // buffered channel acts as semaphore
	maxSize  int
	exchange string
	mu       sync.Mutex // guards closed
	closed   bool
}

// NewChannelPool creates a new channel pool
func NewChannelPool(url, exchange string, poolSize int) (*ChannelPool, error) {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	p := &ChannelPool{
		conn:     conn,
		pool:     make(chan *amqp.Channel, poolSize),
		maxSize:  poolSize,
		exchange: exchange,
	}

	for i := 0; i < poolSize; i++ {
		ch, err := p.createChannel()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create initial channel %d: %w", i, err)
		}
		p.pool <- ch
	}

	return p, nil
}

// createChannel opens a channel and declares the topic exchange on it
func (p *ChannelPool) createChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return ch, nil
}

// Get borrows a channel, blocking until one is free or ctx is done
func (p *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	select {
	case ch, ok := <-p.pool:
		if !ok {
			return nil, ErrPoolClosed
		}
		// A broker error closes the channel; replace it
		if ch.IsClosed() {
			slog.Warn("Replacing closed AMQP channel", "exchange", p.exchange)
			newCh, err := p.createChannel()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate closed channel: %w", err)
			}
			return newCh, nil
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return gives a borrowed channel back. Channels beyond capacity are closed.
func (p *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ch.Close()
		return
	}

	select {
	case p.pool <- ch:
	default:
		ch.Close()
	}
}

// With runs fn on a borrowed channel
func (p *ChannelPool) With(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	ch, err := p.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channel from pool: %w", err)
	}
	defer p.Return(ch)
	return fn(ch)
}

func (p *ChannelPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes all channels in pool and the connection
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	close(p.pool)
	for ch := range p.pool {
		if ch != nil && !ch.IsClosed() {
			ch.Close()
		}
	}

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}

	return nil
}

// Idle returns the number of channels not currently borrowed
func (p *ChannelPool) Idle() int {
	return len(p.pool)
}

func (p *ChannelPool) Capacity() int {
	return p.maxSize
}

// Exchange is the topic exchange every pooled channel publishes to
func (p *ChannelPool) Exchange() string {
	return p.exchange
}
