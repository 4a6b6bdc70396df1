package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// channel is the subset of *amqp.Channel the client uses, narrowed so tests
// can substitute a fake.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// connection is the subset of *amqp.Connection the client uses.
type connection interface {
	OpenChannel() (channel, error)
	Close() error
	IsClosed() bool
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) OpenChannel() (channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func defaultDial(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Client owns one process-local connection and channel to the broker and
// publishes envelopes to a durable topic exchange. Connection state moves
// disconnected -> connecting -> connected; any error or close notification
// drops it back to disconnected.
type Client struct {
	url      string
	exchange string
	log      *zap.SugaredLogger
	dial     func(string) (connection, error)

	mu       sync.Mutex
	conn     connection
	ch       channel
	inflight chan struct{} // non-nil while a connect attempt is underway
	lastErr  error
}

// NewClient constructs a disconnected client; the first Publish dials lazily.
func NewClient(url, exchange string, logger *zap.SugaredLogger) *Client {
	return &Client{
		url:      url,
		exchange: exchange,
		log:      logger,
		dial:     defaultDial,
	}
}

// Connect is idempotent: a no-op when connected, and concurrent callers
// share a single in-flight attempt instead of racing to open duplicates.
// It declares the durable topic exchange used for routing-key delivery.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil && c.ch != nil && !c.conn.IsClosed() {
		c.mu.Unlock()
		return nil
	}
	if c.inflight != nil {
		wait := c.inflight
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.lastErr
		c.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	c.inflight = done
	c.mu.Unlock()

	conn, ch, err := c.open()

	c.mu.Lock()
	c.lastErr = err
	if err == nil {
		c.conn = conn
		c.ch = ch
	}
	c.inflight = nil
	close(done)
	c.mu.Unlock()

	if err == nil {
		closes := conn.NotifyClose(make(chan *amqp.Error, 1))
		go c.watchClose(conn, closes)
		c.log.Infow("broker connected", "exchange", c.exchange)
	}
	return err
}

func (c *Client) open() (connection, channel, error) {
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.OpenChannel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %q: %w", c.exchange, err)
	}
	return conn, ch, nil
}

func (c *Client) watchClose(conn connection, closes chan *amqp.Error) {
	amqpErr, ok := <-closes
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ch = nil
	}
	c.mu.Unlock()
	if ok && amqpErr != nil {
		c.log.Warnw("broker connection lost", "error", amqpErr)
	}
}

// Publish sends body (the JSON envelope bytes) to the topic exchange under
// routingKey. Delivery is persistent so the message survives a broker
// restart, and a timestamp header records publish time. On a closed
// connection or channel the client invalidates its state, reconnects, and
// retries the publish exactly once before surfacing the error.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	err := c.publishOnce(ctx, routingKey, body)
	if err == nil || !isClosedErr(err) {
		return err
	}
	c.log.Warnw("publish hit closed connection, reconnecting", "routing_key", routingKey, "error", err)
	c.invalidate()
	if cerr := c.Connect(ctx); cerr != nil {
		return fmt.Errorf("reconnect: %w", cerr)
	}
	return c.publishOnce(ctx, routingKey, body)
}

func (c *Client) publishOnce(ctx context.Context, routingKey string, body []byte) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return amqp.ErrClosed
	}
	return ch.PublishWithContext(ctx, c.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Disconnect closes channel then connection, swallowing close errors but
// always leaving the client disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, ch := c.conn, c.ch
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()
	if ch != nil {
		if err := ch.Close(); err != nil {
			c.log.Warnw("close channel", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Warnw("close connection", "error", err)
		}
	}
	return nil
}

// IsConnected reports whether both the connection and channel are live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.ch != nil && !c.conn.IsClosed()
}

func (c *Client) invalidate() {
	c.mu.Lock()
	conn, ch := c.conn, c.ch
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// isClosedErr reports whether err indicates a closed connection or channel,
// the one class of failure worth a transparent reconnect-and-retry.
func isClosedErr(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}
	return false
}
