package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/sony/gobreaker"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("relay: connection closed")
	// ErrConnectionLost is reported by Err when the socket dropped.
	ErrConnectionLost = errors.New("relay: connection lost")
)

// ClientConfig configures the websocket relay client
type ClientConfig struct {
	URL              string        `json:"url"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	Breaker          struct {
		MaxFailures uint32        `json:"max_failures"` // Consecutive publish failures before opening
		OpenTimeout time.Duration `json:"open_timeout"` // Time spent open before probing again
	} `json:"breaker"`
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(url string) ClientConfig {
	cfg := ClientConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
	cfg.Breaker.MaxFailures = 5
	cfg.Breaker.OpenTimeout = 10 * time.Second
	return cfg
}

// Client is a Conn over a websocket to a relay Server.
type Client struct {
	conn   *websocket.Conn
	id     common.PeerID
	config ClientConfig
	subs   *subscriptions

	writeMu sync.Mutex
	breaker *gobreaker.CircuitBreaker

	closeOnce sync.Once
	done      chan struct{}
	err       error

	logger *slog.Logger
}

// Dial connects to the relay and waits for the welcome message carrying
// the assigned id.
func Dial(ctx context.Context, config ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else if config.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(config.HandshakeTimeout))
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	msg, err := decodeServerMessage(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if msg.kind != serverWelcome || msg.id == 0 {
		conn.Close()
		return nil, fmt.Errorf("relay: expected welcome, got message kind %d", msg.kind)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:   conn,
		id:     msg.id,
		config: config,
		subs:   newSubscriptions(),
		done:   make(chan struct{}),
		logger: logger.With("component", "relay_client", "peer_id", msg.id.String()),
	}

	maxFailures := config.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "relay-publish",
		Timeout: config.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("relay circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	go c.readLoop()

	c.logger.Info("connected to relay", "url", config.URL)
	return c, nil
}

func (c *Client) ID() common.PeerID { return c.id }

func (c *Client) Subscribe(topic string, h Handler) (func(), error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	id, first := c.subs.add(topic, h)
	if first {
		if err := c.write(encodeSubscribe(topic)); err != nil {
			c.subs.remove(topic, id)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.subs.remove(topic, id) {
				if err := c.write(encodeUnsubscribe(topic)); err != nil && !errors.Is(err, ErrClosed) {
					c.logger.Warn("failed to unsubscribe", "topic", topic, "error", err)
				}
			}
		})
	}, nil
}

// Publish goes through a circuit breaker so a wedged socket fails fast.
func (c *Client) Publish(topics []string, payload []byte) error {
	if len(topics) == 0 {
		return nil
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.write(encodePublish(topics, payload))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return common.WrapError(common.ErrCodeCircuitOpen, "relay publish rejected", err)
	}
	return err
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("relay connection lost", "error", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		if msgType != websocket.BinaryMessage {
			c.logger.Warn("protocol error: data is not binary")
			continue
		}

		msg, err := decodeServerMessage(data)
		if err != nil {
			c.logger.Warn("failed to decode relay message", "error", err)
			continue
		}
		if msg.kind != serverTopic {
			continue
		}
		c.subs.dispatch(msg.sender, msg.topic, msg.body)
	}
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Topics lists subscribed topics.
func (c *Client) Topics() []string {
	return c.subs.topics()
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.err = err
		close(c.done)
		c.writeMu.Unlock()
		c.conn.Close()
	})
}
