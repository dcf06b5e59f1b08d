// Package wsrelay: транспорт событий через websocket-relay (services/relay).
// Соединение восстанавливается само; после переподключения вызывается хук (обычно Resync).
package wsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/phonemesh/internal/delivery"
	"github.com/phonemesh/internal/event"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/ws"
)

type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	Dialer          *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 15 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Client реализует delivery.Publisher поверх одного websocket-соединения с relay.
type Client struct {
	url      string
	clientID string
	opts     Options

	mu          sync.Mutex
	conn        *websocket.Conn
	handlers    delivery.Handlers
	onReconnect func()

	// writeMu — gorilla допускает одного писателя на соединение.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan struct{}
	once   sync.Once
}

var _ delivery.Publisher = (*Client)(nil)

// New готовит клиента; соединение открывает Start. relayURL: адрес ws-эндпоинта relay.
func New(relayURL, clientID string, opts Options) (*Client, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("wsrelay.New: %w", err)
	}
	q := u.Query()
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()
	return &Client{
		url:      u.String(),
		clientID: clientID,
		opts:     opts.withDefaults(),
		ready:    make(chan struct{}),
	}, nil
}

// OnReconnect задаёт хук, вызываемый после каждого восстановления соединения (не после первого).
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// Start запускает цикл подключения. Relay может быть недоступен: клиент работает офлайн,
// пока соединение не поднимется.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run()
}

// WaitConnected ждёт первого соединения.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected: есть ли живое соединение.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) run() {
	defer c.wg.Done()
	first := true
	for {
		conn, err := c.dial()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conn = conn
		hook := c.onReconnect
		c.mu.Unlock()
		c.once.Do(func() { close(c.ready) })
		logger.Infof("wsrelay %s: connected", c.clientID)
		if !first && hook != nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				hook()
			}()
		}
		first = false

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		if c.ctx.Err() != nil {
			return
		}
		logger.Infof("wsrelay %s: connection lost, reconnecting", c.clientID)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	return backoff.Retry(c.ctx, func() (*websocket.Conn, error) {
		conn, _, err := c.opts.Dialer.DialContext(c.ctx, c.url, nil)
		return conn, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("wsrelay %s: dial failed, retry in %v: %v", c.clientID, d, err)
		}),
	)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(c.opts.MaxMessageSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("wsrelay %s: read: %v", c.clientID, err)
			}
			return
		}
		var frame ws.OutgoingFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Errorf("wsrelay %s: malformed frame: %v", c.clientID, err)
			continue
		}
		switch frame.Type {
		case ws.FrameError:
			logger.Errorf("wsrelay %s: relay error: %s", c.clientID, frame.Error)
		case ws.FrameEvent:
			env, err := event.Decode(frame.Envelope)
			if err != nil {
				logger.Errorf("wsrelay %s: decode from %s: %v", c.clientID, frame.From, err)
				continue
			}
			c.dispatch(env)
		}
	}
}

func (c *Client) dispatch(env event.Envelope) {
	c.mu.Lock()
	handlers := c.handlers.Snapshot()
	c.mu.Unlock()
	for _, h := range handlers {
		h(c.ctx, env)
	}
}

func (c *Client) write(to string, env event.Envelope) error {
	data, err := event.Encode(env)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(ws.IncomingFrame{To: to, Envelope: data})
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return delivery.ErrDeliveryDropped
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return fmt.Errorf("%w: %w", delivery.ErrDeliveryDropped, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %w", delivery.ErrDeliveryDropped, err)
	}
	return nil
}

// Publish — всем остальным клиентам relay.
func (c *Client) Publish(ctx context.Context, env event.Envelope) error {
	if err := c.write("", env); err != nil {
		return fmt.Errorf("wsrelay.Publish %s: %w", env.Type, err)
	}
	return nil
}

// SendTo: одному клиенту. Relay сообщает об отсутствии получателя асинхронно (кадр error).
func (c *Client) SendTo(ctx context.Context, clientID string, env event.Envelope) error {
	if err := c.write(clientID, env); err != nil {
		return fmt.Errorf("wsrelay.SendTo %s: %w", clientID, err)
	}
	return nil
}

func (c *Client) Subscribe(h delivery.Handler) func() {
	c.mu.Lock()
	id := c.handlers.Add(h)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handlers.Remove(id)
		c.mu.Unlock()
	}
}

// Close закрывает соединение и ждёт остановки цикла.
func (c *Client) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	return nil
}
