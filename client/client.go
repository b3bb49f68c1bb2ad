// Package client 是中继服务的重连客户端：断开 → 连接中 → 已连接，固定间隔重试，
// 每次收到新的 welcome 后重新 identify（服务端总会分配新的 ID）
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"clawrelay/protocol"
)

const DefaultBackoff = 3 * time.Second

var ErrNotConnected = errors.New("not connected")

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

type Options struct {
	// URL 例如 ws://localhost:8080/ws?world=main&key=secret
	URL string
	// Identify 每次 welcome 后自动发送；Type 为空时使用 identify
	Identify *protocol.Inbound
	// Backoff 断线后的固定重试间隔，默认 3s
	Backoff time.Duration
	// OnMessage 每个入站帧回调（在读协程中调用）
	OnMessage func(kind string, data []byte)
	// OnStateChange 状态变化回调
	OnStateChange func(State)

	Dialer *websocket.Dialer
	Logger *zap.SugaredLogger
}

type Client struct {
	opts Options

	state atomic.Int32

	mu   sync.Mutex // 保护 conn/id 以及 websocket 的并发写
	conn *websocket.Conn
	id   string
}

func New(opts Options) *Client {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Client{opts: opts}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// ID 当前会话的连接 ID；未连接时为空
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Send 序列化并发送一帧；未连接时返回 ErrNotConnected，不做缓存
func (c *Client) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Run 持续保持连接直到 ctx 结束
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.opts.Logger.Infof("disconnected (%v), reconnecting in %s", err, c.opts.Backoff)

		timer := time.NewTimer(c.opts.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	c.setState(Connecting)
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.opts.URL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.id = ""
		c.mu.Unlock()
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.opts.Logger.Warnf("ignoring malformed frame: %v", err)
			continue
		}
		if env.Type == protocol.KindWelcome {
			if err := c.welcomed(data); err != nil {
				return err
			}
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(env.Type, data)
		}
	}
}

// welcomed 记录新 ID 并重新 identify
func (c *Client) welcomed(data []byte) error {
	var w protocol.Welcome
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding welcome: %w", err)
	}
	c.mu.Lock()
	c.id = w.PlayerID
	c.mu.Unlock()
	c.setState(Connected)
	c.opts.Logger.Infof("connected to %s as %s", w.World, w.PlayerID)

	if c.opts.Identify == nil {
		return nil
	}
	msg := *c.opts.Identify
	if msg.Type == "" {
		msg.Type = protocol.KindIdentify
	}
	return c.Send(msg)
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}
