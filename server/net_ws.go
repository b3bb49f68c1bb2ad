package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 16

	// closeServerFull 世界连接数已满时的关闭码
	closeServerFull = 4003
)

// ClientConn 一个 websocket 连接：readPump 把帧投递进世界循环，writePump 从 Outbox 取帧写出
type ClientConn struct {
	ws      *websocket.Conn
	out     *Outbox
	world   *World
	id      string
	limiter *rate.Limiter // nil 表示不限流
	log     *zap.SugaredLogger
}

func newClientConn(ws *websocket.Conn, out *Outbox, world *World, id string, cfg WorldConfig, log *zap.SugaredLogger) *ClientConn {
	c := &ClientConn{
		ws:    ws,
		out:   out,
		world: world,
		id:    id,
		log:   log.With("conn", id),
	}
	if cfg.RatePerMinute > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), burst)
	}
	return c
}

// writePump 独立协程：Outbox 有数据时按序写出，定期发送 ping；Outbox 关闭后发送 close 帧退出
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.out.Notify():
			for _, msg := range c.out.Drain() {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.log.Debugf("write failed: %v", err)
					c.world.Disconnect(c.id)
					return
				}
			}
			if c.out.Closed() {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.world.Disconnect(c.id)
				return
			}
		}
	}
}

// readPump 读取客户端消息并投递给世界；退出即视为离开
func (c *ClientConn) readPump() {
	defer func() {
		c.world.Disconnect(c.id)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debugf("read failed: %v", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.limiter != nil && !c.limiter.Allow() {
			c.world.metrics.rateLimited.Inc()
			c.world.Reject(c.id, ErrRateLimited)
			continue
		}
		if !c.world.Receive(c.id, payload) {
			return
		}
	}
}

// HandleWS WebSocket 接入：/ws?world=main&key=secret
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	world, err := s.worlds.GetOrCreate(worldName(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade error: %v", err)
		return
	}

	out := NewOutbox(s.cfg.World.OutboxSize)
	id, err := world.Connect(out)
	if err != nil {
		code := websocket.CloseGoingAway
		if errors.Is(err, ErrWorldFull) {
			code = closeServerFull
		}
		s.log.Warnf("rejecting connection to %s from %s: %v", world.Name(), r.RemoteAddr, err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	c := newClientConn(ws, out, world, id, s.cfg.World, s.log)
	go c.writePump()
	go c.readPump()
}
