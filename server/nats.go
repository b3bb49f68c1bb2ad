package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"clawrelay/protocol"
)

// EmbeddedNats 进程内 NATS 服务，未配置外部地址时使用
type EmbeddedNats struct {
	ns *natsserver.Server

	startupTimeout time.Duration
	host           string
	port           int
}

type EmbeddedNatsOpt func(*EmbeddedNats)

func WithNatsHost(host string) EmbeddedNatsOpt {
	return func(n *EmbeddedNats) { n.host = host }
}

// WithNatsPort 0 使用 NATS 默认端口，natsserver.RANDOM_PORT 随机分配
func WithNatsPort(port int) EmbeddedNatsOpt {
	return func(n *EmbeddedNats) { n.port = port }
}

func WithNatsStartupTimeout(d time.Duration) EmbeddedNatsOpt {
	return func(n *EmbeddedNats) { n.startupTimeout = d }
}

func NewEmbeddedNats(opts ...EmbeddedNatsOpt) (*EmbeddedNats, error) {
	n := &EmbeddedNats{
		startupTimeout: 10 * time.Second,
		host:           "127.0.0.1",
	}
	for _, opt := range opts {
		opt(n)
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   n.host,
		Port:   n.port,
		NoSigs: true, // 信号由进程自己处理
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}
	n.ns = ns
	return n, nil
}

// Start 启动并等待可接受连接
func (n *EmbeddedNats) Start() error {
	n.ns.Start()
	if !n.ns.ReadyForConnections(n.startupTimeout) {
		n.ns.Shutdown()
		return fmt.Errorf("nats server not ready for connections")
	}
	return nil
}

func (n *EmbeddedNats) ClientURL() string {
	return n.ns.ClientURL()
}

func (n *EmbeddedNats) Shutdown() {
	n.ns.Shutdown()
	n.ns.WaitForShutdown()
}

// NatsBridge 世界与 NATS 之间的桥：
// 世界事件发布到 <prefix>.<world>.events，从 <prefix>.<world>.features 接收静态物列表（只更新已存在的世界）
type NatsBridge struct {
	conn   *nats.Conn
	prefix string
	worlds *WorldManager
	log    *zap.SugaredLogger

	sub *nats.Subscription
}

func NewNatsBridge(conn *nats.Conn, prefix string, worlds *WorldManager, log *zap.SugaredLogger) *NatsBridge {
	return &NatsBridge{
		conn:   conn,
		prefix: prefix,
		worlds: worlds,
		log:    log,
	}
}

func (b *NatsBridge) EventsSubject(world string) string {
	return b.prefix + "." + world + ".events"
}

func (b *NatsBridge) FeaturesSubject(world string) string {
	return b.prefix + "." + world + ".features"
}

// Start 订阅所有世界的静态物更新
func (b *NatsBridge) Start() error {
	sub, err := b.conn.Subscribe(b.FeaturesSubject("*"), b.handleFeatures)
	if err != nil {
		return fmt.Errorf("subscribing to features: %w", err)
	}
	b.sub = sub
	b.log.Infof("nats bridge subscribed to %s", sub.Subject)
	return nil
}

// Close 取消订阅并冲刷待发消息；连接本身由调用方关闭
func (b *NatsBridge) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribing: %w", err)
		}
	}
	return b.conn.Flush()
}

// PublishEvent 实现 EventSink；发布失败只记日志，不影响世界循环
func (b *NatsBridge) PublishEvent(world string, data []byte) {
	if err := b.conn.Publish(b.EventsSubject(world), data); err != nil {
		b.log.Warnf("publishing %s event: %v", world, err)
	}
}

func (b *NatsBridge) handleFeatures(msg *nats.Msg) {
	world := strings.TrimSuffix(strings.TrimPrefix(msg.Subject, b.prefix+"."), ".features")
	var features []protocol.Feature
	if err := json.Unmarshal(msg.Data, &features); err != nil {
		b.log.Warnf("invalid feature list on %s: %v", msg.Subject, err)
		b.reply(msg, map[string]any{"ok": false, "error": "invalid json"})
		return
	}
	w, ok := b.worlds.Get(world)
	if !ok {
		b.reply(msg, map[string]any{"ok": false, "error": ErrUnknownWorld.Error()})
		return
	}
	if !w.SetFeatures(features) {
		b.reply(msg, map[string]any{"ok": false, "error": ErrWorldStopped.Error()})
		return
	}
	b.reply(msg, map[string]any{"ok": true, "features": len(features)})
}

func (b *NatsBridge) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(v)
	if err := msg.Respond(data); err != nil {
		b.log.Debugf("replying on %s: %v", msg.Reply, err)
	}
}
