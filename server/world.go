package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"clawrelay/protocol"
)

// EventSink 接收世界事件的外部订阅方（例如 NATS 桥）；在世界循环内调用，不得阻塞
type EventSink interface {
	PublishEvent(world string, data []byte)
}

// World 一个世界实例：所有组件状态只在 run 协程内读写，
// 读协程通过 ops 通道投递闭包，保证同一连接的消息按到达顺序处理
type World struct {
	name    string
	cfg     WorldConfig
	log     *zap.SugaredLogger
	metrics worldMetrics
	sink    EventSink

	registry  *ConnectionRegistry
	store     *WorldStateStore
	interest  *InterestManager
	messenger *ProximityMessenger
	broker    *CommandBroker
	handlers  map[string]handlerFunc

	ops      chan func()
	done     chan struct{}
	stopped  chan struct{}
	startOne sync.Once
	stopOne  sync.Once

	tickSeq int64
	now     func() time.Time
	// schedule 在 d 之后把 fn 投递回世界循环；测试中替换为手动触发
	schedule func(d time.Duration, fn func())
}

// NewWorld 创建世界；metrics 为 nil 时使用独立的私有注册表
func NewWorld(name string, cfg WorldConfig, log *zap.SugaredLogger, metrics *Metrics) *World {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	registry := NewConnectionRegistry()
	store := NewWorldStateStore(registry, cfg.GridCell)
	interest := NewInterestManager(store)

	w := &World{
		name:      name,
		cfg:       cfg,
		log:       log.With("world", name),
		metrics:   metrics.forWorld(name),
		registry:  registry,
		store:     store,
		interest:  interest,
		messenger: NewProximityMessenger(registry, store, interest, cfg.HeardHistory, cfg.heardTTL()),
		broker:    NewCommandBroker(registry, cfg.CommandQueue),
		ops:       make(chan func(), 1024),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		now:       time.Now,
	}
	w.schedule = func(d time.Duration, fn func()) {
		time.AfterFunc(d, func() { w.post(fn) })
	}
	w.handlers = w.dispatchTable()
	registry.OnUnregister(w.connectionClosed)
	return w
}

func (w *World) Name() string {
	return w.name
}

// SetEventSink 需在 Start 之前调用
func (w *World) SetEventSink(sink EventSink) {
	w.sink = sink
}

// Start 启动世界循环与 Tick，重复调用无效
func (w *World) Start() {
	w.startOne.Do(func() {
		go w.run()
	})
}

// Stop 关闭所有连接并等待循环退出
func (w *World) Stop() {
	w.stopOne.Do(func() {
		close(w.done)
	})
	w.startOne.Do(func() { close(w.stopped) })
	<-w.stopped
}

func (w *World) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.cfg.tickInterval())
	defer ticker.Stop()
	w.log.Infof("world started, tick=%s", w.cfg.tickInterval())
	for {
		select {
		case fn := <-w.ops:
			fn()
		case <-ticker.C:
			w.tick()
		case <-w.done:
			for _, id := range w.registry.IDs() {
				w.registry.Unregister(id)
			}
			w.log.Info("world stopped")
			return
		}
	}
}

// post 投递到世界循环；世界已停止时返回 false
func (w *World) post(fn func()) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.ops <- fn:
		return true
	case <-w.done:
		return false
	}
}

// call 投递并等待执行完成
func (w *World) call(fn func()) bool {
	finished := make(chan struct{})
	if !w.post(func() {
		fn()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-w.done:
		return false
	}
}

// Connect 登记新连接并发送 welcome；超过连接上限返回 ErrWorldFull
func (w *World) Connect(out *Outbox) (string, error) {
	var (
		id  string
		err error
	)
	if !w.call(func() { id, err = w.connect(out) }) {
		return "", ErrWorldStopped
	}
	return id, err
}

func (w *World) connect(out *Outbox) (string, error) {
	if w.registry.Count() >= w.cfg.MaxConnections {
		return "", ErrWorldFull
	}
	id := w.registry.Register(out)
	w.metrics.connections.Set(float64(w.registry.Count()))
	w.send(id, protocol.Welcome{
		Type:     protocol.KindWelcome,
		PlayerID: id,
		World:    w.name,
		Message:  "connected, identify to join",
	})
	w.log.Debugf("connection opened: %s", id)
	return id, nil
}

// Disconnect 传输层断开即视为离开
func (w *World) Disconnect(id string) {
	w.post(func() {
		if w.registry.Unregister(id) {
			w.log.Debugf("connection closed: %s", id)
		}
	})
}

// Receive 投递一帧入站消息
func (w *World) Receive(id string, data []byte) bool {
	return w.post(func() { w.handle(id, data) })
}

// Reject 从循环外向连接回一条 error（例如限流）
func (w *World) Reject(id string, err error) {
	w.post(func() {
		if w.registry.IsOpen(id) {
			w.sendError(id, err, "")
		}
	})
}

// SetFeatures 整体替换静态物列表
func (w *World) SetFeatures(features []protocol.Feature) bool {
	return w.call(func() {
		w.interest.SetFeatures(features)
		w.log.Infof("features replaced: %d", len(features))
	})
}

// Players 已加入世界的玩家
func (w *World) Players() []protocol.Player {
	var out []protocol.Player
	w.call(func() { out = w.playersWire() })
	return out
}

// WorldStatus /health 输出
type WorldStatus struct {
	World           string `json:"world"`
	Tick            int64  `json:"tick"`
	Connections     int    `json:"connections"`
	Players         int    `json:"players"`
	Features        int    `json:"features"`
	Broker          string `json:"broker"`
	MutatorAttached bool   `json:"mutatorAttached"`
	QueuedCommands  int    `json:"queuedCommands"`
	InFlight        int    `json:"inFlight"`
	PendingTalks    int    `json:"pendingTalks"`
}

func (w *World) Status() WorldStatus {
	st := WorldStatus{World: w.name}
	w.call(func() {
		st.Tick = w.tickSeq
		st.Connections = w.registry.Count()
		st.Players = w.store.Len()
		st.Features = len(w.interest.features)
		st.Broker = w.broker.State().String()
		st.MutatorAttached = w.broker.State() == Active
		st.QueuedCommands = w.broker.QueueLen()
		st.InFlight = w.broker.InFlight()
		st.PendingTalks = w.messenger.PendingTalks()
	})
	return st
}

// RadiusConfig 运行期可热更新的半径，nil 表示不修改
type RadiusConfig struct {
	ViewRadius    *float64 `json:"viewRadius,omitempty"`
	LookRadius    *float64 `json:"lookRadius,omitempty"`
	HearingRadius *float64 `json:"hearingRadius,omitempty"`
	TalkRadius    *float64 `json:"talkRadius,omitempty"`
}

func (w *World) Radii() RadiusConfig {
	var out RadiusConfig
	w.call(func() {
		cfg := w.cfg
		out = RadiusConfig{
			ViewRadius:    &cfg.ViewRadius,
			LookRadius:    &cfg.LookRadius,
			HearingRadius: &cfg.HearingRadius,
			TalkRadius:    &cfg.TalkRadius,
		}
	})
	return out
}

// UpdateRadii 校验后整体生效；任一字段非法时不做任何修改
func (w *World) UpdateRadii(patch RadiusConfig) error {
	var err error
	ok := w.call(func() {
		next := w.cfg
		if patch.ViewRadius != nil {
			next.ViewRadius = *patch.ViewRadius
		}
		if patch.LookRadius != nil {
			next.LookRadius = *patch.LookRadius
		}
		if patch.HearingRadius != nil {
			next.HearingRadius = *patch.HearingRadius
		}
		if patch.TalkRadius != nil {
			next.TalkRadius = *patch.TalkRadius
		}
		if err = next.Validate(); err != nil {
			return
		}
		w.cfg = next
		w.log.Infof("radii updated: view=%.1f look=%.1f hearing=%.1f talk=%.1f",
			next.ViewRadius, next.LookRadius, next.HearingRadius, next.TalkRadius)
	})
	if !ok {
		return ErrWorldStopped
	}
	return err
}

// connectionClosed 注销级联：移除玩家记录、聊天/交谈状态、命令，并通知其他连接
func (w *World) connectionClosed(id, role string) {
	rec, hadRecord := w.store.Remove(id)
	orphaned := w.messenger.Forget(id)
	wasMutator, failed := w.broker.ConnectionClosed(id)

	for _, ex := range orphaned {
		w.sendError(ex.From, ErrTargetUnavailable, ex.Token)
	}

	if hadRecord {
		left := protocol.PlayerLeft{Type: protocol.KindPlayerLeft, PlayerID: id, Name: rec.Name}
		w.broadcast("", left)
		w.publish(left)
		w.log.Infof("player left: %s (%s)", rec.Name, id)
	}
	if wasMutator {
		w.failCommands(failed, "game disconnected before returning a result")
		notice := protocol.GameDisconnected{
			Type:    protocol.KindGameDisconnected,
			Message: "game disconnected, commands will be queued until it returns",
		}
		w.broadcast("", notice)
		w.publish(notice)
		w.log.Warnf("mutator %s disconnected, %d in-flight command(s) failed", id, len(failed))
	}
	w.metrics.connections.Set(float64(w.registry.Count()))
	w.metrics.players.Set(float64(w.store.Len()))
	w.metrics.commandQueue.Set(float64(w.broker.QueueLen()))
}

func (w *World) failCommands(envs []CommandEnvelope, reason string) {
	for _, env := range envs {
		w.send(env.Agent, protocol.Result{
			Type:    protocol.KindResult,
			Token:   env.Token,
			Success: false,
			Message: reason,
		})
		w.metrics.commands.WithLabelValues("failed").Inc()
	}
}

// send 向单个连接推送事件；连接不存在时丢弃
func (w *World) send(id string, v any) {
	out := w.registry.outbox(id)
	if out == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		w.log.Errorf("marshal %T: %v", v, err)
		return
	}
	if out.PushEvent(b) {
		w.metrics.eventsDropped.Inc()
	}
}

// broadcast 推送给除 except 外的所有连接，只序列化一次
func (w *World) broadcast(except string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.log.Errorf("marshal %T: %v", v, err)
		return
	}
	for _, id := range w.registry.IDs() {
		if id == except {
			continue
		}
		if out := w.registry.outbox(id); out != nil && out.PushEvent(b) {
			w.metrics.eventsDropped.Inc()
		}
	}
}

func (w *World) sendError(id string, err error, token string) {
	w.send(id, protocol.Error{Type: protocol.KindError, Message: err.Error(), Token: token})
}

func (w *World) publish(v any) {
	if w.sink == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		w.log.Errorf("marshal %T: %v", v, err)
		return
	}
	w.sink.PublishEvent(w.name, b)
}

func (w *World) playersWire() []protocol.Player {
	recs := w.store.Snapshot()
	out := make([]protocol.Player, 0, len(recs))
	for _, p := range recs {
		out = append(out, p.Wire())
	}
	return out
}

func (w *World) String() string {
	return fmt.Sprintf("world(%s)", w.name)
}
