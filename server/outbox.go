package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"clawrelay/protocol"
)

// Outbox 单个连接的出站缓冲：
//   - 事件（加入/离开/聊天/结果等）按序排队，满则淘汰最旧一条并在下次发送时补发告警
//   - Tick 快照只保留最新一份，新快照直接覆盖旧快照
//
// World 循环写入，writePump 读取，二者通过互斥锁与 notify 通道协作
type Outbox struct {
	mu        sync.Mutex
	events    [][]byte
	snapshot  []byte
	maxEvents int
	dropped   int
	closed    bool

	notify chan struct{}
}

func NewOutbox(maxEvents int) *Outbox {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &Outbox{
		events:    make([][]byte, 0, 16),
		maxEvents: maxEvents,
		notify:    make(chan struct{}, 1),
	}
}

// PushEvent 追加事件；返回 true 表示为腾出空间淘汰了最旧事件
func (o *Outbox) PushEvent(b []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	evicted := false
	if len(o.events) >= o.maxEvents {
		o.events = o.events[1:]
		o.dropped++
		evicted = true
	}
	o.events = append(o.events, b)
	o.mu.Unlock()
	o.wake()
	return evicted
}

// SetSnapshot 替换待发快照；返回 true 表示覆盖了尚未发出的旧快照
func (o *Outbox) SetSnapshot(b []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	superseded := o.snapshot != nil
	o.snapshot = b
	o.mu.Unlock()
	o.wake()
	return superseded
}

// Drain 取出全部待发帧：溢出告警 → 事件（按序） → 最新快照
func (o *Outbox) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.events)
	if o.snapshot != nil {
		n++
	}
	if o.dropped > 0 {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([][]byte, 0, n)
	if o.dropped > 0 {
		out = append(out, overflowNotice(o.dropped))
		o.dropped = 0
	}
	out = append(out, o.events...)
	if o.snapshot != nil {
		out = append(out, o.snapshot)
	}
	o.events = o.events[:0:0]
	o.snapshot = nil
	return out
}

// Pending 当前排队的事件数（不含快照）
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

// Notify 有新数据可发时收到信号；关闭后通道不会再有信号，需配合 Closed 判断
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

// Close 标记关闭并唤醒写协程退出；可重复调用
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func overflowNotice(dropped int) []byte {
	b, _ := json.Marshal(protocol.Error{
		Type:    protocol.KindError,
		Message: fmt.Sprintf("outbox full: %d event(s) dropped", dropped),
	})
	return b
}
