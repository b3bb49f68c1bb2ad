package server

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"clawrelay/protocol"
)

// Connection 一个已接入的双工连接；只由 ConnectionRegistry 持有，其余组件只引用 ID
type Connection struct {
	ID           string
	Role         string
	Open         bool
	ConnectedAt  time.Time
	LastActivity time.Time

	out *Outbox
}

// ConnectionRegistry 为每个连接分配进程内唯一 ID，并在注销时同步级联清理
type ConnectionRegistry struct {
	conns map[string]*Connection
	hooks []func(id string, role string)

	newID func() string
	now   func() time.Time
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*Connection),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// OnUnregister 注册级联清理回调，按注册顺序同步执行
func (r *ConnectionRegistry) OnUnregister(fn func(id string, role string)) {
	r.hooks = append(r.hooks, fn)
}

// Register 登记新连接并返回其 ID（ID 由服务端分配，客户端无法指定）
func (r *ConnectionRegistry) Register(out *Outbox) string {
	id := r.newID()
	for _, exists := r.conns[id]; exists; _, exists = r.conns[id] {
		id = r.newID()
	}
	now := r.now()
	r.conns[id] = &Connection{
		ID:           id,
		Role:         protocol.RoleAgent,
		Open:         true,
		ConnectedAt:  now,
		LastActivity: now,
		out:          out,
	}
	return id
}

// Unregister 标记关闭并触发级联清理；未知或已注销的 ID 为 no-op
func (r *ConnectionRegistry) Unregister(id string) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.Open = false
	delete(r.conns, id)
	for _, fn := range r.hooks {
		fn(id, c.Role)
	}
	if c.out != nil {
		c.out.Close()
	}
	return true
}

func (r *ConnectionRegistry) IsOpen(id string) bool {
	c, ok := r.conns[id]
	return ok && c.Open
}

// Touch 刷新最近活跃时间
func (r *ConnectionRegistry) Touch(id string) {
	if c, ok := r.conns[id]; ok {
		c.LastActivity = r.now()
	}
}

func (r *ConnectionRegistry) SetRole(id, role string) {
	if c, ok := r.conns[id]; ok {
		c.Role = role
	}
}

func (r *ConnectionRegistry) Role(id string) string {
	if c, ok := r.conns[id]; ok {
		return c.Role
	}
	return ""
}

// Get 返回连接信息副本
func (r *ConnectionRegistry) Get(id string) (Connection, bool) {
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// IDs 返回所有在线连接 ID（排序，保证广播顺序稳定）
func (r *ConnectionRegistry) IDs() []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *ConnectionRegistry) Count() int {
	return len(r.conns)
}

func (r *ConnectionRegistry) outbox(id string) *Outbox {
	if c, ok := r.conns[id]; ok {
		return c.out
	}
	return nil
}
