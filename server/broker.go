package server

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"clawrelay/protocol"
)

// BrokerState 命令代理状态
type BrokerState int

const (
	NoMutator BrokerState = iota
	Active
)

func (s BrokerState) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "NO_MUTATOR"
}

// CommandEnvelope 一条待执行命令；结果只回给提交者
type CommandEnvelope struct {
	Token       string
	Agent       string
	Text        string
	SubmittedAt time.Time
	ForwardedAt time.Time
}

// SubmitOutcome Submit 的结果
type SubmitOutcome struct {
	Envelope  CommandEnvelope
	Forwarded bool             // 已直接转发给 mutator
	Position  int              // 入队时在队列中的位置（从 1 开始）
	Evicted   *CommandEnvelope // 队列满时被挤出的最旧命令
}

// AttachOutcome 有连接成为 mutator 时的结果
type AttachOutcome struct {
	Flushed  []CommandEnvelope // 按提交顺序转发给新 mutator
	Replaced string            // 被替换的旧 mutator，空表示此前无 mutator
	Failed   []CommandEnvelope // 旧 mutator 未回结果的命令，归属不明，按失败处理
}

// CommandBroker 在唯一的 mutator 与多个 agent 之间转发命令并按 token 关联结果。
// 状态：NO_MUTATOR（入队等待） ↔ ACTIVE（直接转发）
type CommandBroker struct {
	registry *ConnectionRegistry
	mutator  string
	queue    []CommandEnvelope
	maxQueue int
	inflight map[string]CommandEnvelope

	newToken func() string
	now      func() time.Time
}

func NewCommandBroker(registry *ConnectionRegistry, maxQueue int) *CommandBroker {
	if maxQueue <= 0 {
		maxQueue = 64
	}
	return &CommandBroker{
		registry: registry,
		maxQueue: maxQueue,
		inflight: make(map[string]CommandEnvelope),
		newToken: uuid.NewString,
		now:      time.Now,
	}
}

func (b *CommandBroker) State() BrokerState {
	if b.mutator != "" {
		return Active
	}
	return NoMutator
}

func (b *CommandBroker) Mutator() string {
	return b.mutator
}

func (b *CommandBroker) QueueLen() int {
	return len(b.queue)
}

func (b *CommandBroker) InFlight() int {
	return len(b.inflight)
}

// Submit 提交命令：ACTIVE 时立即转发并记录 token→agent；否则入有界队列
func (b *CommandBroker) Submit(agent, text string) (SubmitOutcome, error) {
	if text == "" {
		return SubmitOutcome{}, fmt.Errorf("command: %w", ErrMissingField)
	}
	if !b.registry.IsOpen(agent) {
		return SubmitOutcome{}, fmt.Errorf("submit from %s: %w", agent, ErrUnknownConnection)
	}
	if agent == b.mutator {
		return SubmitOutcome{}, ErrMutatorCannotQueue
	}
	env := CommandEnvelope{
		Token:       b.newToken(),
		Agent:       agent,
		Text:        text,
		SubmittedAt: b.now(),
	}
	if b.State() == Active {
		env.ForwardedAt = b.now()
		b.inflight[env.Token] = env
		return SubmitOutcome{Envelope: env, Forwarded: true}, nil
	}

	out := SubmitOutcome{Envelope: env}
	if len(b.queue) >= b.maxQueue {
		evicted := b.queue[0]
		b.queue = b.queue[1:]
		out.Evicted = &evicted
	}
	b.queue = append(b.queue, env)
	out.Position = len(b.queue)
	return out, nil
}

// AttachMutator id 成为 mutator 并按提交顺序清空队列；已有 mutator 时将其替换
func (b *CommandBroker) AttachMutator(id string) (AttachOutcome, error) {
	if !b.registry.IsOpen(id) {
		return AttachOutcome{}, fmt.Errorf("attach %s: %w", id, ErrUnknownConnection)
	}
	var out AttachOutcome
	if b.mutator == id {
		return out, nil
	}
	if b.mutator != "" {
		out.Replaced = b.mutator
		out.Failed = b.drainInflight()
		b.registry.SetRole(b.mutator, protocol.RoleAgent)
	}
	b.mutator = id
	b.registry.SetRole(id, protocol.RoleMutator)
	// 新 mutator 此前若作为 agent 排过队，这些命令不再有提交者可回
	keep := b.queue[:0]
	for _, env := range b.queue {
		if env.Agent != id {
			keep = append(keep, env)
		}
	}
	now := b.now()
	for _, env := range keep {
		env.ForwardedAt = now
		b.inflight[env.Token] = env
		out.Flushed = append(out.Flushed, env)
	}
	b.queue = nil
	return out, nil
}

// ConnectionClosed 连接关闭时的级联：mutator 断开则转回 NO_MUTATOR 并返回在途命令（按失败处理）；
// agent 断开则丢弃其排队与在途命令
func (b *CommandBroker) ConnectionClosed(id string) (wasMutator bool, failed []CommandEnvelope) {
	if id == b.mutator {
		b.mutator = ""
		return true, b.drainInflight()
	}
	keep := b.queue[:0]
	for _, env := range b.queue {
		if env.Agent != id {
			keep = append(keep, env)
		}
	}
	b.queue = keep
	for token, env := range b.inflight {
		if env.Agent == id {
			delete(b.inflight, token)
		}
	}
	return false, nil
}

// Resolve 只有当前 mutator 可以回填结果；每个 token 仅解决一次
func (b *CommandBroker) Resolve(from, token string) (CommandEnvelope, error) {
	if b.mutator == "" || from != b.mutator {
		return CommandEnvelope{}, ErrNotMutator
	}
	env, ok := b.inflight[token]
	if !ok {
		return CommandEnvelope{}, ErrUnknownToken
	}
	delete(b.inflight, token)
	return env, nil
}

// Expire 在途命令超时；已解决或不存在返回 false
func (b *CommandBroker) Expire(token string) (CommandEnvelope, bool) {
	env, ok := b.inflight[token]
	if !ok {
		return CommandEnvelope{}, false
	}
	delete(b.inflight, token)
	return env, true
}

// drainInflight 取出全部在途命令，按提交时间排序
func (b *CommandBroker) drainInflight() []CommandEnvelope {
	if len(b.inflight) == 0 {
		return nil
	}
	out := make([]CommandEnvelope, 0, len(b.inflight))
	for _, env := range b.inflight {
		out = append(out, env)
	}
	b.inflight = make(map[string]CommandEnvelope)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}
