package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"clawrelay/protocol"
)

const (
	maxNameRunes   = 20
	maxActionRunes = 64
)

var nameDisallowed = regexp.MustCompile(`[^\w\s-]`)

type handlerFunc func(id string, msg *protocol.Inbound) error

// dispatchTable 按消息种类分派；处理函数返回的错误原样作为 error 消息回给发送方
func (w *World) dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.KindIdentify:     w.handleIdentify,
		protocol.KindJoin:         w.handleIdentify,
		protocol.KindMove:         w.handleMove,
		protocol.KindChat:         w.handleChat,
		protocol.KindSay:          w.handleChat,
		protocol.KindTalkRequest:  w.handleTalkRequest,
		protocol.KindTalkResponse: w.handleTalkResponse,
		protocol.KindCommand:      w.handleCommand,
		protocol.KindResult:       w.handleResult,
		protocol.KindPing:         w.handlePing,
		protocol.KindGetState:     w.handleGetState,
		protocol.KindPlayers:      w.handlePlayers,
		protocol.KindLook:         w.handleLook,
		protocol.KindAction:       w.handleAction,
	}
}

// handle 解码并分派一帧；单个连接的错误输入不影响其他连接
func (w *World) handle(id string, data []byte) {
	if !w.registry.IsOpen(id) {
		return
	}
	w.registry.Touch(id)

	var msg protocol.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		w.metrics.messages.WithLabelValues("invalid").Inc()
		w.sendError(id, ErrInvalidMessage, "")
		return
	}
	h, ok := w.handlers[msg.Type]
	if !ok {
		w.metrics.messages.WithLabelValues("unknown").Inc()
		w.sendError(id, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type), "")
		return
	}
	w.metrics.messages.WithLabelValues(msg.Type).Inc()
	if err := h(id, &msg); err != nil {
		w.log.Debugf("%s from %s rejected: %v", msg.Type, id, err)
		w.sendError(id, err, msg.Token)
	}
}

// SanitizeName 只保留字母数字、空白、下划线和连字符，最多 20 个字符
func SanitizeName(s string) string {
	s = strings.TrimSpace(nameDisallowed.ReplaceAllString(s, ""))
	if runes := []rune(s); len(runes) > maxNameRunes {
		s = strings.TrimSpace(string(runes[:maxNameRunes]))
	}
	return s
}

// handleIdentify identify/join：创建或更新玩家记录；role=mutator 时接管命令执行。
// mutator 可以不带名字，此时不在世界中占位
func (w *World) handleIdentify(id string, msg *protocol.Inbound) error {
	nameless := msg.Role == protocol.RoleMutator && strings.TrimSpace(msg.Name) == ""
	name := SanitizeName(msg.Name)
	if !nameless {
		if name == "" {
			return ErrInvalidName
		}
		if w.store.NameTaken(name, id) {
			return fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
	}

	f := PlayerFields{Name: &name}
	if msg.Species != "" {
		f.Species = &msg.Species
	}
	if msg.Color != "" {
		f.Color = &msg.Color
	}
	if err := positionFields(msg, &f); err != nil {
		return err
	}

	switch msg.Role {
	case "", protocol.RoleAgent:
		if w.broker.Mutator() == id {
			return fmt.Errorf("%w: mutator cannot switch back to agent", ErrInvalidMessage)
		}
	case protocol.RoleMutator:
		if err := w.attachMutator(id); err != nil {
			return err
		}
		if nameless {
			w.pushState(id)
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}

	rec, created, err := w.store.Upsert(id, f)
	if err != nil {
		return err
	}
	if created {
		w.send(id, protocol.Joined{
			Type:    protocol.KindJoined,
			Player:  rec.Wire(),
			Players: w.playersWire(),
		})
		joined := protocol.PlayerJoined{Type: protocol.KindPlayerJoined, Player: rec.Wire()}
		w.broadcast(id, joined)
		w.publish(joined)
		w.metrics.players.Set(float64(w.store.Len()))
		w.log.Infof("player joined: %s (%s) at (%.0f,%.0f)", rec.Name, id, rec.X, rec.Y)
	}
	w.pushState(id)
	return nil
}

// attachMutator 让 id 成为 mutator：替换旧 mutator，并按提交顺序转发排队的命令
func (w *World) attachMutator(id string) error {
	out, err := w.broker.AttachMutator(id)
	if err != nil {
		return err
	}
	if out.Replaced != "" {
		w.failCommands(out.Failed, "game replaced before returning a result")
		w.send(out.Replaced, protocol.Error{
			Type:    protocol.KindError,
			Message: "replaced by another mutator, now an agent",
		})
		w.log.Warnf("mutator %s replaced by %s", out.Replaced, id)
	}
	for _, env := range out.Flushed {
		w.forward(env)
	}
	w.metrics.commandQueue.Set(0)
	w.log.Infof("mutator attached: %s, flushed %d queued command(s)", id, len(out.Flushed))
	return nil
}

func (w *World) handleMove(id string, msg *protocol.Inbound) error {
	if _, ok := w.store.Get(id); !ok {
		return ErrNotJoined
	}
	var f PlayerFields
	if err := positionFields(msg, &f); err != nil {
		return err
	}
	if f.X == nil && f.Y == nil && f.Facing == nil && f.Moving == nil {
		return fmt.Errorf("move: %w", ErrMissingField)
	}
	_, _, err := w.store.Upsert(id, f)
	return err
}

// positionFields 读取 position 或 x/y、direction、isMoving
func positionFields(msg *protocol.Inbound, f *PlayerFields) error {
	if msg.Position != nil {
		x, y := msg.Position.X, msg.Position.Y
		f.X, f.Y = &x, &y
	}
	if msg.X != nil {
		f.X = msg.X
	}
	if msg.Y != nil {
		f.Y = msg.Y
	}
	if msg.Direction != "" {
		facing, ok := protocol.ParseFacing(strings.ToLower(msg.Direction))
		if !ok {
			return fmt.Errorf("%w: unknown direction %q", ErrInvalidMessage, msg.Direction)
		}
		f.Facing = &facing
	}
	if msg.IsMoving != nil {
		f.Moving = msg.IsMoving
	}
	return nil
}

func (w *World) handleChat(id string, msg *protocol.Inbound) error {
	return w.speak(id, msg.Text)
}

// speak 即时推送 heard 给说话时刻半径内的听者；之后的 state 也会带上这句话
func (w *World) speak(id, text string) error {
	ev, hearers, ok, err := w.messenger.Speak(id, text, w.cfg.HearingRadius)
	if err != nil || !ok {
		return err
	}
	now := w.now()
	for _, h := range hearers {
		heardEv := ev
		heardEv.Distance = h.Distance
		w.send(h.ID, protocol.Heard{Type: protocol.KindHeard, HeardEntry: heardEntry(heardEv, now)})
	}
	w.publish(protocol.Heard{Type: protocol.KindHeard, HeardEntry: heardEntry(ev, now)})
	w.log.Debugf("%s said %q, heard by %d", ev.SpeakerName, ev.Text, len(hearers))
	return nil
}

func (w *World) handleTalkRequest(id string, msg *protocol.Inbound) error {
	timeout := w.cfg.talkTimeout()
	ex, err := w.messenger.RequestTalk(id, msg.TargetID, msg.Payload, timeout, w.cfg.TalkRadius)
	if err != nil {
		return err
	}
	w.send(ex.To, protocol.TalkRequest{
		Type:     protocol.KindTalkRequest,
		Token:    ex.Token,
		FromID:   id,
		FromName: w.nameOf(id),
		Payload:  ex.Payload,
	})
	token := ex.Token
	w.schedule(timeout, func() {
		if w.messenger.ExpireTalk(token) {
			w.log.Debugf("talk %s expired unanswered", token)
		}
	})
	return nil
}

func (w *World) handleTalkResponse(id string, msg *protocol.Inbound) error {
	if msg.Token == "" {
		return fmt.Errorf("token: %w", ErrMissingField)
	}
	ex, err := w.messenger.RespondTalk(id, msg.Token)
	if err != nil {
		return err
	}
	w.send(ex.From, protocol.TalkResponse{
		Type:     protocol.KindTalkResponse,
		Token:    ex.Token,
		FromID:   id,
		FromName: w.nameOf(id),
		Text:     SanitizeText(msg.Text, maxChatRunes),
	})
	return nil
}

// handleCommand agent 提交命令；"say <text>" 同时作为附近发言，无 mutator 时直接本地应答
func (w *World) handleCommand(id string, msg *protocol.Inbound) error {
	if w.broker.Mutator() == id {
		return ErrMutatorCannotQueue
	}
	text := strings.TrimSpace(msg.Command)
	if text == "" {
		text = strings.TrimSpace(msg.Text)
	}
	if text == "" {
		return fmt.Errorf("command: %w", ErrMissingField)
	}

	if len(text) > 4 && strings.EqualFold(text[:4], "say ") {
		speech := strings.TrimSpace(text[4:])
		if err := w.speak(id, speech); err != nil && !errors.Is(err, ErrNotJoined) {
			return err
		}
		if w.broker.State() == NoMutator {
			w.send(id, protocol.Result{
				Type:    protocol.KindResult,
				Success: true,
				Message: "You said: " + speech,
			})
			return nil
		}
	}

	out, err := w.broker.Submit(id, text)
	if err != nil {
		return err
	}
	if out.Evicted != nil {
		w.send(out.Evicted.Agent, protocol.Error{
			Type:    protocol.KindError,
			Message: ErrQueueFull.Error() + ", command dropped",
			Token:   out.Evicted.Token,
		})
		w.metrics.commands.WithLabelValues("evicted").Inc()
	}
	if out.Forwarded {
		w.forward(out.Envelope)
		return nil
	}
	w.send(id, protocol.Waiting{
		Type:     protocol.KindWaiting,
		Token:    out.Envelope.Token,
		Position: out.Position,
		Message:  "no game attached, command queued",
	})
	w.metrics.commands.WithLabelValues("queued").Inc()
	w.metrics.commandQueue.Set(float64(w.broker.QueueLen()))
	return nil
}

// forward 发给 mutator 并开始计时；超时未回结果按失败通知提交者
func (w *World) forward(env CommandEnvelope) {
	w.send(w.broker.Mutator(), protocol.Command{
		Type:      protocol.KindCommand,
		Token:     env.Token,
		Command:   env.Text,
		AgentID:   env.Agent,
		AgentName: w.nameOf(env.Agent),
	})
	w.metrics.commands.WithLabelValues("forwarded").Inc()
	token := env.Token
	w.schedule(w.cfg.commandTimeout(), func() {
		expired, ok := w.broker.Expire(token)
		if !ok {
			return
		}
		w.send(expired.Agent, protocol.Result{
			Type:    protocol.KindResult,
			Token:   token,
			Success: false,
			Message: "command timed out",
		})
		w.metrics.commands.WithLabelValues("expired").Inc()
		w.log.Warnf("command %s from %s timed out", token, expired.Agent)
	})
}

// handleResult 只有 mutator 可回填；未知或已解决的 token 记录后忽略
func (w *World) handleResult(id string, msg *protocol.Inbound) error {
	env, err := w.broker.Resolve(id, msg.Token)
	if errors.Is(err, ErrNotMutator) {
		return err
	}
	if err != nil {
		w.log.Infof("ignoring result for stale token %q from %s", msg.Token, id)
		w.metrics.commands.WithLabelValues("stale").Inc()
		return nil
	}
	w.send(env.Agent, protocol.Result{
		Type:    protocol.KindResult,
		Token:   env.Token,
		Success: msg.Success != nil && *msg.Success,
		Message: msg.Message,
		Payload: msg.Payload,
	})
	w.metrics.commands.WithLabelValues("resolved").Inc()
	return nil
}

func (w *World) handlePing(id string, _ *protocol.Inbound) error {
	w.send(id, protocol.Pong{Type: protocol.KindPong, Time: w.now().UnixMilli()})
	return nil
}

func (w *World) handleGetState(id string, _ *protocol.Inbound) error {
	w.pushState(id)
	return nil
}

func (w *World) handlePlayers(id string, _ *protocol.Inbound) error {
	w.send(id, protocol.Players{Type: protocol.KindPlayers, Players: w.playersWire()})
	return nil
}

func (w *World) handleLook(id string, _ *protocol.Inbound) error {
	view, ok := w.interest.ViewFor(id, w.cfg.LookRadius)
	if !ok {
		return ErrNotJoined
	}
	w.send(id, protocol.Surroundings{
		Type:     protocol.KindSurroundings,
		Position: view.Self.Position(),
		Nearby:   view.Wire(),
	})
	return nil
}

// handleAction 把动作转告视野半径内的其他玩家，不回显给发送方
func (w *World) handleAction(id string, msg *protocol.Inbound) error {
	action := SanitizeText(msg.Action, maxActionRunes)
	if action == "" {
		return fmt.Errorf("action: %w", ErrMissingField)
	}
	view, ok := w.interest.ViewFor(id, w.cfg.ViewRadius)
	if !ok {
		return ErrNotJoined
	}
	ev := protocol.PlayerAction{
		Type:     protocol.KindPlayerAction,
		PlayerID: id,
		Name:     view.Self.Name,
		Action:   action,
		Payload:  msg.Payload,
	}
	for _, p := range view.Players {
		seen := ev
		seen.Distance = roundDistance(p.Distance)
		w.send(p.Record.ID, seen)
	}
	w.publish(ev)
	return nil
}

func (w *World) nameOf(id string) string {
	if rec, ok := w.store.Get(id); ok {
		return rec.Name
	}
	return ""
}
