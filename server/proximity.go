package server

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"clawrelay/protocol"
)

const maxChatRunes = 500

// ChatEvent 某位听者收到的一句话；distance 为说话时刻的距离
type ChatEvent struct {
	SpeakerID   string
	SpeakerName string
	Text        string
	Origin      protocol.Position
	Distance    float64
	At          time.Time
}

// Hearer 说话时刻位于听力半径内的连接
type Hearer struct {
	ID       string
	Distance float64
}

// TalkExchange 定向交谈请求，至多解决一次（应答或过期）
type TalkExchange struct {
	Token    string
	From     string
	To       string
	Payload  json.RawMessage
	Deadline time.Time
}

// ProximityMessenger 负责“谁能听到”与定向交谈的请求/应答配对
type ProximityMessenger struct {
	registry *ConnectionRegistry
	store    *WorldStateStore
	interest *InterestManager

	heard        map[string][]ChatEvent // 每个听者的有界历史，最旧的先淘汰
	historyLimit int
	historyTTL   time.Duration

	talks map[string]*TalkExchange

	newToken func() string
	now      func() time.Time
}

func NewProximityMessenger(registry *ConnectionRegistry, store *WorldStateStore, interest *InterestManager, historyLimit int, historyTTL time.Duration) *ProximityMessenger {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &ProximityMessenger{
		registry:     registry,
		store:        store,
		interest:     interest,
		heard:        make(map[string][]ChatEvent),
		historyLimit: historyLimit,
		historyTTL:   historyTTL,
		talks:        make(map[string]*TalkExchange),
		newToken:     uuid.NewString,
		now:          time.Now,
	}
}

// SanitizeText 去除首尾空白与控制字符，并按 rune 截断
func SanitizeText(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if max > 0 {
		if runes := []rune(s); len(runes) > max {
			s = strings.TrimSpace(string(runes[:max]))
		}
	}
	return s
}

// Speak 将一句话写入说话时刻听力半径内每位其他玩家的历史。
// 文本清洗后为空时静默丢弃，返回 ok=false
func (m *ProximityMessenger) Speak(id, text string, radius float64) (ChatEvent, []Hearer, bool, error) {
	text = SanitizeText(text, maxChatRunes)
	if text == "" {
		return ChatEvent{}, nil, false, nil
	}
	view, ok := m.interest.ViewFor(id, radius)
	if !ok {
		return ChatEvent{}, nil, false, ErrNotJoined
	}
	ev := ChatEvent{
		SpeakerID:   id,
		SpeakerName: view.Self.Name,
		Text:        text,
		Origin:      view.Self.Position(),
		At:          m.now(),
	}
	hearers := make([]Hearer, 0, len(view.Players))
	for _, p := range view.Players {
		heardEv := ev
		heardEv.Distance = p.Distance
		m.remember(p.Record.ID, heardEv)
		hearers = append(hearers, Hearer{ID: p.Record.ID, Distance: p.Distance})
	}
	return ev, hearers, true, nil
}

func (m *ProximityMessenger) remember(listener string, ev ChatEvent) {
	h := append(m.heard[listener], ev)
	if len(h) > m.historyLimit {
		h = h[len(h)-m.historyLimit:]
	}
	m.heard[listener] = h
}

// Heard 返回 listener 的近期历史，ago 以当前时刻重新计算；超过保留期的条目被清除
func (m *ProximityMessenger) Heard(listener string) []protocol.HeardEntry {
	now := m.now()
	h := m.heard[listener]
	if m.historyTTL > 0 {
		keep := h[:0]
		for _, ev := range h {
			if now.Sub(ev.At) <= m.historyTTL {
				keep = append(keep, ev)
			}
		}
		h = keep
		if len(h) == 0 {
			delete(m.heard, listener)
		} else {
			m.heard[listener] = h
		}
	}
	out := make([]protocol.HeardEntry, 0, len(h))
	for _, ev := range h {
		out = append(out, heardEntry(ev, now))
	}
	return out
}

func heardEntry(ev ChatEvent, now time.Time) protocol.HeardEntry {
	return protocol.HeardEntry{
		SpeakerID: ev.SpeakerID,
		Speaker:   ev.SpeakerName,
		Text:      ev.Text,
		Distance:  roundDistance(ev.Distance),
		Ago:       math.Round(now.Sub(ev.At).Seconds()*10) / 10,
	}
}

// RequestTalk 创建定向交谈；目标未连接时立即失败且不保留任何状态。
// talkRadius > 0 时双方都须有玩家记录且在半径内
func (m *ProximityMessenger) RequestTalk(from, to string, payload json.RawMessage, timeout time.Duration, talkRadius float64) (TalkExchange, error) {
	if to == "" {
		return TalkExchange{}, fmt.Errorf("targetId: %w", ErrMissingField)
	}
	if to == from || !m.registry.IsOpen(to) {
		return TalkExchange{}, ErrTargetUnavailable
	}
	if talkRadius > 0 {
		a, okA := m.store.Get(from)
		b, okB := m.store.Get(to)
		if !okA {
			return TalkExchange{}, ErrNotJoined
		}
		if !okB || math.Hypot(a.X-b.X, a.Y-b.Y) > talkRadius {
			return TalkExchange{}, ErrTargetOutOfRange
		}
	}
	ex := &TalkExchange{
		Token:    m.newToken(),
		From:     from,
		To:       to,
		Payload:  payload,
		Deadline: m.now().Add(timeout),
	}
	m.talks[ex.Token] = ex
	return *ex, nil
}

// RespondTalk 由被请求方应答；未知、已解决或非本人的 token 返回 ErrUnknownToken
func (m *ProximityMessenger) RespondTalk(responder, token string) (TalkExchange, error) {
	ex, ok := m.talks[token]
	if !ok || ex.To != responder {
		return TalkExchange{}, ErrUnknownToken
	}
	delete(m.talks, token)
	if m.now().After(ex.Deadline) {
		return TalkExchange{}, ErrUnknownToken
	}
	return *ex, nil
}

// ExpireTalk 截止时间到达时丢弃交谈；已解决则返回 false
func (m *ProximityMessenger) ExpireTalk(token string) bool {
	if _, ok := m.talks[token]; !ok {
		return false
	}
	delete(m.talks, token)
	return true
}

func (m *ProximityMessenger) PendingTalks() int {
	return len(m.talks)
}

// Forget 连接关闭时清除其听到的历史以及所有涉及它的交谈；
// 返回以它为目标、请求方仍需得到失败通知的交谈（按 token 排序）
func (m *ProximityMessenger) Forget(id string) []TalkExchange {
	delete(m.heard, id)
	var orphaned []TalkExchange
	for token, ex := range m.talks {
		if ex.From != id && ex.To != id {
			continue
		}
		delete(m.talks, token)
		if ex.To == id {
			orphaned = append(orphaned, *ex)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].Token < orphaned[j].Token })
	return orphaned
}
