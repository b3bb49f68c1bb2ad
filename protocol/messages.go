// Package protocol 定义中继服务与客户端之间的 JSON 文本帧（每帧一个对象，type 区分种类）
package protocol

import "encoding/json"

// 入站消息种类
const (
	KindIdentify     = "identify"
	KindJoin         = "join"
	KindMove         = "move"
	KindChat         = "chat"
	KindSay          = "say"
	KindTalkRequest  = "talk_request"
	KindTalkResponse = "talk_response"
	KindCommand      = "command"
	KindResult       = "result"
	KindPing         = "ping"
	KindGetState     = "get_state"
	KindPlayers      = "players"
	KindLook         = "look"
	KindAction       = "action"
)

// 出站消息种类（talk_request/talk_response/command/result/players 与入站同名）
const (
	KindWelcome          = "welcome"
	KindJoined           = "joined"
	KindState            = "state"
	KindPlayerJoined     = "player_joined"
	KindPlayerLeft       = "player_left"
	KindHeard            = "heard"
	KindWaiting          = "waiting"
	KindGameDisconnected = "game_disconnected"
	KindError            = "error"
	KindPong             = "pong"
	KindSurroundings     = "surroundings"
	KindPlayerAction     = "player_action"
)

// 角色：一个世界内至多一个 mutator，其余均为 agent
const (
	RoleAgent   = "agent"
	RoleMutator = "mutator"
)

// Facing 朝向（四方向）
type Facing string

const (
	North Facing = "north"
	South Facing = "south"
	East  Facing = "east"
	West  Facing = "west"
)

// ParseFacing 接受 north/up/n 等别名，无法识别时返回 false
func ParseFacing(s string) (Facing, bool) {
	switch s {
	case "north", "up", "n":
		return North, true
	case "south", "down", "s":
		return South, true
	case "east", "right", "e":
		return East, true
	case "west", "left", "w":
		return West, true
	}
	return "", false
}

// Position 世界坐标（y 向下增长）
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Inbound 所有入站消息共用的扁平结构，字段按 type 取用
type Inbound struct {
	Type string `json:"type"`

	// identify / join
	Name     string    `json:"name,omitempty"`
	Species  string    `json:"species,omitempty"`
	Color    string    `json:"color,omitempty"`
	Role     string    `json:"role,omitempty"`
	Position *Position `json:"position,omitempty"`

	// move（也可用于 join 的初始位置）
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Direction string   `json:"direction,omitempty"`
	IsMoving  *bool    `json:"isMoving,omitempty"`

	// chat / talk_response
	Text string `json:"text,omitempty"`

	// talk_request
	TargetID string          `json:"targetId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// talk_response / result
	Token string `json:"token,omitempty"`

	// command
	Command string `json:"command,omitempty"`

	// action（payload 与 talk_request 共用）
	Action string `json:"action,omitempty"`

	// result
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// Player 对外可见的玩家记录
type Player struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Species  string  `json:"species,omitempty"`
	Color    string  `json:"color,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Facing   Facing  `json:"facing"`
	IsMoving bool    `json:"isMoving"`
}

// NearbyPlayer 带距离与相对方向的附近玩家
type NearbyPlayer struct {
	Player
	Distance  float64 `json:"distance"`
	Direction Facing  `json:"direction"`
}

// Feature 由游戏层提供的静态物/NPC（只读）
type Feature struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Kind string          `json:"kind,omitempty"`
	X    float64         `json:"x"`
	Y    float64         `json:"y"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NearbyFeature 带距离与相对方向的附近静态物
type NearbyFeature struct {
	Feature
	Distance  float64 `json:"distance"`
	Direction Facing  `json:"direction"`
}

// Nearby 个性化视野
type Nearby struct {
	Players  []NearbyPlayer  `json:"players"`
	Features []NearbyFeature `json:"features"`
}

// HeardEntry 听到的一句话，ago 为发送时刻重新计算的秒数
type HeardEntry struct {
	SpeakerID string  `json:"speakerId"`
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	Distance  float64 `json:"distance"`
	Ago       float64 `json:"ago"`
}

type Welcome struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	World    string `json:"world"`
	Message  string `json:"message,omitempty"`
}

type Joined struct {
	Type    string   `json:"type"`
	Player  Player   `json:"player"`
	Players []Player `json:"players"`
}

type State struct {
	Type            string       `json:"type"`
	Tick            int64        `json:"tick"`
	Self            *Player      `json:"self,omitempty"`
	Nearby          Nearby       `json:"nearby"`
	Heard           []HeardEntry `json:"heard"`
	MutatorAttached bool         `json:"mutatorAttached"`
}

type PlayerJoined struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

type PlayerLeft struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	Name     string `json:"name,omitempty"`
}

type Heard struct {
	Type string `json:"type"`
	HeardEntry
}

type TalkRequest struct {
	Type     string          `json:"type"`
	Token    string          `json:"token"`
	FromID   string          `json:"fromId"`
	FromName string          `json:"fromName"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type TalkResponse struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	FromID   string `json:"fromId"`
	FromName string `json:"fromName"`
	Text     string `json:"text"`
}

// Waiting 命令已入队（无 mutator 在线）
type Waiting struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Position int    `json:"position,omitempty"`
	Message  string `json:"message"`
}

// Command 转发给 mutator 的命令
type Command struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	Command   string `json:"command"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
}

// Result 命令结果，只投递给提交者
type Result struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PlayerAction 附近玩家的动作（交互、进入等），只投递给视野半径内的连接
type PlayerAction struct {
	Type     string          `json:"type"`
	PlayerID string          `json:"playerId"`
	Name     string          `json:"name"`
	Action   string          `json:"action"`
	Distance float64         `json:"distance"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type GameDisconnected struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Token   string `json:"token,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
}

type Players struct {
	Type    string   `json:"type"`
	Players []Player `json:"players"`
}

type Surroundings struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Nearby
}

// Envelope 仅用于读取 type 字段再二次解码
type Envelope struct {
	Type string `json:"type"`
}
