package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"clawrelay/protocol"
)

// WorldStateStore 世界中玩家记录的权威表，键为连接 ID
type WorldStateStore struct {
	registry *ConnectionRegistry
	players  map[string]*PlayerRecord
	grid     *spatialGrid // 可选，nil 时由调用方全量扫描

	now func() time.Time
}

// NewWorldStateStore gridCell > 0 时启用网格索引
func NewWorldStateStore(registry *ConnectionRegistry, gridCell float64) *WorldStateStore {
	s := &WorldStateStore{
		registry: registry,
		players:  make(map[string]*PlayerRecord),
		now:      time.Now,
	}
	if gridCell > 0 {
		s.grid = newSpatialGrid(gridCell)
	}
	return s
}

// Upsert 插入或更新记录；未注册（或已关闭）的连接不允许拥有记录
func (s *WorldStateStore) Upsert(id string, f PlayerFields) (PlayerRecord, bool, error) {
	if !s.registry.IsOpen(id) {
		return PlayerRecord{}, false, fmt.Errorf("upsert %s: %w", id, ErrUnknownConnection)
	}
	p, ok := s.players[id]
	created := !ok
	if created {
		p = &PlayerRecord{
			ID:     id,
			X:      defaultSpawnX,
			Y:      defaultSpawnY,
			Facing: protocol.South,
		}
		s.players[id] = p
	}
	p.apply(f)
	p.UpdatedAt = s.now()
	if s.grid != nil {
		s.grid.Place(id, p.X, p.Y)
	}
	return *p, created, nil
}

// Remove 删除记录，返回被删除的记录
func (s *WorldStateStore) Remove(id string) (PlayerRecord, bool) {
	p, ok := s.players[id]
	if !ok {
		return PlayerRecord{}, false
	}
	delete(s.players, id)
	if s.grid != nil {
		s.grid.Remove(id)
	}
	return *p, true
}

func (s *WorldStateStore) Get(id string) (PlayerRecord, bool) {
	p, ok := s.players[id]
	if !ok {
		return PlayerRecord{}, false
	}
	return *p, true
}

// Snapshot 返回只读副本（按 ID 排序），避免并发遍历时读到中间状态
func (s *WorldStateStore) Snapshot() []PlayerRecord {
	out := make([]PlayerRecord, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *WorldStateStore) Len() int {
	return len(s.players)
}

// candidates 返回可能位于 (x,y) 半径 r 内的记录；未启用网格时为全部记录
func (s *WorldStateStore) candidates(x, y, r float64) []PlayerRecord {
	if s.grid == nil {
		out := make([]PlayerRecord, 0, len(s.players))
		for _, p := range s.players {
			out = append(out, *p)
		}
		return out
	}
	ids := s.grid.Candidates(x, y, r)
	out := make([]PlayerRecord, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.players[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// NameTaken 名字是否已被其他连接占用（不区分大小写）
func (s *WorldStateStore) NameTaken(name, except string) bool {
	for id, p := range s.players {
		if id != except && strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}
