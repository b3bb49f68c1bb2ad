package server

import (
	"math"
	"sort"

	"clawrelay/protocol"
)

// View 某个连接的个性化视野
type View struct {
	Self     PlayerRecord
	Players  []NearbyPlayer
	Features []NearbyFeature
}

type NearbyPlayer struct {
	Record    PlayerRecord
	Distance  float64
	Direction protocol.Facing
}

type NearbyFeature struct {
	Feature   protocol.Feature
	Distance  float64
	Direction protocol.Facing
}

// InterestManager 按半径为每个连接筛选附近的玩家与静态物。
// 默认全量 O(N²) 扫描；store 启用网格索引后候选集缩小，结果不变
type InterestManager struct {
	store    *WorldStateStore
	features []protocol.Feature
}

func NewInterestManager(store *WorldStateStore) *InterestManager {
	return &InterestManager{store: store}
}

// SetFeatures 整体替换游戏层提供的静态物列表（只读，不归本组件所有）
func (m *InterestManager) SetFeatures(features []protocol.Feature) {
	m.features = append([]protocol.Feature(nil), features...)
}

func (m *InterestManager) Features() []protocol.Feature {
	return append([]protocol.Feature(nil), m.features...)
}

// ViewFor 计算 id 当前位置 radius（含边界）内的其他玩家和静态物，近者在前；
// id 没有玩家记录时返回 false
func (m *InterestManager) ViewFor(id string, radius float64) (View, bool) {
	self, ok := m.store.Get(id)
	if !ok {
		return View{}, false
	}
	v := View{Self: self}
	for _, p := range m.store.candidates(self.X, self.Y, radius) {
		if p.ID == id {
			continue
		}
		d := math.Hypot(p.X-self.X, p.Y-self.Y)
		if d > radius {
			continue
		}
		v.Players = append(v.Players, NearbyPlayer{
			Record:    p,
			Distance:  d,
			Direction: DirectionOf(p.X-self.X, p.Y-self.Y),
		})
	}
	sort.Slice(v.Players, func(i, j int) bool {
		a, b := v.Players[i], v.Players[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		return a.Record.ID < b.Record.ID
	})

	for _, f := range m.features {
		d := math.Hypot(f.X-self.X, f.Y-self.Y)
		if d > radius {
			continue
		}
		v.Features = append(v.Features, NearbyFeature{
			Feature:   f,
			Distance:  d,
			Direction: DirectionOf(f.X-self.X, f.Y-self.Y),
		})
	}
	sort.Slice(v.Features, func(i, j int) bool {
		a, b := v.Features[i], v.Features[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		return a.Feature.ID < b.Feature.ID
	})
	return v, true
}

// DirectionOf 偏移向量的主轴方向；恰好对角时取纵轴（y 向下为 south）
func DirectionOf(dx, dy float64) protocol.Facing {
	if math.Abs(dy) >= math.Abs(dx) {
		if dy < 0 {
			return protocol.North
		}
		return protocol.South
	}
	if dx < 0 {
		return protocol.West
	}
	return protocol.East
}

// Wire 转为对外结构，距离保留两位小数
func (v View) Wire() protocol.Nearby {
	out := protocol.Nearby{
		Players:  make([]protocol.NearbyPlayer, 0, len(v.Players)),
		Features: make([]protocol.NearbyFeature, 0, len(v.Features)),
	}
	for _, p := range v.Players {
		out.Players = append(out.Players, protocol.NearbyPlayer{
			Player:    p.Record.Wire(),
			Distance:  roundDistance(p.Distance),
			Direction: p.Direction,
		})
	}
	for _, f := range v.Features {
		out.Features = append(out.Features, protocol.NearbyFeature{
			Feature:   f.Feature,
			Distance:  roundDistance(f.Distance),
			Direction: f.Direction,
		})
	}
	return out
}

func roundDistance(d float64) float64 {
	return math.Round(d*100) / 100
}
