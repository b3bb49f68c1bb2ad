package server

import (
	"time"

	"clawrelay/protocol"
)

// 未指定初始位置时的出生点
const (
	defaultSpawnX = 744
	defaultSpawnY = 680
)

// PlayerRecord 完成 identify 的连接在世界中的记录（服务端只存储，不做物理校验）
type PlayerRecord struct {
	ID        string
	Name      string
	Species   string
	Color     string
	X         float64
	Y         float64
	Facing    protocol.Facing
	Moving    bool
	UpdatedAt time.Time
}

// PlayerFields 一次 upsert 携带的字段，nil 表示保持原值
type PlayerFields struct {
	Name    *string
	Species *string
	Color   *string
	X       *float64
	Y       *float64
	Facing  *protocol.Facing
	Moving  *bool
}

func (p PlayerRecord) Position() protocol.Position {
	return protocol.Position{X: p.X, Y: p.Y}
}

// Wire 转为对外结构
func (p PlayerRecord) Wire() protocol.Player {
	return protocol.Player{
		ID:       p.ID,
		Name:     p.Name,
		Species:  p.Species,
		Color:    p.Color,
		X:        p.X,
		Y:        p.Y,
		Facing:   p.Facing,
		IsMoving: p.Moving,
	}
}

func (p *PlayerRecord) apply(f PlayerFields) {
	if f.Name != nil {
		p.Name = *f.Name
	}
	if f.Species != nil {
		p.Species = *f.Species
	}
	if f.Color != nil {
		p.Color = *f.Color
	}
	if f.X != nil {
		p.X = *f.X
	}
	if f.Y != nil {
		p.Y = *f.Y
	}
	if f.Facing != nil {
		p.Facing = *f.Facing
	}
	if f.Moving != nil {
		p.Moving = *f.Moving
	}
}
