package server

import "math"

// spatialGrid 均匀网格索引：按截断坐标分桶，查询返回覆盖半径的所有桶内候选，
// 由调用方再做精确距离过滤。只在 World 循环内访问，无锁
type spatialGrid struct {
	cell  float64
	cells map[gridKey]map[string]struct{}
	where map[string]gridKey
}

type gridKey struct {
	cx int64
	cy int64
}

func newSpatialGrid(cell float64) *spatialGrid {
	return &spatialGrid{
		cell:  cell,
		cells: make(map[gridKey]map[string]struct{}),
		where: make(map[string]gridKey),
	}
}

// maxGridCoord 桶坐标的截断范围；超出 int64 的浮点转换结果依平台而定
const maxGridCoord = 1 << 62

func (g *spatialGrid) key(x, y float64) gridKey {
	return gridKey{cx: g.coord(x), cy: g.coord(y)}
}

func (g *spatialGrid) coord(v float64) int64 {
	c := math.Floor(v / g.cell)
	switch {
	case math.IsNaN(c):
		return 0
	case c >= maxGridCoord:
		return maxGridCoord
	case c <= -maxGridCoord:
		return -maxGridCoord
	}
	return int64(c)
}

// Place 放入或移动 id
func (g *spatialGrid) Place(id string, x, y float64) {
	k := g.key(x, y)
	if old, ok := g.where[id]; ok {
		if old == k {
			return
		}
		g.drop(id, old)
	}
	bucket := g.cells[k]
	if bucket == nil {
		bucket = make(map[string]struct{})
		g.cells[k] = bucket
	}
	bucket[id] = struct{}{}
	g.where[id] = k
}

func (g *spatialGrid) Remove(id string) {
	if k, ok := g.where[id]; ok {
		g.drop(id, k)
	}
}

func (g *spatialGrid) drop(id string, k gridKey) {
	delete(g.where, id)
	if bucket := g.cells[k]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(g.cells, k)
		}
	}
}

// Candidates 返回以 (x,y) 为中心、边长 2r 的方形覆盖到的所有 id
func (g *spatialGrid) Candidates(x, y, r float64) []string {
	lo := g.key(x-r, y-r)
	hi := g.key(x+r, y+r)
	var out []string
	span := (float64(hi.cx) - float64(lo.cx) + 1) * (float64(hi.cy) - float64(lo.cy) + 1)
	if span > float64(len(g.cells)) {
		// 半径远大于网格时直接遍历所有非空桶
		for id := range g.where {
			out = append(out, id)
		}
		return out
	}
	for cx := lo.cx; cx <= hi.cx; cx++ {
		for cy := lo.cy; cy <= hi.cy; cy++ {
			for id := range g.cells[gridKey{cx: cx, cy: cy}] {
				out = append(out, id)
			}
		}
	}
	return out
}
