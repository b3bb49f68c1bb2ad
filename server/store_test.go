package server

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/pixil98/go-testutil"

	"clawrelay/protocol"
)

func ptr[T any](v T) *T { return &v }

func TestWorldStateStore_Upsert(t *testing.T) {
	r := NewConnectionRegistry()
	s := NewWorldStateStore(r, 0)
	id := r.Register(nil)

	rec, created, err := s.Upsert(id, PlayerFields{Name: ptr("Pinchy")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testutil.AssertEqual(t, "created", created, true)
	testutil.AssertEqual(t, "spawn x", rec.X, float64(defaultSpawnX))
	testutil.AssertEqual(t, "facing", rec.Facing, protocol.South)

	rec, created, err = s.Upsert(id, PlayerFields{X: ptr(10.0), Moving: ptr(true)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testutil.AssertEqual(t, "created", created, false)
	testutil.AssertEqual(t, "name kept", rec.Name, "Pinchy")
	testutil.AssertEqual(t, "x", rec.X, 10.0)
	testutil.AssertEqual(t, "y kept", rec.Y, float64(defaultSpawnY))
	testutil.AssertEqual(t, "moving", rec.Moving, true)
}

func TestWorldStateStore_RejectsClosedConnection(t *testing.T) {
	r := NewConnectionRegistry()
	s := NewWorldStateStore(r, 0)

	_, _, err := s.Upsert("ghost", PlayerFields{Name: ptr("x")})
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
	testutil.AssertEqual(t, "len", s.Len(), 0)
}

func TestWorldStateStore_NameTaken(t *testing.T) {
	r := NewConnectionRegistry()
	s := NewWorldStateStore(r, 0)
	a := r.Register(nil)
	b := r.Register(nil)
	_, _, _ = s.Upsert(a, PlayerFields{Name: ptr("Shelly")})

	testutil.AssertEqual(t, "other connection", s.NameTaken("shelly", b), true)
	testutil.AssertEqual(t, "same connection", s.NameTaken("SHELLY", a), false)
	testutil.AssertEqual(t, "free name", s.NameTaken("Pinchy", b), false)
}

// 启用网格后任意半径的候选集经精确过滤后应与全量扫描一致
func TestWorldStateStore_GridMatchesScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := NewConnectionRegistry()
	scan := NewWorldStateStore(r, 0)
	grid := NewWorldStateStore(r, 32)

	var ids []string
	for i := 0; i < 60; i++ {
		id := r.Register(nil)
		ids = append(ids, id)
		f := PlayerFields{X: ptr(rng.Float64()*800 - 400), Y: ptr(rng.Float64()*800 - 400)}
		_, _, _ = scan.Upsert(id, f)
		_, _, _ = grid.Upsert(id, f)
	}
	// 移动与删除都要维护索引
	for i := 0; i < 20; i++ {
		f := PlayerFields{X: ptr(rng.Float64() * 400), Y: ptr(rng.Float64() * 400)}
		_, _, _ = scan.Upsert(ids[i], f)
		_, _, _ = grid.Upsert(ids[i], f)
	}
	for _, id := range ids[50:] {
		scan.Remove(id)
		grid.Remove(id)
	}

	scanView := NewInterestManager(scan)
	gridView := NewInterestManager(grid)
	for _, radius := range []float64{0, 15, 64, 150, 2000} {
		for _, id := range ids[:50] {
			a, _ := scanView.ViewFor(id, radius)
			b, _ := gridView.ViewFor(id, radius)
			testutil.AssertEqual(t, fmt.Sprintf("r=%v %s", radius, id), nearbyIDs(b), nearbyIDs(a))
		}
	}
}

func nearbyIDs(v View) string {
	ids := make([]string, 0, len(v.Players))
	for _, p := range v.Players {
		ids = append(ids, p.Record.ID)
	}
	sort.Strings(ids)
	return fmt.Sprint(ids)
}
