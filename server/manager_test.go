package server

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pixil98/go-testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

func TestWorldManager_CapAndReclaim(t *testing.T) {
	m := NewMetrics()
	worlds := NewWorldManager(DefaultWorldConfig(), 3, zaptest.NewLogger(t).Sugar(), m)
	t.Cleanup(worlds.Close)

	lobby, err := worlds.GetOrCreate(DefaultWorld)
	if err != nil {
		t.Fatalf("default world: %v", err)
	}
	again, _ := worlds.GetOrCreate(DefaultWorld)
	testutil.AssertEqual(t, "same world", again, lobby)

	busy, _ := worlds.GetOrCreate("busy")
	if _, err := busy.Connect(NewOutbox(4)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := lobby.Connect(NewOutbox(4)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// 每个空闲世界都会在下一个新名字到来时被回收，总数不超过上限
	for i := 0; i < 50; i++ {
		if _, err := worlds.GetOrCreate(fmt.Sprintf("w%d", i)); err != nil {
			t.Fatalf("w%d: %v", i, err)
		}
		testutil.AssertEqual(t, "bounded", len(worlds.Names()) <= 3, true)
	}
	testutil.AssertEqual(t, "worlds", strings.Join(worlds.Names(), ","), "busy,main,w49")
	testutil.AssertEqual(t, "series", promtest.CollectAndCount(m.connections), 3)

	_, ok := worlds.Get("w48")
	testutil.AssertEqual(t, "reclaimed", ok, false)
}

func TestWorldManager_RefusesWhenAllBusy(t *testing.T) {
	worlds := NewWorldManager(DefaultWorldConfig(), 1, nil, nil)
	t.Cleanup(worlds.Close)

	w, _ := worlds.GetOrCreate("only")
	if _, err := w.Connect(NewOutbox(4)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := worlds.GetOrCreate("another")
	testutil.AssertEqual(t, "too many", errors.Is(err, ErrTooManyWorlds), true)

	worlds.Close()
	_, err = worlds.GetOrCreate("only")
	testutil.AssertEqual(t, "closed", errors.Is(err, ErrWorldStopped), true)
}
