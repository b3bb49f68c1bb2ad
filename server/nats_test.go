package server

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pixil98/go-testutil"
	"go.uber.org/zap/zaptest"

	"clawrelay/protocol"
)

func newTestBridge(t *testing.T) (*NatsBridge, *nats.Conn, *WorldManager) {
	t.Helper()
	ns, err := NewEmbeddedNats(WithNatsPort(natsserver.RANDOM_PORT), WithNatsStartupTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("creating nats: %v", err)
	}
	if err := ns.Start(); err != nil {
		t.Fatalf("starting nats: %v", err)
	}
	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connecting: %v", err)
	}

	log := zaptest.NewLogger(t).Sugar()
	worlds := NewWorldManager(DefaultWorldConfig(), 4, log, nil)
	bridge := NewNatsBridge(conn, "relay", worlds, log)
	if err := bridge.Start(); err != nil {
		t.Fatalf("starting bridge: %v", err)
	}
	worlds.SetEventSink(bridge)

	t.Cleanup(func() {
		worlds.Close()
		_ = bridge.Close()
		conn.Close()
		ns.Shutdown()
	})
	return bridge, conn, worlds
}

func TestNatsBridge_Subjects(t *testing.T) {
	b := NewNatsBridge(nil, "relay", nil, nil)
	testutil.AssertEqual(t, "events", b.EventsSubject("main"), "relay.main.events")
	testutil.AssertEqual(t, "features", b.FeaturesSubject("arena"), "relay.arena.features")
}

func TestNatsBridge_PublishesWorldEvents(t *testing.T) {
	bridge, conn, worlds := newTestBridge(t)
	sub, err := conn.SubscribeSync(bridge.EventsSubject("main"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	world, err := worlds.GetOrCreate(DefaultWorld)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	id, err := world.Connect(NewOutbox(16))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	world.Receive(id, []byte(`{"type":"identify","name":"Pinchy"}`))
	world.Receive(id, []byte(`{"type":"chat","text":"anyone here?"}`))
	world.Disconnect(id)

	var got []string
	for i := 0; i < 3; i++ {
		msg, err := sub.NextMsg(3 * time.Second)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		var env protocol.Envelope
		_ = json.Unmarshal(msg.Data, &env)
		got = append(got, env.Type)
	}
	testutil.AssertEqual(t, "first", got[0], protocol.KindPlayerJoined)
	testutil.AssertEqual(t, "second", got[1], protocol.KindHeard)
	testutil.AssertEqual(t, "third", got[2], protocol.KindPlayerLeft)
}

func TestNatsBridge_FeaturesRequest(t *testing.T) {
	bridge, conn, worlds := newTestBridge(t)
	world, err := worlds.GetOrCreate("arena")
	if err != nil {
		t.Fatalf("world: %v", err)
	}

	body, _ := json.Marshal([]protocol.Feature{{ID: "well", Name: "Well", X: 5, Y: 5}})
	reply, err := conn.Request(bridge.FeaturesSubject("arena"), body, 3*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var ack struct {
		OK       bool `json:"ok"`
		Features int  `json:"features"`
	}
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	testutil.AssertEqual(t, "ok", ack.OK, true)
	testutil.AssertEqual(t, "features", ack.Features, 1)
	testutil.AssertEqual(t, "stored", world.Status().Features, 1)

	reply, err = conn.Request(bridge.FeaturesSubject("arena"), []byte("not json"), 3*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ack.OK = true
	_ = json.Unmarshal(reply.Data, &ack)
	testutil.AssertEqual(t, "rejected", ack.OK, false)
	testutil.AssertEqual(t, "unchanged", world.Status().Features, 1)

	// 不存在的世界不会因为外部消息被创建
	reply, err = conn.Request(bridge.FeaturesSubject("ghost"), body, 3*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ack.OK = true
	_ = json.Unmarshal(reply.Data, &ack)
	testutil.AssertEqual(t, "unknown world", ack.OK, false)
	_, ok := worlds.Get("ghost")
	testutil.AssertEqual(t, "ghost created", ok, false)
}
