package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pixil98/go-testutil"
	"go.uber.org/zap/zaptest"

	"clawrelay/protocol"
)

// flakyRelay 每个连接先发 welcome，读到 identify 后第一个连接立即断开
func flakyRelay(t *testing.T, identifies chan<- protocol.Inbound) *httptest.Server {
	t.Helper()
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := sessions.Add(1)
		_ = conn.WriteJSON(protocol.Welcome{Type: protocol.KindWelcome, PlayerID: fmt.Sprintf("c%02d", n), World: "main"})

		var msg protocol.Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		identifies <- msg
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ReconnectsAndReidentifies(t *testing.T) {
	identifies := make(chan protocol.Inbound, 4)
	states := make(chan State, 16)
	srv := flakyRelay(t, identifies)

	c := New(Options{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		Identify:      &protocol.Inbound{Name: "Bot", Role: protocol.RoleAgent},
		Backoff:       20 * time.Millisecond,
		OnStateChange: func(s State) { states <- s },
		Logger:        zaptest.NewLogger(t).Sugar(),
	})
	testutil.AssertEqual(t, "initial", c.State(), Disconnected)
	testutil.AssertEqual(t, "send offline", errors.Is(c.Send(protocol.Inbound{Type: protocol.KindPing}), ErrNotConnected), true)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case msg := <-identifies:
			testutil.AssertEqual(t, "type", msg.Type, protocol.KindIdentify)
			testutil.AssertEqual(t, "name", msg.Name, "Bot")
		case <-time.After(3 * time.Second):
			t.Fatalf("identify %d never arrived", i+1)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for c.ID() != "c02" || c.State() != Connected {
		if time.Now().After(deadline) {
			t.Fatalf("client stuck in %s with id %q", c.State(), c.ID())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Send(protocol.Inbound{Type: protocol.KindPing}); err != nil {
		t.Fatalf("send online: %v", err)
	}

	cancel()
	select {
	case err := <-runErr:
		testutil.AssertEqual(t, "run error", errors.Is(err, context.Canceled), true)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	testutil.AssertEqual(t, "final", c.State(), Disconnected)
	testutil.AssertEqual(t, "id cleared", c.ID(), "")

	close(states)
	var seen []string
	for s := range states {
		seen = append(seen, s.String())
	}
	testutil.AssertEqual(t, "transitions", strings.Join(seen[:5], ","), "connecting,connected,disconnected,connecting,connected")
}

func TestClient_ForwardsFrames(t *testing.T) {
	identifies := make(chan protocol.Inbound, 4)
	srv := flakyRelay(t, identifies)

	kinds := make(chan string, 8)
	c := New(Options{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Backoff:   time.Hour,
		OnMessage: func(kind string, data []byte) {
			var w protocol.Welcome
			_ = json.Unmarshal(data, &w)
			kinds <- kind + ":" + w.PlayerID
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case got := <-kinds:
		testutil.AssertEqual(t, "welcome", got, "welcome:c01")
	case <-time.After(3 * time.Second):
		t.Fatal("no frame forwarded")
	}

	// 未配置 Identify 时不主动发送任何帧
	select {
	case msg := <-identifies:
		t.Fatalf("unexpected frame %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
