package server

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pixil98/go-testutil"
)

type proximityFixture struct {
	registry  *ConnectionRegistry
	store     *WorldStateStore
	messenger *ProximityMessenger
	now       time.Time
}

func newProximityFixture(t *testing.T) *proximityFixture {
	t.Helper()
	f := &proximityFixture{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.registry = NewConnectionRegistry()
	f.registry.newID = sequentialIDs()
	f.store = NewWorldStateStore(f.registry, 0)
	f.messenger = NewProximityMessenger(f.registry, f.store, NewInterestManager(f.store), 3, time.Minute)
	f.messenger.now = func() time.Time { return f.now }
	tokens := sequentialIDs()
	f.messenger.newToken = func() string { return "t-" + tokens() }
	return f
}

func (f *proximityFixture) join(t *testing.T, name string, x, y float64) string {
	t.Helper()
	id := f.registry.Register(nil)
	if _, _, err := f.store.Upsert(id, PlayerFields{Name: ptr(name), X: ptr(x), Y: ptr(y)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return id
}

func TestSanitizeText(t *testing.T) {
	tests := map[string]struct {
		in  string
		max int
		exp string
	}{
		"trims":           {in: "  hi  ", max: 10, exp: "hi"},
		"strips controls": {in: "a\x00b\x1bc", max: 10, exp: "abc"},
		"keeps newline":   {in: "a\nb", max: 10, exp: "a\nb"},
		"caps runes":      {in: "héllo wörld", max: 5, exp: "héllo"},
		"whitespace only": {in: " \t ", max: 10, exp: ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, "text", SanitizeText(tt.in, tt.max), tt.exp)
		})
	}
}

func TestProximityMessenger_Speak(t *testing.T) {
	f := newProximityFixture(t)
	pinchy := f.join(t, "Pinchy", 0, 0)
	shelly := f.join(t, "Shelly", 10, 0)
	far := f.join(t, "Far", 1000, 1000)

	ev, hearers, ok, err := f.messenger.Speak(pinchy, "  hi ", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testutil.AssertEqual(t, "ok", ok, true)
	testutil.AssertEqual(t, "text", ev.Text, "hi")
	testutil.AssertEqual(t, "hearers", len(hearers), 1)
	testutil.AssertEqual(t, "hearer", hearers[0].ID, shelly)

	// 说话之后再靠近的玩家听不到
	_, _, _ = f.store.Upsert(far, PlayerFields{X: ptr(5.0), Y: ptr(0.0)})
	f.now = f.now.Add(2500 * time.Millisecond)

	heard := f.messenger.Heard(shelly)
	testutil.AssertEqual(t, "heard count", len(heard), 1)
	testutil.AssertEqual(t, "speaker", heard[0].Speaker, "Pinchy")
	testutil.AssertEqual(t, "distance", heard[0].Distance, 10.0)
	testutil.AssertEqual(t, "ago", heard[0].Ago, 2.5)
	testutil.AssertEqual(t, "far heard", len(f.messenger.Heard(far)), 0)
	testutil.AssertEqual(t, "speaker hears self", len(f.messenger.Heard(pinchy)), 0)
}

func TestProximityMessenger_SpeakEdgeCases(t *testing.T) {
	f := newProximityFixture(t)
	a := f.join(t, "A", 0, 0)
	unjoined := f.registry.Register(nil)

	_, _, ok, err := f.messenger.Speak(a, "   ", 50)
	testutil.AssertEqual(t, "empty ok", ok, false)
	testutil.AssertEqual(t, "empty err", err == nil, true)

	_, _, _, err = f.messenger.Speak(unjoined, "hello", 50)
	if !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}

	ev, _, _, _ := f.messenger.Speak(a, strings.Repeat("x", 600), 50)
	testutil.AssertEqual(t, "capped", len(ev.Text), maxChatRunes)
}

func TestProximityMessenger_HistoryBoundedAndExpires(t *testing.T) {
	f := newProximityFixture(t)
	a := f.join(t, "A", 0, 0)
	b := f.join(t, "B", 1, 0)

	for _, text := range []string{"one", "two", "three", "four"} {
		_, _, _, _ = f.messenger.Speak(a, text, 50)
		f.now = f.now.Add(time.Second)
	}
	heard := f.messenger.Heard(b)
	testutil.AssertEqual(t, "bounded", len(heard), 3)
	testutil.AssertEqual(t, "oldest evicted", heard[0].Text, "two")

	f.now = f.now.Add(time.Minute)
	testutil.AssertEqual(t, "expired", len(f.messenger.Heard(b)), 0)
}

func TestProximityMessenger_Talk(t *testing.T) {
	f := newProximityFixture(t)
	from := f.join(t, "F", 0, 0)
	to := f.join(t, "G", 10, 0)

	ex, err := f.messenger.RequestTalk(from, to, nil, 10*time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testutil.AssertEqual(t, "pending", f.messenger.PendingTalks(), 1)

	_, err = f.messenger.RespondTalk(from, ex.Token)
	if !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("requester must not answer its own request, got %v", err)
	}

	got, err := f.messenger.RespondTalk(to, ex.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testutil.AssertEqual(t, "from", got.From, from)

	_, err = f.messenger.RespondTalk(to, ex.Token)
	if !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("second response must fail, got %v", err)
	}
	testutil.AssertEqual(t, "expire resolved", f.messenger.ExpireTalk(ex.Token), false)
}

func TestProximityMessenger_TalkFailures(t *testing.T) {
	tests := map[string]struct {
		target func(t *testing.T, f *proximityFixture, from string) string
		radius float64
		expErr error
	}{
		"missing target": {
			target: func(*testing.T, *proximityFixture, string) string { return "" },
			expErr: ErrMissingField,
		},
		"not connected": {
			target: func(*testing.T, *proximityFixture, string) string { return "gone" },
			expErr: ErrTargetUnavailable,
		},
		"self": {
			target: func(_ *testing.T, _ *proximityFixture, from string) string { return from },
			expErr: ErrTargetUnavailable,
		},
		"out of range": {
			target: func(t *testing.T, f *proximityFixture, _ string) string { return f.join(t, "Far", 500, 0) },
			radius: 100,
			expErr: ErrTargetOutOfRange,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newProximityFixture(t)
			from := f.join(t, "F", 0, 0)
			_, err := f.messenger.RequestTalk(from, tt.target(t, f, from), nil, time.Second, tt.radius)
			if !errors.Is(err, tt.expErr) {
				t.Fatalf("expected %v, got %v", tt.expErr, err)
			}
			testutil.AssertEqual(t, "nothing retained", f.messenger.PendingTalks(), 0)
		})
	}
}

func TestProximityMessenger_TalkDeadline(t *testing.T) {
	f := newProximityFixture(t)
	from := f.join(t, "F", 0, 0)
	to := f.join(t, "G", 10, 0)

	ex, _ := f.messenger.RequestTalk(from, to, nil, time.Second, 0)
	f.now = f.now.Add(2 * time.Second)

	_, err := f.messenger.RespondTalk(to, ex.Token)
	if !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("late response must fail, got %v", err)
	}
	testutil.AssertEqual(t, "pending", f.messenger.PendingTalks(), 0)
}

func TestProximityMessenger_Forget(t *testing.T) {
	f := newProximityFixture(t)
	a := f.join(t, "A", 0, 0)
	b := f.join(t, "B", 1, 0)
	c := f.join(t, "C", 2, 0)

	_, _, _, _ = f.messenger.Speak(a, "hi", 50)
	toB, _ := f.messenger.RequestTalk(a, b, nil, time.Second, 0)
	_, _ = f.messenger.RequestTalk(c, a, nil, time.Second, 0)
	_, _ = f.messenger.RequestTalk(b, c, nil, time.Second, 0)

	orphaned := f.messenger.Forget(b)
	testutil.AssertEqual(t, "pending", f.messenger.PendingTalks(), 1)
	testutil.AssertEqual(t, "b history", len(f.messenger.Heard(b)), 0)
	testutil.AssertEqual(t, "c history", len(f.messenger.Heard(c)), 1)
	// 只有以 b 为目标的交谈需要通知请求方；b 自己发起的不通知
	testutil.AssertEqual(t, "orphaned", len(orphaned), 1)
	testutil.AssertEqual(t, "orphaned token", orphaned[0].Token, toB.Token)
	testutil.AssertEqual(t, "orphaned requester", orphaned[0].From, a)

	orphaned = f.messenger.Forget(a)
	testutil.AssertEqual(t, "pending", f.messenger.PendingTalks(), 0)
	testutil.AssertEqual(t, "a was a target", len(orphaned), 1)
}
