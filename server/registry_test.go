package server

import (
	"fmt"
	"testing"

	"github.com/pixil98/go-testutil"

	"clawrelay/protocol"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("c%02d", n)
	}
}

func TestConnectionRegistry_Lifecycle(t *testing.T) {
	r := NewConnectionRegistry()
	r.newID = sequentialIDs()

	var closed []string
	r.OnUnregister(func(id, role string) { closed = append(closed, id+":"+role) })

	out := NewOutbox(1)
	a := r.Register(out)
	b := r.Register(nil)
	r.SetRole(b, protocol.RoleMutator)

	testutil.AssertEqual(t, "a open", r.IsOpen(a), true)
	testutil.AssertEqual(t, "count", r.Count(), 2)
	testutil.AssertEqual(t, "default role", r.Role(a), protocol.RoleAgent)

	testutil.AssertEqual(t, "unregister a", r.Unregister(a), true)
	testutil.AssertEqual(t, "unregister a again", r.Unregister(a), false)
	testutil.AssertEqual(t, "unregister unknown", r.Unregister("nope"), false)
	testutil.AssertEqual(t, "a open", r.IsOpen(a), false)
	testutil.AssertEqual(t, "outbox closed", out.Closed(), true)

	r.Unregister(b)
	testutil.AssertEqual(t, "hooks", fmt.Sprint(closed), "[c01:agent c02:mutator]")
	testutil.AssertEqual(t, "count", r.Count(), 0)
}

func TestConnectionRegistry_UniqueIDs(t *testing.T) {
	r := NewConnectionRegistry()
	calls := 0
	r.newID = func() string {
		calls++
		if calls <= 2 {
			return "dup"
		}
		return fmt.Sprintf("id-%d", calls)
	}

	first := r.Register(nil)
	second := r.Register(nil)

	testutil.AssertEqual(t, "first", first, "dup")
	testutil.AssertEqual(t, "second", second, "id-3")
}

func TestConnectionRegistry_IDsSorted(t *testing.T) {
	r := NewConnectionRegistry()
	ids := []string{"c", "a", "b"}
	i := 0
	r.newID = func() string { i++; return ids[i-1] }
	for range ids {
		r.Register(nil)
	}
	testutil.AssertEqual(t, "ids", fmt.Sprint(r.IDs()), "[a b c]")
}
