package status

import (
	"testing"

	"github.com/matheus3301/roomsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
	if m.Ready() {
		t.Error("Ready() = true before any sync")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Syncing},
		{Connecting, Disconnected},
		{Syncing, Ready},
		{Syncing, Reconnecting},
		{Ready, Reconnecting},
		{Ready, Disconnected},
		{Reconnecting, Syncing},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(DISCONNECTED -> READY) should fail")
	}
}

// TestReadyRequiresSync verifies the rendering gate cannot open before the
// first bulk sync: CONNECTING must pass through SYNCING.
func TestReadyRequiresSync(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connecting)
	if err := m.Transition(Ready); err == nil {
		t.Fatal("Transition(CONNECTING -> READY) should fail")
	}
	if m.Current() != Connecting {
		t.Errorf("state = %s, want CONNECTING", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

func TestTransitionFrom(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	if m.TransitionFrom(Syncing, Connecting, Reconnecting) {
		t.Error("TransitionFrom should not fire from READY")
	}
	if !m.TransitionFrom(Reconnecting, Syncing, Ready) {
		t.Fatal("TransitionFrom(RECONNECTING, SYNCING|READY) should fire from READY")
	}
	if m.Current() != Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", m.Current())
	}
}

// TestDropAndResyncCycle verifies the reconnect loop:
// READY → RECONNECTING → SYNCING → READY
func TestDropAndResyncCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	for _, s := range []State{Reconnecting, Syncing, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Ready() {
		t.Errorf("final state = %s, want READY", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Syncing:      {Connecting, Syncing},
		Ready:        {Connecting, Syncing, Ready},
		Reconnecting: {Connecting, Syncing, Ready, Reconnecting},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
