package status

import (
	"testing"
	"time"

	"github.com/cip999/limmat/internal/outcome"
)

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestSubscribe_SnapshotFirst(t *testing.T) {
	b := NewBus()
	defer b.Close()

	b.PublishRange([]string{"r2", "r1"})
	b.PublishCell(CellEvent{CellKey: CellKey{Test: "build", Revision: "r1"}, State: StatePending})
	b.PublishCell(CellEvent{CellKey: CellKey{Test: "build", Revision: "r1"}, State: StateRunning})

	ch, _, unsub := b.Subscribe()
	defer unsub()

	first := recvMessage(t, ch)
	if first.Snapshot == nil {
		t.Fatalf("first message = %+v, want snapshot", first)
	}
	if len(first.Snapshot) != 1 {
		t.Fatalf("snapshot has %d cells, want 1 (coalesced)", len(first.Snapshot))
	}
	// The snapshot is coalesced: only the latest state per cell.
	if first.Snapshot[0].State != StateRunning {
		t.Errorf("snapshot state = %s, want running", first.Snapshot[0].State)
	}
	if len(first.Revisions) != 2 || first.Revisions[0] != "r2" {
		t.Errorf("snapshot revisions = %v, want [r2 r1]", first.Revisions)
	}
}

func TestSubscribe_ReceivesSubsequentTransitions(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, _, unsub := b.Subscribe()
	defer unsub()
	recvMessage(t, ch) // empty snapshot

	o := outcome.Success()
	b.PublishCell(CellEvent{
		CellKey: CellKey{Test: "build", Revision: "r1"},
		State:   StateDone,
		Outcome: &o,
	})

	msg := recvMessage(t, ch)
	if msg.Event == nil {
		t.Fatalf("message = %+v, want event", msg)
	}
	if msg.Event.State != StateDone || msg.Event.Outcome.Kind != outcome.KindSuccess {
		t.Errorf("event = %+v, want done/success", msg.Event)
	}
}

func TestPublishRange_DropsDepartedCells(t *testing.T) {
	b := NewBus()
	defer b.Close()

	b.PublishRange([]string{"r1", "r2"})
	b.PublishCell(CellEvent{CellKey: CellKey{Test: "t", Revision: "r1"}, State: StateRunning})
	b.PublishCell(CellEvent{CellKey: CellKey{Test: "t", Revision: "r2"}, State: StatePending})
	b.PublishRange([]string{"r2"})

	ch, _, unsub := b.Subscribe()
	defer unsub()
	first := recvMessage(t, ch)
	if len(first.Snapshot) != 1 || first.Snapshot[0].Revision != "r2" {
		t.Errorf("snapshot = %+v, want only r2's cell", first.Snapshot)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, _, unsub := b.Subscribe()
	defer unsub()

	// Never read: fill the buffer past capacity.
	for i := 0; i <= subscriberBuffer+1; i++ {
		b.PublishCell(CellEvent{CellKey: CellKey{Test: "t", Revision: "r"}, State: StatePending})
	}

	// The channel must have been closed by the drop, not left blocking.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber channel never closed")
		}
	}
}

func TestClose_SignalsDone(t *testing.T) {
	b := NewBus()
	ch, done, unsub := b.Subscribe()
	defer unsub()
	recvMessage(t, ch)

	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done channel not closed")
	}
}
