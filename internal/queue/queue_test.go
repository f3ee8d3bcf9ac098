package queue

import (
	"testing"

	"github.com/prologin/stechec-cluster/pkg/types"
)

func compileTask(id int64) types.CompileTask {
	return types.CompileTask{TaskID: types.CompileTaskID(id), ChampionID: id}
}

func always(types.Task) bool { return true }

func TestFIFOOrder(t *testing.T) {
	q := New()
	q.Enqueue(compileTask(1))
	q.Enqueue(compileTask(2))
	q.Enqueue(compileTask(3))

	for _, want := range []int64{1, 2, 3} {
		task, _ := q.PopFirst(always)
		if task == nil {
			t.Fatalf("pop: queue exhausted, want champion %d", want)
		}
		if task.ID() != types.CompileTaskID(want) {
			t.Errorf("pop: got %s, want %s", task.ID(), types.CompileTaskID(want))
		}
	}
	if task, _ := q.PopFirst(always); task != nil {
		t.Errorf("empty queue returned %s", task.ID())
	}
}

func TestPopFirstSkipsUndispatchable(t *testing.T) {
	q := New()
	q.Enqueue(types.PlayerTask{TaskID: types.PlayerTaskID(1, 1), MatchID: 1, MatchPlayerID: 1})
	q.Enqueue(compileTask(2))

	// Only 1-slot tasks fit right now; the 2-slot player task must be
	// skipped without losing its position.
	task, _ := q.PopFirst(func(t types.Task) bool { return t.SlotsTaken() == 1 })
	if task == nil || task.ID() != types.CompileTaskID(2) {
		t.Fatalf("pop: got %v, want compile-2", task)
	}
	if q.Len() != 1 {
		t.Errorf("queue depth: got %d, want 1", q.Len())
	}

	task, _ = q.PopFirst(always)
	if task == nil || task.ID() != types.PlayerTaskID(1, 1) {
		t.Errorf("pop: got %v, want the skipped player task", task)
	}
}

func TestRequeueGoesToTail(t *testing.T) {
	q := New()
	q.Enqueue(compileTask(1))
	q.Enqueue(compileTask(2))

	popped, _ := q.PopFirst(always)
	q.Requeue(popped)

	task, _ := q.PopFirst(always)
	if task.ID() != types.CompileTaskID(2) {
		t.Errorf("requeued task jumped the line: got %s", task.ID())
	}
}

func TestWakeSignal(t *testing.T) {
	q := New()

	select {
	case <-q.Wake():
		t.Fatal("fresh queue must not be awake")
	default:
	}

	q.Enqueue(compileTask(1))
	q.Enqueue(compileTask(2)) // signal is binary, second send coalesces

	select {
	case <-q.Wake():
	default:
		t.Fatal("enqueue must raise the wake signal")
	}
	select {
	case <-q.Wake():
		t.Fatal("wake signal must be consumed by one receive")
	default:
	}

	q.Kick()
	select {
	case <-q.Wake():
	default:
		t.Fatal("kick must raise the wake signal")
	}
}
