package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/prologin/stechec-cluster/pkg/types"
)

func testInfo(host string, port, slots, max int) types.WorkerInfo {
	return types.WorkerInfo{Hostname: host, Port: port, Slots: slots, MaxSlots: max}
}

func testTask(champion int64) types.CompileTask {
	return types.CompileTask{
		TaskID:     types.CompileTaskID(champion),
		User:       "alice",
		ChampionID: champion,
	}
}

func assertSlots(t *testing.T, r *Registry, id types.WorkerID, want int) {
	t.Helper()
	for _, s := range r.Snapshot() {
		if s.ID == id {
			if s.Slots != want {
				t.Errorf("worker %s slots: got %d, want %d", id, s.Slots, want)
			}
			return
		}
	}
	t.Errorf("worker %s not in snapshot", id)
}

func TestHeartbeatRegistersWorker(t *testing.T) {
	r := New()
	now := time.Now()

	orphans := r.OnHeartbeat(testInfo("w1", 42546, 20, 20), true, now)
	if len(orphans) != 0 {
		t.Errorf("first heartbeat of a new worker: got %d orphans, want 0", len(orphans))
	}
	if r.Len() != 1 {
		t.Errorf("registry size: got %d, want 1", r.Len())
	}
	assertSlots(t, r, types.WorkerID{Hostname: "w1", Port: 42546}, 20)
}

func TestHeartbeatClampsSlots(t *testing.T) {
	r := New()
	now := time.Now()

	// A confused worker reporting out-of-range counts must not break the
	// 0 <= slots <= max invariant on the master.
	r.OnHeartbeat(testInfo("w1", 1, -5, 20), true, now)
	assertSlots(t, r, types.WorkerID{Hostname: "w1", Port: 1}, 0)

	r.OnHeartbeat(testInfo("w1", 1, 99, 20), false, now)
	assertSlots(t, r, types.WorkerID{Hostname: "w1", Port: 1}, 20)
}

func TestRestartOrphansTasks(t *testing.T) {
	r := New()
	now := time.Now()
	info := testInfo("w1", 1, 20, 20)

	r.OnHeartbeat(info, true, now)
	if err := r.Assign(info.ID(), testTask(1)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Plain heartbeat keeps the task in flight.
	orphans := r.OnHeartbeat(info, false, now)
	if len(orphans) != 0 {
		t.Fatalf("steady heartbeat: got %d orphans, want 0", len(orphans))
	}

	// A first-heartbeat flag means the process restarted and lost its
	// jobs; they must come back for requeueing.
	orphans = r.OnHeartbeat(info, true, now)
	if len(orphans) != 1 {
		t.Fatalf("restart heartbeat: got %d orphans, want 1", len(orphans))
	}
	if orphans[0].ID() != types.CompileTaskID(1) {
		t.Errorf("orphan: got %s, want %s", orphans[0].ID(), types.CompileTaskID(1))
	}
}

func TestCapacityChangeCountsAsRestart(t *testing.T) {
	r := New()
	now := time.Now()

	r.OnHeartbeat(testInfo("w1", 1, 20, 20), true, now)
	if err := r.Assign(types.WorkerID{Hostname: "w1", Port: 1}, testTask(1)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	orphans := r.OnHeartbeat(testInfo("w1", 1, 8, 8), false, now)
	if len(orphans) != 1 {
		t.Errorf("capacity change: got %d orphans, want 1", len(orphans))
	}
}

func TestWorkerUpdateIgnoredWhenUnknown(t *testing.T) {
	r := New()
	if r.OnWorkerUpdate(testInfo("ghost", 1, 5, 20), time.Now()) {
		t.Error("update from unregistered worker must be ignored")
	}
	if r.Len() != 0 {
		t.Errorf("registry size: got %d, want 0", r.Len())
	}
}

func TestReapDead(t *testing.T) {
	r := New()
	start := time.Now()

	r.OnHeartbeat(testInfo("dead", 1, 20, 20), true, start)
	r.OnHeartbeat(testInfo("alive", 2, 20, 20), true, start)
	if err := r.Assign(types.WorkerID{Hostname: "dead", Port: 1}, testTask(1)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Keep one worker fresh.
	later := start.Add(30 * time.Second)
	r.OnHeartbeat(testInfo("alive", 2, 20, 20), false, later)

	orphans := r.ReapDead(later, 25*time.Second)
	if len(orphans) != 1 {
		t.Fatalf("reap: got %d orphans, want 1", len(orphans))
	}
	if r.Len() != 1 {
		t.Errorf("survivors: got %d, want 1", r.Len())
	}
	if _, ok := r.Owner(types.CompileTaskID(1)); ok {
		t.Error("reaped task must lose its owner")
	}
}

func TestSelectCandidateOrdering(t *testing.T) {
	r := New()
	now := time.Now()

	r.OnHeartbeat(testInfo("b", 1, 10, 20), true, now)
	r.OnHeartbeat(testInfo("a", 1, 10, 20), true, now)
	r.OnHeartbeat(testInfo("c", 1, 15, 20), true, now)

	// Most free slots wins.
	id, ok := r.SelectCandidate(1)
	if !ok || id.Hostname != "c" {
		t.Errorf("candidate: got %v (%v), want c", id, ok)
	}

	// Ties break on hostname.
	r.OnHeartbeat(testInfo("c", 1, 10, 20), false, now)
	id, ok = r.SelectCandidate(1)
	if !ok || id.Hostname != "a" {
		t.Errorf("tied candidate: got %v (%v), want a", id, ok)
	}

	// Nobody fits a 2-slot task when everyone has 1 left.
	for _, h := range []string{"a", "b", "c"} {
		r.OnHeartbeat(testInfo(h, 1, 1, 20), false, now)
	}
	if _, ok := r.SelectCandidate(2); ok {
		t.Error("no worker has 2 free slots, SelectCandidate must refuse")
	}
}

func TestAssignDebitsAndReleaseRestores(t *testing.T) {
	r := New()
	now := time.Now()
	id := types.WorkerID{Hostname: "w1", Port: 1}

	r.OnHeartbeat(testInfo("w1", 1, 2, 20), true, now)

	task := types.PlayerTask{
		TaskID:        types.PlayerTaskID(7, 1),
		MatchID:       7,
		MatchPlayerID: 1,
	}
	if err := r.Assign(id, task); err != nil {
		t.Fatalf("assign: %v", err)
	}
	assertSlots(t, r, id, 0)

	// Second assign must hit the capacity floor, never go negative.
	err := r.Assign(id, testTask(2))
	if !errors.Is(err, ErrNoCapacity) {
		t.Errorf("overdraft: got %v, want ErrNoCapacity", err)
	}

	// Rollback after a failed RPC restores the debit.
	r.Release(task.ID(), true)
	assertSlots(t, r, id, 2)

	// Releasing an unknown task is a no-op.
	r.Release(types.TaskID("nope"), true)
	assertSlots(t, r, id, 2)
}

func TestReleaseWithoutRestoreTrustsWorker(t *testing.T) {
	r := New()
	now := time.Now()
	id := types.WorkerID{Hostname: "w1", Port: 1}

	r.OnHeartbeat(testInfo("w1", 1, 20, 20), true, now)
	if err := r.Assign(id, testTask(1)); err != nil {
		t.Fatalf("assign: %v", err)
	}
	assertSlots(t, r, id, 19)

	// Completion: the worker's own slot update is authoritative, the
	// release only drops the bookkeeping.
	r.Release(types.CompileTaskID(1), false)
	assertSlots(t, r, id, 19)

	if _, ok := r.Owner(types.CompileTaskID(1)); ok {
		t.Error("completed task must lose its owner")
	}
}

func TestEvict(t *testing.T) {
	r := New()
	now := time.Now()
	id := types.WorkerID{Hostname: "w1", Port: 1}

	r.OnHeartbeat(testInfo("w1", 1, 20, 20), true, now)
	if err := r.Assign(id, testTask(1)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	orphans := r.Evict(id)
	if len(orphans) != 1 {
		t.Errorf("evict: got %d orphans, want 1", len(orphans))
	}
	if r.Len() != 0 {
		t.Errorf("registry size after evict: got %d, want 0", r.Len())
	}
	if orphans := r.Evict(id); orphans != nil {
		t.Error("evicting twice must return nothing")
	}
}

func TestFreeSlots(t *testing.T) {
	r := New()
	now := time.Now()
	r.OnHeartbeat(testInfo("a", 1, 5, 20), true, now)
	r.OnHeartbeat(testInfo("b", 1, 7, 20), true, now)

	if got := r.FreeSlots(); got != 12 {
		t.Errorf("free slots: got %d, want 12", got)
	}
}
