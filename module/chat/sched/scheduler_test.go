package sched

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"IMProject/module/chat/model"
	"IMProject/service/storage"
)

// fakeClock 手拨时钟
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestScheduler() (*Scheduler, *fakeClock, *storage.MemKV, *[]*time.Time) {
	clk := &fakeClock{now: time.UnixMilli(1700000000000)}
	kv := storage.NewMemKV()
	var rearms []*time.Time
	s := New(kv, func(at *time.Time) { rearms = append(rearms, at) }, clk.Now)
	return s, clk, kv, &rearms
}

func TestFireDueOnly(t *testing.T) {
	ctx := context.Background()
	s, clk, _, _ := newTestScheduler()

	var fired []string
	s.Register("h", func(ctx context.Context, task *model.ScheduledTask) error {
		fired = append(fired, string(task.Context))
		return nil
	})
	if _, err := s.ScheduleIn(ctx, time.Second, "h", []byte(`"soon"`)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.ScheduleIn(ctx, time.Minute, "h", []byte(`"later"`)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// 还没到点：永不提前
	if err := s.OnAlarm(ctx); err != nil {
		t.Fatalf("OnAlarm: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("fired early: %v", fired)
	}

	clk.Advance(2 * time.Second)
	if err := s.OnAlarm(ctx); err != nil {
		t.Fatalf("OnAlarm: %v", err)
	}
	if len(fired) != 1 || fired[0] != `"soon"` {
		t.Fatalf("fired = %v", fired)
	}
	// 剩下的那个任务把闹钟留着
	if s.NextWake() == nil {
		t.Fatal("alarm cleared with a pending task")
	}

	clk.Advance(2 * time.Minute)
	_ = s.OnAlarm(ctx)
	if len(fired) != 2 {
		t.Fatalf("fired = %v", fired)
	}
	if s.NextWake() != nil {
		t.Fatal("alarm must clear when queue drains")
	}
}

func TestEarlierTaskScheduledLaterStillFiresFirst(t *testing.T) {
	ctx := context.Background()
	s, clk, _, _ := newTestScheduler()

	var fired []string
	s.Register("h", func(ctx context.Context, task *model.ScheduledTask) error {
		fired = append(fired, string(task.Context))
		return nil
	})
	// 先排一个晚的，再排一个早的
	_, _ = s.ScheduleIn(ctx, time.Hour, "h", []byte(`"late"`))
	_, _ = s.ScheduleIn(ctx, time.Second, "h", []byte(`"early"`))

	clk.Advance(2 * time.Second)
	_ = s.OnAlarm(ctx)
	if len(fired) != 1 || fired[0] != `"early"` {
		t.Fatalf("fired = %v, want early only", fired)
	}
}

func TestRetryWithBackoffUnderFreshID(t *testing.T) {
	ctx := context.Background()
	s, clk, kv, _ := newTestScheduler()

	calls := 0
	s.Register("flaky", func(ctx context.Context, task *model.ScheduledTask) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	})
	firstID, err := s.ScheduleIn(ctx, time.Second, "flaky", nil,
		ScheduleOpts{RetryInterval: 5 * time.Second})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	clk.Advance(2 * time.Second)
	_ = s.OnAlarm(ctx)
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	// 旧键已删，新ID带着 attempt 和 previousError 重排
	if v, _ := kv.Get(ctx, "$$task::"+firstID); v != nil {
		t.Fatal("old task key must be gone")
	}
	entries, _ := kv.List(ctx, "$$task::")
	if len(entries) != 1 {
		t.Fatalf("want 1 rescheduled task, got %d", len(entries))
	}
	var retask model.ScheduledTask
	mustUnmarshal(t, entries[0].Value, &retask)
	if retask.Attempt != 1 || retask.PreviousError != "boom" {
		t.Fatalf("retask = %+v", retask)
	}
	if retask.ID == firstID {
		t.Fatal("reschedule must use a fresh id")
	}

	// 退避期内不触发
	clk.Advance(2 * time.Second)
	_ = s.OnAlarm(ctx)
	if calls != 1 {
		t.Fatal("fired inside backoff window")
	}
	clk.Advance(4 * time.Second)
	_ = s.OnAlarm(ctx)
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if entries, _ := kv.List(ctx, "$$task::"); len(entries) != 0 {
		t.Fatal("task must be deleted on success")
	}
}

func TestRecurringReschedules(t *testing.T) {
	ctx := context.Background()
	s, clk, kv, _ := newTestScheduler()

	calls := 0
	s.Register("tick", func(ctx context.Context, task *model.ScheduledTask) error {
		calls++
		return nil
	})
	_, _ = s.ScheduleEvery(ctx, 10*time.Second, "tick", nil)

	for i := 1; i <= 3; i++ {
		clk.Advance(10 * time.Second)
		if err := s.OnAlarm(ctx); err != nil {
			t.Fatalf("OnAlarm: %v", err)
		}
		if calls != i {
			t.Fatalf("calls = %d, want %d", calls, i)
		}
	}
	entries, _ := kv.List(ctx, "$$task::")
	if len(entries) != 1 {
		t.Fatalf("recurring task must stay queued, got %d", len(entries))
	}
	var task model.ScheduledTask
	mustUnmarshal(t, entries[0].Value, &task)
	if task.Attempt != 0 {
		t.Fatalf("attempt must reset on success: %+v", task)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	ctx := context.Background()
	s, clk, _, _ := newTestScheduler()

	fired := false
	s.Register("h", func(ctx context.Context, task *model.ScheduledTask) error {
		fired = true
		return nil
	})
	id, _ := s.ScheduleIn(ctx, time.Second, "h", nil)
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if s.NextWake() != nil {
		t.Fatal("alarm must clear after cancel of the only task")
	}
	clk.Advance(time.Minute)
	_ = s.OnAlarm(ctx)
	if fired {
		t.Fatal("canceled task fired")
	}
}

func TestLoadRestoresAlarm(t *testing.T) {
	ctx := context.Background()
	s, clk, kv, _ := newTestScheduler()
	s.Register("h", func(ctx context.Context, task *model.ScheduledTask) error { return nil })
	_, _ = s.ScheduleIn(ctx, time.Minute, "h", nil)
	wake := s.NextWake()

	// 新实例接同一份存储，闹钟恢复到同一时刻
	s2 := New(kv, nil, clk.Now)
	s2.Register("h", func(ctx context.Context, task *model.ScheduledTask) error { return nil })
	if err := s2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	w2 := s2.NextWake()
	if w2 == nil || !w2.Equal(*wake) {
		t.Fatalf("restored wake = %v, want %v", w2, wake)
	}
}

func TestOneFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	s, clk, _, _ := newTestScheduler()

	var goodFired bool
	s.Register("bad", func(ctx context.Context, task *model.ScheduledTask) error {
		return errors.New("always fails")
	})
	s.Register("good", func(ctx context.Context, task *model.ScheduledTask) error {
		goodFired = true
		return nil
	})
	_, _ = s.ScheduleIn(ctx, time.Second, "bad", nil)
	_, _ = s.ScheduleIn(ctx, 2*time.Second, "good", nil)

	clk.Advance(3 * time.Second)
	if err := s.OnAlarm(ctx); err != nil {
		t.Fatalf("OnAlarm: %v", err)
	}
	if !goodFired {
		t.Fatal("failure of one task starved the rest of the batch")
	}
}

func mustUnmarshal(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
