package missed

import (
	"context"
	"fmt"
	"testing"

	"IMProject/module/chat/marks"
	"IMProject/module/chat/model"
	"IMProject/module/chat/msglog"
	"IMProject/service/storage"
)

type fixture struct {
	log *msglog.Log
	idx *marks.Index
	cnt *Counter
	kv  *storage.MemKV
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := storage.NewMemKV()
	log := msglog.New(kv)
	if err := log.Load(context.Background()); err != nil {
		t.Fatalf("log.Load: %v", err)
	}
	idx := marks.NewIndex(kv)
	return &fixture{log: log, idx: idx, cnt: New(log, idx), kv: kv}
}

func (f *fixture) send(t *testing.T, sender, body string, kind model.MessageKind) int64 {
	t.Helper()
	prev := f.log.Last()
	m := &model.Message{
		Sender:          sender,
		Kind:            kind,
		Body:            body,
		ClientMessageID: "c-" + body,
		CreatedAt:       1000,
	}
	id, err := f.log.Append(context.Background(), m)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	f.cnt.OnAppend(prev, m)
	return id
}

func (f *fixture) missed(t *testing.T, user string) *Result {
	t.Helper()
	res, err := f.cnt.Compute(context.Background(), user)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return res
}

func TestMissedRampThenRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// U1 连发 6 条，U2 不读：第 k 条之后 missed(U2) == k
	for k := 1; k <= 6; k++ {
		f.send(t, "u1", fmt.Sprintf("m%d", k), model.KindNormal)
		if got := f.missed(t, "u2").Missed; got != int64(k) {
			t.Fatalf("after %d messages missed = %d", k, got)
		}
	}
	if got := f.missed(t, "u2"); got.FirstMissedClientID != "c-m1" {
		t.Fatalf("first missed anchor = %q, want c-m1", got.FirstMissedClientID)
	}

	// U2 读到最新：归零
	if _, err := f.idx.Append(ctx, "u2", model.MarkRead, 5, 2000); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if got := f.missed(t, "u2").Missed; got != 0 {
		t.Fatalf("after read missed = %d", got)
	}

	// U2 回一条：missed(U1) == 1，missed(U2) == 0（尾部是自己的）
	f.send(t, "u2", "reply", model.KindNormal)
	if got := f.missed(t, "u1").Missed; got != 1 {
		t.Fatalf("missed(u1) = %d, want 1", got)
	}
	if got := f.missed(t, "u2").Missed; got != 0 {
		t.Fatalf("own tail missed = %d, want 0", got)
	}
}

func TestServiceMessagesInvisible(t *testing.T) {
	f := newFixture(t)
	f.send(t, "u1", "a", model.KindNormal)
	f.send(t, "u1", "b", model.KindDelete) // 服务消息：占号不进账
	f.send(t, "u1", "c", model.KindNormal)

	got := f.missed(t, "u2")
	if got.Missed != 2 {
		t.Fatalf("missed = %d, want 2 (service excluded)", got.Missed)
	}
	if got.FirstMissedClientID != "c-a" {
		t.Fatalf("anchor = %q", got.FirstMissedClientID)
	}
}

func TestMissedNeverNegative(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, "u1", "a", model.KindNormal)
	// 读水位已经越过尾部（重放了旧状态）也不出负数
	if _, err := f.idx.Append(ctx, "u2", model.MarkRead, 0, 100); err != nil {
		t.Fatal(err)
	}
	if got := f.missed(t, "u2").Missed; got != 0 {
		t.Fatalf("missed = %d, want 0", got)
	}
}

func TestBlockHeuristicCapsWindow(t *testing.T) {
	f := newFixture(t)
	// u2 发过历史消息，之后 u1 连发 3 条；u2 从未读过。
	// 窗口被尾部作者块长度封顶为 3,而不是全量 4。
	f.send(t, "u2", "old", model.KindNormal)
	f.send(t, "u1", "a", model.KindNormal)
	f.send(t, "u1", "b", model.KindNormal)
	f.send(t, "u1", "c", model.KindNormal)

	got := f.missed(t, "u2")
	if got.Missed != 3 {
		t.Fatalf("missed = %d, want 3 (block capped)", got.Missed)
	}
	if got.FirstMissedClientID != "c-a" {
		t.Fatalf("anchor = %q, want c-a", got.FirstMissedClientID)
	}
}

func TestRebuildRestoresBlockBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, "u2", "old", model.KindNormal)
	f.send(t, "u1", "a", model.KindNormal)
	f.send(t, "u1", "b", model.KindNormal)

	// 全新的三件套，模拟 actor 重建
	log2 := msglog.New(f.kv)
	if err := log2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	idx2 := marks.NewIndex(f.kv)
	if err := idx2.Load(ctx, []string{"u1", "u2"}); err != nil {
		t.Fatalf("idx.Load: %v", err)
	}
	cnt2 := New(log2, idx2)
	if err := cnt2.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	res, err := cnt2.Compute(ctx, "u2")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if res.Missed != 2 {
		t.Fatalf("missed after rebuild = %d, want 2", res.Missed)
	}
}

func TestEmptyLog(t *testing.T) {
	f := newFixture(t)
	if got := f.missed(t, "u1"); got.Missed != 0 || got.FirstMissedClientID != "" {
		t.Fatalf("empty log: %+v", got)
	}
}
