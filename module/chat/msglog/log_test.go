package msglog

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"IMProject/module/chat/model"
	"IMProject/service/storage"
)

func newMsg(sender, body string) *model.Message {
	return &model.Message{
		Sender:          sender,
		Kind:            model.KindNormal,
		Body:            body,
		ClientMessageID: "c-" + body,
		CreatedAt:       1000,
	}
}

func TestAppendDenseIDs(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemKV())
	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := 0; i < 10; i++ {
		id, err := l.Append(ctx, newMsg("u1", fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if id != int64(i) {
			t.Fatalf("id = %d, want %d", id, i)
		}
	}
	if l.Counter() != 10 {
		t.Fatalf("Counter = %d", l.Counter())
	}
	if l.Last().ID != 9 {
		t.Fatalf("Last = %d", l.Last().ID)
	}
}

func TestGetMissingIsNil(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemKV())
	_ = l.Load(ctx)
	_, _ = l.Append(ctx, newMsg("u1", "a"))

	m, err := l.Get(ctx, 5)
	if err != nil {
		t.Fatalf("Get past counter errored: %v", err)
	}
	if m != nil {
		t.Fatal("unassigned id must be nil")
	}
	if m, _ := l.Get(ctx, -1); m != nil {
		t.Fatal("negative id must be nil")
	}
}

func TestGetRangeChunked(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemKV()
	l := New(kv)
	_ = l.Load(ctx)
	const n = 300 // 超过两个 chunk
	for i := 0; i < n; i++ {
		if _, err := l.Append(ctx, newMsg("u1", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// 新实例，缓存为空，全部走分批回源
	l2 := New(kv)
	if err := l2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	msgs, err := l2.GetRange(ctx, 0, n-1)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if m.ID != int64(i) {
			t.Fatalf("msgs[%d].ID = %d, out of order", i, m.ID)
		}
	}

	// 越界自动收敛
	msgs, err = l2.GetRange(ctx, -5, 10_000)
	if err != nil {
		t.Fatalf("GetRange clamp: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("clamped range got %d", len(msgs))
	}
}

func TestReloadReconcilesCounter(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemKV()
	l := New(kv)
	_ = l.Load(ctx)
	for i := 0; i < 5; i++ {
		_, _ = l.Append(ctx, newMsg("u1", fmt.Sprintf("m%d", i)))
	}

	// 模拟“消息已写、计数器没跟上”的宕机窗口：4 号已落盘，计数器还是 4
	raw, _ := json.Marshal(int64(4))
	_ = kv.Put(ctx, "counter", raw)

	l2 := New(kv)
	if err := l2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l2.Counter() != 5 {
		t.Fatalf("Counter = %d, want 5 (lastID+1)", l2.Counter())
	}
	if l2.Last() == nil || l2.Last().ID != 4 {
		t.Fatalf("Last wrong after reload: %+v", l2.Last())
	}
	// 下一条拿 5，不复用、不跳号
	id, err := l2.Append(ctx, newMsg("u2", "next"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 5 {
		t.Fatalf("id after reconcile = %d, want 5", id)
	}
}

func TestPutRedactsInPlace(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemKV())
	_ = l.Load(ctx)
	_, _ = l.Append(ctx, newMsg("u1", "secret"))

	m, _ := l.Get(ctx, 0)
	m.Body = ""
	m.DeletedAt = 2000
	if err := l.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ := l.Get(ctx, 0)
	if got.Body != "" || !got.Redacted() {
		t.Fatalf("slot not redacted: %+v", got)
	}
	if l.Counter() != 1 {
		t.Fatal("Put must not touch counter")
	}
	if l.Last().Body != "" {
		t.Fatal("tail cache not refreshed")
	}
}

func TestFindLastSkipsSparseTail(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemKV()
	l := New(kv)
	_ = l.Load(ctx)
	for i := 0; i < 3; i++ {
		_, _ = l.Append(ctx, newMsg("u1", fmt.Sprintf("m%d", i)))
	}
	// 人为抠掉尾部两个号，模拟稀疏
	_ = kv.Delete(ctx, "message-1")
	_ = kv.Delete(ctx, "message-2")

	l2 := New(kv)
	if err := l2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l2.Last() == nil || l2.Last().ID != 0 {
		t.Fatalf("Last = %+v, want id 0", l2.Last())
	}
	// 计数器不回退
	if l2.Counter() != 3 {
		t.Fatalf("Counter = %d, want 3", l2.Counter())
	}
}
