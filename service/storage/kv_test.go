package storage

import (
	"context"
	"testing"
)

func TestMemKVMissingKey(t *testing.T) {
	kv := NewMemKV()
	v, err := kv.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != nil {
		t.Fatalf("missing key must be (nil, nil), got %q", v)
	}
}

func TestMemKVMGetOnlyHits(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	_ = kv.Put(ctx, "a", []byte("1"))
	_ = kv.Put(ctx, "c", []byte("3"))
	got, err := kv.MGet(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 hits, got %d", len(got))
	}
	if _, ok := got["b"]; ok {
		t.Fatal("miss must be absent, not empty")
	}
}

func TestMemKVListSorted(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	for _, k := range []string{"p-2", "p-10", "p-1", "q-1"} {
		_ = kv.Put(ctx, k, []byte(k))
	}
	entries, err := kv.List(ctx, "p-")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"p-1", "p-10", "p-2"} // 字典序
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Fatalf("entries[%d] = %q, want %q", i, e.Key, want[i])
		}
	}
}

func TestMemKVDefensiveCopy(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	buf := []byte("orig")
	_ = kv.Put(ctx, "k", buf)
	buf[0] = 'X'
	v, _ := kv.Get(ctx, "k")
	if string(v) != "orig" {
		t.Fatalf("stored value aliased caller buffer: %q", v)
	}
	v[0] = 'Y'
	v2, _ := kv.Get(ctx, "k")
	if string(v2) != "orig" {
		t.Fatalf("returned value aliased store: %q", v2)
	}
}

func TestNamespacedIsolation(t *testing.T) {
	ctx := context.Background()
	base := NewMemKV()
	a := Namespaced(base, "conv:a:")
	b := Namespaced(base, "conv:b:")

	_ = a.Put(ctx, "counter", []byte("5"))
	if v, _ := b.Get(ctx, "counter"); v != nil {
		t.Fatal("namespaces leaked")
	}
	if v, _ := a.Get(ctx, "counter"); string(v) != "5" {
		t.Fatalf("own key lost: %q", v)
	}

	_ = a.Put(ctx, "message-0", []byte("m0"))
	_ = a.Put(ctx, "message-1", []byte("m1"))
	entries, err := a.List(ctx, "message-")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// 返回的键已剥掉命名空间前缀
	if entries[0].Key != "message-0" {
		t.Fatalf("key not stripped: %q", entries[0].Key)
	}

	got, _ := a.MGet(ctx, []string{"message-0", "message-9"})
	if len(got) != 1 || string(got["message-0"]) != "m0" {
		t.Fatalf("namespaced MGet wrong: %v", got)
	}
}

func TestPrefixUpper(t *testing.T) {
	cases := []struct{ in, want string }{
		{"abc", "abd"},
		{"a\xff", "b"},
		{"\xff\xff", ""},
	}
	for _, c := range cases {
		if got := prefixUpper(c.in); got != c.want {
			t.Fatalf("prefixUpper(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
