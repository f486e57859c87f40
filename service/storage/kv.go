package storage

import (
	"context"
	"sort"
	"strings"
)

// Entry 一条键值对，List 的返回单元
type Entry struct {
	Key   string
	Value []byte
}

// KV 持久化存储能力。会话 actor 独占自己的键空间，其它 actor 永不直写。
// 缺键不是错误：Get 返回 (nil, nil)，MGet 只带命中的键。
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List 返回 prefix 下全部条目，按 key 字典序升序
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Namespaced 给 kv 包一层前缀，用作单个会话的私有键空间
func Namespaced(kv KV, prefix string) KV {
	return &nsKV{kv: kv, prefix: prefix}
}

type nsKV struct {
	kv     KV
	prefix string
}

func (n *nsKV) Get(ctx context.Context, key string) ([]byte, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

func (n *nsKV) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = n.prefix + k
	}
	got, err := n.kv.MGet(ctx, full)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(got))
	for k, v := range got {
		out[strings.TrimPrefix(k, n.prefix)] = v
	}
	return out, nil
}

func (n *nsKV) Put(ctx context.Context, key string, value []byte) error {
	return n.kv.Put(ctx, n.prefix+key, value)
}

func (n *nsKV) Delete(ctx context.Context, key string) error {
	return n.kv.Delete(ctx, n.prefix+key)
}

func (n *nsKV) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := n.kv.List(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Key: strings.TrimPrefix(e.Key, n.prefix), Value: e.Value}
	}
	return out, nil
}

// prefixUpper List 范围扫描的右开边界：前缀末字节 +1
func prefixUpper(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
