package msglog

import (
	"context"
	"encoding/json"
	"fmt"

	"IMProject/module/chat/model"
	"IMProject/service/storage"
	"IMProject/tools/errs"
)

const (
	keyCounter = "counter"
	keyPrefix  = "message-"

	// 单次存储调用的批量上限
	chunkSize = 128
)

// Log 会话内只追加、稠密编号的消息序列。消息号由 counter 连续分配；
// 懒加载：范围读按 128 条一批回源，已读过的留在内存缓存里。
type Log struct {
	kv      storage.KV
	counter int64 // 下一个待分配的消息号
	cache   map[int64]*model.Message
	last    *model.Message
}

func New(kv storage.KV) *Log {
	return &Log{kv: kv, cache: make(map[int64]*model.Message)}
}

// Load 重建计数器与尾部。写入顺序是“先消息后计数器”，宕机窗口里
// 计数器可能落后一条：以 max(counter, lastID+1) 收敛，保证不复用号。
func (l *Log) Load(ctx context.Context) error {
	raw, err := l.kv.Get(ctx, keyCounter)
	if err != nil {
		return err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &l.counter); err != nil {
			return errs.WrapMsg(err, "decode counter")
		}
	}
	// 宕机窗口：消息已写、计数器没跟上，最多落后一条。
	// 探一下 counter 号位，有就把计数器拉平，号永不复用。
	if orphan, err := l.kv.Get(ctx, msgKey(l.counter)); err != nil {
		return err
	} else if orphan != nil {
		m := new(model.Message)
		if err := json.Unmarshal(orphan, m); err != nil {
			return errs.WrapMsg(err, "decode message", "id", l.counter)
		}
		l.cache[m.ID] = m
		l.counter = m.ID + 1
		if err := l.putCounter(ctx); err != nil {
			return err
		}
	}
	last, err := l.findLast(ctx)
	if err != nil {
		return err
	}
	l.last = last
	if last != nil && last.ID >= l.counter {
		l.counter = last.ID + 1
		if err := l.putCounter(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Counter 下一个待分配的消息号（即当前消息总数）
func (l *Log) Counter() int64 { return l.counter }

// Last 尾部消息；空日志为 nil
func (l *Log) Last() *model.Message { return l.last }

// Append 分配 counter++ 并持久化。单写者模型下无并发竞争。
func (l *Log) Append(ctx context.Context, m *model.Message) (int64, error) {
	m.ID = l.counter
	if err := l.putMessage(ctx, m); err != nil {
		return 0, err
	}
	l.counter++
	if err := l.putCounter(ctx); err != nil {
		return 0, err
	}
	l.cache[m.ID] = m
	l.last = m
	return m.ID, nil
}

// Get 先查缓存，未命中单键回源。缺号返回 (nil, nil)，不是错误。
func (l *Log) Get(ctx context.Context, id int64) (*model.Message, error) {
	if id < 0 || id >= l.counter {
		return nil, nil
	}
	if m, ok := l.cache[id]; ok {
		return m, nil
	}
	raw, err := l.kv.Get(ctx, msgKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	m := new(model.Message)
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errs.WrapMsg(err, "decode message", "id", id)
	}
	l.cache[id] = m
	return m, nil
}

// GetRange [lo, hi] 闭区间按序返回存在的消息。缺号跳过，不留空洞。
func (l *Log) GetRange(ctx context.Context, lo, hi int64) ([]*model.Message, error) {
	if lo < 0 {
		lo = 0
	}
	if hi >= l.counter {
		hi = l.counter - 1
	}
	if lo > hi {
		return nil, nil
	}

	// 只取缓存没有的号，分批回源
	var missing []string
	for id := lo; id <= hi; id++ {
		if _, ok := l.cache[id]; !ok {
			missing = append(missing, msgKey(id))
		}
	}
	for off := 0; off < len(missing); off += chunkSize {
		end := off + chunkSize
		if end > len(missing) {
			end = len(missing)
		}
		got, err := l.kv.MGet(ctx, missing[off:end])
		if err != nil {
			return nil, err
		}
		for k, raw := range got {
			m := new(model.Message)
			if err := json.Unmarshal(raw, m); err != nil {
				return nil, errs.WrapMsg(err, "decode message", "key", k)
			}
			l.cache[m.ID] = m
		}
	}

	out := make([]*model.Message, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		if m, ok := l.cache[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Put 原槽位覆写（edit/delete 的内容涂抹用），不动计数器
func (l *Log) Put(ctx context.Context, m *model.Message) error {
	if err := l.putMessage(ctx, m); err != nil {
		return err
	}
	l.cache[m.ID] = m
	if l.last != nil && l.last.ID == m.ID {
		l.last = m
	}
	return nil
}

// findLast 从计数器往回按 128 号一批找最近存在的消息，
// 尾部稀疏时也不用整段加载。
func (l *Log) findLast(ctx context.Context) (*model.Message, error) {
	for hi := l.counter - 1; hi >= 0; hi -= chunkSize {
		lo := hi - chunkSize + 1
		if lo < 0 {
			lo = 0
		}
		keys := make([]string, 0, hi-lo+1)
		for id := lo; id <= hi; id++ {
			keys = append(keys, msgKey(id))
		}
		got, err := l.kv.MGet(ctx, keys)
		if err != nil {
			return nil, err
		}
		for id := hi; id >= lo; id-- {
			raw, ok := got[msgKey(id)]
			if !ok {
				continue
			}
			m := new(model.Message)
			if err := json.Unmarshal(raw, m); err != nil {
				return nil, errs.WrapMsg(err, "decode message", "id", id)
			}
			l.cache[id] = m
			return m, nil
		}
	}
	return nil, nil
}

func (l *Log) putMessage(ctx context.Context, m *model.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(err)
	}
	return l.kv.Put(ctx, msgKey(m.ID), raw)
}

func (l *Log) putCounter(ctx context.Context) error {
	raw, _ := json.Marshal(l.counter)
	return l.kv.Put(ctx, keyCounter, raw)
}

func msgKey(id int64) string { return fmt.Sprintf("%s%d", keyPrefix, id) }
