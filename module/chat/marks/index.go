package marks

import (
	"context"
	"encoding/json"
	"fmt"

	"IMProject/module/chat/model"
	"IMProject/service/storage"
	"IMProject/tools/errs"
)

// Index 每个 (user, kind) 一条只追加的水位序列，外加最新水位的指针缓存。
// 指针让“X 是否已覆盖”成为 O(1) 纯内存判断——聊天列表状态的热路径；
// 点查才走二分 + 懒加载。
type Index struct {
	kv     storage.KV
	series map[string]*series
}

type series struct {
	ptr  model.MarkPointer
	page []*model.Mark // 按 index 稀疏缓存，探到哪页取哪页
}

func NewIndex(kv storage.KV) *Index {
	return &Index{kv: kv, series: make(map[string]*series)}
}

// Load 为每个成员、每种水位取回指针。没有历史的成员得到 NoMark 哨兵。
// 重复执行安全：只读。
func (x *Index) Load(ctx context.Context, participants []string) error {
	for _, user := range participants {
		for _, kind := range []model.MarkKind{model.MarkRead, model.MarkDlvrd} {
			s := &series{ptr: model.MarkPointer{Index: -1, MessageID: model.NoMark}}
			raw, err := x.kv.Get(ctx, pointerKey(kind, user))
			if err != nil {
				return err
			}
			if raw != nil {
				if err := json.Unmarshal(raw, &s.ptr); err != nil {
					return errs.WrapMsg(err, "decode mark pointer", "user", user, "kind", kind)
				}
				s.page = make([]*model.Mark, s.ptr.Index+1)
			}
			x.series[seriesKey(kind, user)] = s
		}
	}
	return nil
}

// Pointer 最新水位指针；没有历史时 MessageID == NoMark
func (x *Index) Pointer(user string, kind model.MarkKind) model.MarkPointer {
	if s, ok := x.series[seriesKey(kind, user)]; ok {
		return s.ptr
	}
	return model.MarkPointer{Index: -1, MessageID: model.NoMark}
}

// Covered O(1)：指针已越过 messageID 即为覆盖。不碰存储。
func (x *Index) Covered(user string, kind model.MarkKind, messageID int64) bool {
	return x.Pointer(user, kind).MessageID >= messageID
}

// Find 点查：返回覆盖 messageID 的最早水位（首个 messageId >= 目标的 Mark）。
// 指针够不到就直接返回 nil；否则在 [0, ptr.Index] 上二分，
// 探点按需从 {kind}-{user}-{idx} 懒加载进缓存。
func (x *Index) Find(ctx context.Context, user string, kind model.MarkKind, messageID int64) (*model.Mark, error) {
	s, ok := x.series[seriesKey(kind, user)]
	if !ok || s.ptr.MessageID < messageID {
		return nil, nil
	}

	lo, hi := 0, s.ptr.Index // 不变式：answer 在 [lo, hi]
	for lo < hi {
		mid := (lo + hi) / 2
		m, err := x.markAt(ctx, s, kind, user, mid)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, errs.ErrNotFound.WrapMsg("mark page missing", "user", user, "kind", kind, "index", mid)
		}
		if m.MessageID >= messageID {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return x.markAt(ctx, s, kind, user, lo)
}

// Append 追加水位并覆写指针。不前进（messageID <= 指针）就是 no-op：
// 这就是重放 read/dlvrd 幂等的由来。
func (x *Index) Append(ctx context.Context, user string, kind model.MarkKind, messageID, timestamp int64) (bool, error) {
	key := seriesKey(kind, user)
	s, ok := x.series[key]
	if !ok {
		s = &series{ptr: model.MarkPointer{Index: -1, MessageID: model.NoMark}}
		x.series[key] = s
	}
	if messageID <= s.ptr.MessageID {
		return false, nil
	}

	idx := s.ptr.Index + 1
	mark := &model.Mark{MessageID: messageID, Timestamp: timestamp}
	raw, err := json.Marshal(mark)
	if err != nil {
		return false, errs.Wrap(err)
	}
	if err := x.kv.Put(ctx, markKey(kind, user, idx), raw); err != nil {
		return false, err
	}

	ptr := model.MarkPointer{Index: idx, MessageID: messageID, Timestamp: timestamp}
	rawPtr, _ := json.Marshal(ptr)
	if err := x.kv.Put(ctx, pointerKey(kind, user), rawPtr); err != nil {
		return false, err
	}

	s.ptr = ptr
	s.page = append(s.page, nil)
	s.page[idx] = mark
	return true, nil
}

func (x *Index) markAt(ctx context.Context, s *series, kind model.MarkKind, user string, idx int) (*model.Mark, error) {
	if idx < len(s.page) && s.page[idx] != nil {
		return s.page[idx], nil
	}
	raw, err := x.kv.Get(ctx, markKey(kind, user, idx))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	m := new(model.Mark)
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errs.WrapMsg(err, "decode mark", "user", user, "kind", kind, "index", idx)
	}
	for idx >= len(s.page) {
		s.page = append(s.page, nil)
	}
	s.page[idx] = m
	return m, nil
}

func seriesKey(kind model.MarkKind, user string) string {
	return string(kind) + "-" + user
}

func markKey(kind model.MarkKind, user string, idx int) string {
	return fmt.Sprintf("%s-%s-%d", kind, user, idx)
}

func pointerKey(kind model.MarkKind, user string) string {
	return "last" + kind.PointerKeySuffix() + "-" + user
}
