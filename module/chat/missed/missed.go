package missed

import (
	"context"

	"IMProject/module/chat/marks"
	"IMProject/module/chat/model"
	"IMProject/module/chat/msglog"
)

// 重建 prevAuthorLast 时往回扫的上限。超过这个深度的尾部同作者块
// 已经不影响徽标语义：窗口同时还被读水位封顶。
const rebuildScanDepth = 512

// Result 未读徽标计算结果
type Result struct {
	Missed              int64
	FirstMissedClientID string // “跳到第一条未读”的锚点
}

// Counter 由消息日志 + 水位推导未读数。窗口启发式：
// 取“读水位以来的条数”与“当前尾部同作者块长度”的较小者，
// 再扣掉窗口内的服务消息（edit/delete 占号但不进账）。
type Counter struct {
	log *msglog.Log
	idx *marks.Index

	// 当前尾部作者块开始之前、最后一条消息的号；块从 0 号起则为 NoMark
	prevAuthorLast int64
}

func New(log *msglog.Log, idx *marks.Index) *Counter {
	return &Counter{log: log, idx: idx, prevAuthorLast: model.NoMark}
}

// OnAppend 追加时增量维护作者块边界。prev 是追加前的尾部。
func (c *Counter) OnAppend(prev, m *model.Message) {
	if prev == nil {
		c.prevAuthorLast = model.NoMark
		return
	}
	if prev.Sender != m.Sender {
		c.prevAuthorLast = prev.ID
	}
}

// Rebuild Loading 时恢复作者块边界：从尾部往回找第一条异作者消息，
// 扫描有界（rebuildScanDepth），超出就取边界近似。
func (c *Counter) Rebuild(ctx context.Context) error {
	last := c.log.Last()
	if last == nil {
		c.prevAuthorLast = model.NoMark
		return nil
	}
	floor := last.ID - rebuildScanDepth
	if floor < 0 {
		floor = 0
	}
	msgs, err := c.log.GetRange(ctx, floor, last.ID-1)
	if err != nil {
		return err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender != last.Sender {
			c.prevAuthorLast = msgs[i].ID
			return nil
		}
	}
	if floor > 0 {
		c.prevAuthorLast = floor - 1 // 近似下界
	} else {
		c.prevAuthorLast = model.NoMark
	}
	return nil
}

// Compute user 的未读数。尾部是自己发的就直接归零。
func (c *Counter) Compute(ctx context.Context, user string) (*Result, error) {
	last := c.log.Last()
	if last == nil || last.Sender == user {
		return &Result{}, nil
	}

	readPtr := c.idx.Pointer(user, model.MarkRead)
	sinceRead := last.ID - readPtr.MessageID
	blockLen := last.ID - c.prevAuthorLast
	raw := sinceRead
	if blockLen < raw {
		raw = blockLen
	}
	if raw <= 0 {
		return &Result{}, nil
	}

	start := last.ID - raw + 1
	window, err := c.log.GetRange(ctx, start, last.ID)
	if err != nil {
		return nil, err
	}
	visible := raw
	for _, m := range window {
		if m.IsService() {
			visible--
		}
	}
	if visible < 0 {
		visible = 0
	}

	res := &Result{Missed: visible}
	if visible > 0 && len(window) > 0 {
		res.FirstMissedClientID = window[0].ClientMessageID
	}
	return res, nil
}
