package outbox

import (
	"context"
	"encoding/json"
	"time"

	"IMProject/logger"
	"IMProject/module/chat/model"
	"IMProject/module/chat/sched"
	"IMProject/service/storage"
	"IMProject/service/transport"
	"IMProject/tools/errs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	keyOutbox = "outbox"

	// 调度器里 flush 任务的处理器名
	FlushHandler = "outbox-flush"
)

// GroupConf 群派发参数
type GroupConf struct {
	Debounce        time.Duration // 攒批去抖
	BatchMax        int           // 每个 tick 最多发几条
	InflightTimeout time.Duration // 单次发送的在途上限，超时按丢失重排
}

func (c *GroupConf) norm() {
	if c.Debounce <= 0 {
		c.Debounce = 400 * time.Millisecond
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 8
	}
	if c.InflightTimeout <= 0 {
		c.InflightTimeout = 3 * time.Second
	}
}

// Group 群会话的攒批派发器。push 只入队 + 上发条；tick 时最旧优先、
// 合并冗余状态事件、限批发送。失败留队等下个 tick，队列非空就续排。
// 队列落在 outbox 键下，actor 重建时恢复未投递的通知。
type Group struct {
	chatID   string
	kv       storage.KV
	resolver transport.Resolver
	sched    *sched.Scheduler
	conf     GroupConf
	clock    func() time.Time

	pending []*model.OutboxEvent // 最旧在前
	armed   bool
}

func NewGroup(chatID string, kv storage.KV, resolver transport.Resolver, scheduler *sched.Scheduler, conf GroupConf, clock func() time.Time) *Group {
	conf.norm()
	if clock == nil {
		clock = time.Now
	}
	g := &Group{
		chatID:   chatID,
		kv:       kv,
		resolver: resolver,
		sched:    scheduler,
		conf:     conf,
		clock:    clock,
	}
	scheduler.Register(FlushHandler, g.onFlush)
	return g
}

// Load 恢复落盘的待投递队列；非空就立刻上发条
func (g *Group) Load(ctx context.Context) error {
	raw, err := g.kv.Get(ctx, keyOutbox)
	if err != nil {
		return err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &g.pending); err != nil {
			return errs.WrapMsg(err, "decode outbox")
		}
	}
	if len(g.pending) > 0 {
		return g.arm(ctx)
	}
	return nil
}

// Push 入队并确保发条已上。这里从不直接发送。
func (g *Group) Push(ctx context.Context, ev *model.OutboxEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	g.pending = append(g.pending, ev)
	if err := g.persist(ctx); err != nil {
		return err
	}
	return g.arm(ctx)
}

// PendingLen 单测用
func (g *Group) PendingLen() int { return len(g.pending) }

func (g *Group) arm(ctx context.Context) error {
	if g.armed {
		return nil
	}
	if _, err := g.sched.ScheduleIn(ctx, g.conf.Debounce, FlushHandler, nil,
		sched.ScheduleOpts{RetryInterval: g.conf.Debounce}); err != nil {
		return err
	}
	g.armed = true
	return nil
}

// onFlush 一个 tick：合并、限批、发送。单条发送失败留在队列里
// 由下一个 tick 接手；只有连发条都上不去时才把错误交还调度器，
// 借它的退避把 flush 任务本身重排。
func (g *Group) onFlush(ctx context.Context, _ *model.ScheduledTask) error {
	g.armed = false
	g.collapse()

	sent := 0
	remaining := g.pending[:0]
	for i, ev := range g.pending {
		if sent >= g.conf.BatchMax {
			remaining = append(remaining, g.pending[i:]...)
			break
		}
		sent++
		if g.send(ctx, ev) {
			// 状态事件成功后，同 (type, receiver, sender) 更旧的已被它覆盖
			continue
		}
		remaining = append(remaining, ev)
	}
	g.pending = remaining

	// 落盘失败也要续排：队列还在内存里，下个 tick 重发并重写。
	// 队列空但 delete 失败时同样续排，让下个 tick 清掉残键。
	perr := g.persist(ctx)
	if perr == nil && len(g.pending) == 0 {
		return nil
	}
	if err := g.arm(ctx); err != nil {
		logger.Error("outbox rearm failed", zap.String("chat", g.chatID), zap.Error(err))
		return err
	}
	return nil
}

// collapse 同 (type, receiver, sender) 的状态事件只留最新一条；
// 被合并的直接移除，永远不会发出。new 事件一条不丢。
func (g *Group) collapse() {
	type pair struct {
		t        model.EventType
		receiver string
		sender   string
	}
	newest := make(map[pair]*model.OutboxEvent)
	for _, ev := range g.pending {
		if !ev.Type.IsStatus() {
			continue
		}
		k := pair{ev.Type, ev.Receiver, ev.Sender}
		if cur, ok := newest[k]; !ok || ev.Timestamp >= cur.Timestamp {
			newest[k] = ev
		}
	}
	kept := g.pending[:0]
	for _, ev := range g.pending {
		if ev.Type.IsStatus() {
			k := pair{ev.Type, ev.Receiver, ev.Sender}
			if newest[k] != ev {
				continue
			}
		}
		kept = append(kept, ev)
	}
	g.pending = kept
}

// send 单条发送，在途超时即按丢失处理（留队重排）
func (g *Group) send(ctx context.Context, ev *model.OutboxEvent) bool {
	ev.Attempt++
	sctx, cancel := context.WithTimeout(ctx, g.conf.InflightTimeout)
	defer cancel()

	ref, err := g.resolver.Resolve(ev.Receiver)
	if err == nil {
		err = ref.Send(sctx, ev)
	}
	if err != nil {
		logger.Warn("group delivery fault, will retry",
			zap.String("chat", g.chatID),
			zap.String("type", string(ev.Type)),
			zap.String("receiver", ev.Receiver),
			zap.Int("attempt", ev.Attempt),
			zap.Error(err))
		return false
	}
	return true
}

func (g *Group) persist(ctx context.Context) error {
	if len(g.pending) == 0 {
		if err := g.kv.Delete(ctx, keyOutbox); err != nil {
			logger.Error("outbox persist failed", zap.String("chat", g.chatID), zap.Error(err))
			return err
		}
		return nil
	}
	raw, err := json.Marshal(g.pending)
	if err != nil {
		return errs.Wrap(err)
	}
	if err := g.kv.Put(ctx, keyOutbox, raw); err != nil {
		logger.Error("outbox persist failed", zap.String("chat", g.chatID), zap.Error(err))
		return err
	}
	return nil
}
