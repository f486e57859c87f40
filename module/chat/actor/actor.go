// Package actor 会话 actor：单邮箱协程串行执行操作，崩溃或被驱逐后
// 可从持久层完整重建。Dialog 与 Group 共用同一套状态机，只在
// 派发与聚合策略上分叉。
package actor

import (
	"context"
	"encoding/json"
	"time"

	"IMProject/logger"
	"IMProject/module/chat/marks"
	"IMProject/module/chat/missed"
	"IMProject/module/chat/model"
	"IMProject/module/chat/msglog"
	"IMProject/module/chat/outbox"
	"IMProject/module/chat/sched"
	"IMProject/service/storage"
	"IMProject/service/transport"
	"IMProject/tools/errs"
	"IMProject/tools/safe"

	"go.uber.org/zap"
)

const keyConversation = "conversation"

// Directory 建会话时的成员存在性校验口。由外层用户服务实现。
type Directory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Options actor 级调参
type Options struct {
	Debounce        time.Duration // 群 outbox 去抖
	BatchMax        int           // 群 outbox 每 tick 发送上限
	InflightTimeout time.Duration // 单次发送在途上限
	RetryInterval   time.Duration // 调度任务失败退避
	AlarmRetry      time.Duration // 闹钟处理失败后的重试间隔
	PageCount       int           // getMessages 默认页大小
	Clock           func() time.Time
}

func (o *Options) norm() {
	if o.Debounce <= 0 {
		o.Debounce = 400 * time.Millisecond
	}
	if o.BatchMax <= 0 {
		o.BatchMax = 8
	}
	if o.InflightTimeout <= 0 {
		o.InflightTimeout = 3 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 60 * time.Second
	}
	if o.AlarmRetry <= 0 {
		o.AlarmRetry = 5 * time.Second
	}
	if o.PageCount <= 0 {
		o.PageCount = 50
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type actorState int

const (
	stateUninitialized actorState = iota // 会话还没建
	stateLoading                         // 重建中，后续操作在邮箱里排队
	stateReady
)

// Actor 单会话的权威实例。所有字段只在邮箱协程里读写。
type Actor struct {
	id       string
	kv       storage.KV // 已按 conv:{id}: 命名空间隔离
	resolver transport.Resolver
	dir      Directory
	opts     Options

	state actorState
	meta  *model.Conversation

	log    *msglog.Log
	marks  *marks.Index
	missed *missed.Counter
	sched  *sched.Scheduler
	outbox outbox.Dispatcher

	inbox chan func(ctx context.Context)
	alarm *time.Timer
	quit  chan struct{}
	done  chan struct{}
}

func New(id string, kv storage.KV, resolver transport.Resolver, dir Directory, opts Options) *Actor {
	opts.norm()
	a := &Actor{
		id:       id,
		kv:       storage.Namespaced(kv, "conv:"+id+":"),
		resolver: resolver,
		dir:      dir,
		opts:     opts,
		inbox:    make(chan func(ctx context.Context), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	a.alarm = time.NewTimer(time.Hour)
	if !a.alarm.Stop() {
		<-a.alarm.C
	}
	safe.SafeGo("actor:"+id, a.run)
	return a
}

func (a *Actor) ID() string { return a.id }

// Stop 停掉邮箱协程。内存态直接丢弃，下次访问从持久层重建。
func (a *Actor) Stop() {
	close(a.quit)
	<-a.done
}

// run 邮箱主循环。操作闭包与闹钟都在这一个协程里执行，
// 这是免锁的全部前提。
func (a *Actor) run() {
	defer close(a.done)
	ctx := context.Background()
	for {
		select {
		case fn := <-a.inbox:
			fn(ctx)
		case <-a.alarm.C:
			if a.state != stateReady {
				continue
			}
			if err := a.sched.OnAlarm(ctx); err != nil {
				logger.Error("alarm processing failed", zap.String("chat", a.id), zap.Error(err))
				// 存储抖一下不能让到期任务卡死，稍后原样再醒一次
				a.alarm.Reset(a.opts.AlarmRetry)
			}
		case <-a.quit:
			return
		}
	}
}

// do 把操作投进邮箱并等结果。FIFO 排队，Loading 期间自然阻在前面。
func (a *Actor) do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	job := func(c context.Context) {
		result <- fn(c)
	}
	select {
	case a.inbox <- job:
	case <-a.quit:
		return errs.New("actor stopped", "chat", a.id)
	case <-ctx.Done():
		return errs.Wrap(ctx.Err())
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errs.Wrap(ctx.Err())
	}
}

// rearm 调度器的闹钟回调。只会在邮箱协程内被调到。
func (a *Actor) rearm(at *time.Time) {
	if !a.alarm.Stop() {
		select {
		case <-a.alarm.C:
		default:
		}
	}
	if at == nil {
		return
	}
	d := at.Sub(a.opts.Clock())
	if d < 0 {
		d = 0
	}
	a.alarm.Reset(d)
}

// ensureLoaded 懒重建。conversation 键不存在就停在 Uninitialized，
// 此时只有 Create 能推进。重复执行安全：全是只读恢复。
func (a *Actor) ensureLoaded(ctx context.Context) error {
	if a.state == stateReady {
		return nil
	}
	a.state = stateLoading
	raw, err := a.kv.Get(ctx, keyConversation)
	if err != nil {
		a.state = stateUninitialized
		return err
	}
	if raw == nil {
		a.state = stateUninitialized
		return nil
	}
	conv := new(model.Conversation)
	if err := json.Unmarshal(raw, conv); err != nil {
		a.state = stateUninitialized
		return errs.WrapMsg(err, "decode conversation", "chat", a.id)
	}
	if err := a.becomeReady(ctx, conv); err != nil {
		a.state = stateUninitialized
		return err
	}
	return nil
}

// becomeReady 装配组件并恢复：日志尾部、全员水位指针、
// 未投递 outbox、调度闹钟。全部就位才开始服务。
func (a *Actor) becomeReady(ctx context.Context, conv *model.Conversation) error {
	a.meta = conv
	a.log = msglog.New(a.kv)
	a.marks = marks.NewIndex(a.kv)
	a.missed = missed.New(a.log, a.marks)
	a.sched = sched.New(a.kv, a.rearm, a.opts.Clock)
	if conv.Type == model.ConvTypeGroup {
		a.outbox = outbox.NewGroup(a.id, a.kv, a.resolver, a.sched, outbox.GroupConf{
			Debounce:        a.opts.Debounce,
			BatchMax:        a.opts.BatchMax,
			InflightTimeout: a.opts.InflightTimeout,
		}, a.opts.Clock)
	} else {
		a.outbox = outbox.NewDialog(a.id, a.resolver)
	}

	if err := a.log.Load(ctx); err != nil {
		return err
	}
	if err := a.marks.Load(ctx, conv.Participants); err != nil {
		return err
	}
	if err := a.missed.Rebuild(ctx); err != nil {
		return err
	}
	if err := a.outbox.Load(ctx); err != nil {
		return err
	}
	if err := a.sched.Load(ctx); err != nil {
		return err
	}
	a.state = stateReady
	return nil
}

// requireReady 供 Create 以外的操作使用
func (a *Actor) requireReady(ctx context.Context) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}
	if a.state != stateReady {
		return errs.ErrNotFound.WrapMsg("conversation not created", "chat", a.id)
	}
	return nil
}

func (a *Actor) requireParticipant(user string) error {
	if !a.meta.IsParticipant(user) {
		return errs.ErrInvalidRequest.WrapMsg("not a participant", "chat", a.id, "user", user)
	}
	return nil
}

func (a *Actor) nowMS() int64 {
	return a.opts.Clock().UnixMilli()
}
