package sched

import (
	"context"
	"encoding/json"
	"time"

	"IMProject/logger"
	"IMProject/module/chat/model"
	"IMProject/service/storage"
	"IMProject/tools/errs"
	"IMProject/tools/ids"

	"go.uber.org/zap"
)

const (
	taskPrefix = "$$task::"
	alarmKey   = "$$task_alarm"

	// 失败默认退避
	DefaultRetryInterval = 60 * time.Second
)

// Handler 任务处理器。返回错误即本次失败：任务带着 previousError
// 在新ID下重排，不影响同批其它任务。
type Handler func(ctx context.Context, task *model.ScheduledTask) error

// RearmFunc 由宿主 actor 提供：把唯一的待命闹钟拨到 at；nil 表示清掉。
// 只会在 actor 自己的执行线程里被调用。
type RearmFunc func(at *time.Time)

// ScheduleOpts 单次调度的可选项
type ScheduleOpts struct {
	RetryInterval time.Duration
}

// Scheduler 持久化定时器。任务键 $$task::{id} 按ID字典序即触发时间序；
// 全程只维护一个闹钟（最早待命任务），醒来批量处理到期任务。
// 至少一次、永不提前；单 actor 线程内执行，无并发触发。
type Scheduler struct {
	kv       storage.KV
	gen      interface{ At(tsMS int64) string }
	handlers map[string]Handler
	clock    func() time.Time
	rearm    RearmFunc

	alarmAt int64 // 毫秒；0 = 无闹钟
}

func New(kv storage.KV, rearm RearmFunc, clock func() time.Time) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if rearm == nil {
		rearm = func(*time.Time) {}
	}
	return &Scheduler{
		kv:       kv,
		gen:      ids.NewGenerator(clock),
		handlers: make(map[string]Handler),
		clock:    clock,
		rearm:    rearm,
	}
}

// Register 按名字注册处理器。任务持久化的是处理器名，重启后重新注册即可恢复。
func (s *Scheduler) Register(name string, h Handler) {
	s.handlers[name] = h
}

// Load 重启后恢复：扫描任务，闹钟拨到最早待命。重复执行安全。
func (s *Scheduler) Load(ctx context.Context) error {
	return s.resetAlarm(ctx)
}

func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, handler string, payload json.RawMessage, opts ...ScheduleOpts) (string, error) {
	task := &model.ScheduledTask{
		Kind:        model.TaskSingle,
		ScheduledAt: at.UnixMilli(),
		Handler:     handler,
		Context:     payload,
	}
	if len(opts) > 0 && opts[0].RetryInterval > 0 {
		task.RetryInterval = opts[0].RetryInterval.Milliseconds()
	}
	return s.persistNew(ctx, task)
}

func (s *Scheduler) ScheduleIn(ctx context.Context, d time.Duration, handler string, payload json.RawMessage, opts ...ScheduleOpts) (string, error) {
	return s.ScheduleAt(ctx, s.clock().Add(d), handler, payload, opts...)
}

func (s *Scheduler) ScheduleEvery(ctx context.Context, interval time.Duration, handler string, payload json.RawMessage, opts ...ScheduleOpts) (string, error) {
	task := &model.ScheduledTask{
		Kind:        model.TaskRecurring,
		ScheduledAt: s.clock().Add(interval).UnixMilli(),
		Interval:    interval.Milliseconds(),
		Handler:     handler,
		Context:     payload,
	}
	if len(opts) > 0 && opts[0].RetryInterval > 0 {
		task.RetryInterval = opts[0].RetryInterval.Milliseconds()
	}
	return s.persistNew(ctx, task)
}

// Cancel 触发前删除；已开始执行的本次不受影响
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	if err := s.kv.Delete(ctx, taskPrefix+taskID); err != nil {
		return err
	}
	return s.resetAlarm(ctx)
}

// OnAlarm 闹钟醒来：处理全部到期任务。单个任务的失败不中断同批其它任务。
func (s *Scheduler) OnAlarm(ctx context.Context) error {
	now := s.clock()
	nowMS := now.UnixMilli()

	entries, err := s.kv.List(ctx, taskPrefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		task := new(model.ScheduledTask)
		if err := json.Unmarshal(e.Value, task); err != nil {
			logger.Error("drop undecodable task", zap.String("key", e.Key), zap.Error(err))
			_ = s.kv.Delete(ctx, e.Key)
			continue
		}
		if task.ScheduledAt > nowMS {
			break // 键序即时间序，后面的都没到期
		}

		task.Attempt++
		if err := s.fire(ctx, task); err != nil {
			task.PreviousError = err.Error()
			retry := time.Duration(task.RetryInterval) * time.Millisecond
			if retry <= 0 {
				retry = DefaultRetryInterval
			}
			task.ScheduledAt = s.clock().Add(retry).UnixMilli()
			if err := s.replace(ctx, e.Key, task); err != nil {
				return err
			}
			logger.Warn("task failed, rescheduled",
				zap.String("handler", task.Handler),
				zap.Int("attempt", task.Attempt),
				zap.String("error", task.PreviousError))
			continue
		}

		if task.Kind == model.TaskRecurring {
			task.Attempt = 0
			task.PreviousError = ""
			task.ScheduledAt = s.clock().Add(time.Duration(task.Interval) * time.Millisecond).UnixMilli()
			if err := s.replace(ctx, e.Key, task); err != nil {
				return err
			}
		} else {
			if err := s.kv.Delete(ctx, e.Key); err != nil {
				return err
			}
		}
	}

	return s.resetAlarm(ctx)
}

// NextWake 当前闹钟；无待命任务返回 nil
func (s *Scheduler) NextWake() *time.Time {
	if s.alarmAt == 0 {
		return nil
	}
	t := time.UnixMilli(s.alarmAt)
	return &t
}

func (s *Scheduler) fire(ctx context.Context, task *model.ScheduledTask) error {
	h, ok := s.handlers[task.Handler]
	if !ok {
		return errs.New("no handler registered", "handler", task.Handler)
	}
	return h(ctx, task)
}

func (s *Scheduler) persistNew(ctx context.Context, task *model.ScheduledTask) (string, error) {
	task.ID = s.gen.At(task.ScheduledAt)
	raw, err := json.Marshal(task)
	if err != nil {
		return "", errs.Wrap(err)
	}
	if err := s.kv.Put(ctx, taskPrefix+task.ID, raw); err != nil {
		return "", err
	}
	// 新任务更早才需要拨闹钟
	if s.alarmAt == 0 || task.ScheduledAt < s.alarmAt {
		if err := s.setAlarm(ctx, task.ScheduledAt); err != nil {
			return "", err
		}
	}
	return task.ID, nil
}

// replace 重排：删旧键，在新ID下落盘（键序始终等于触发序）
func (s *Scheduler) replace(ctx context.Context, oldKey string, task *model.ScheduledTask) error {
	if err := s.kv.Delete(ctx, oldKey); err != nil {
		return err
	}
	task.ID = s.gen.At(task.ScheduledAt)
	raw, err := json.Marshal(task)
	if err != nil {
		return errs.Wrap(err)
	}
	return s.kv.Put(ctx, taskPrefix+task.ID, raw)
}

// resetAlarm 从剩余任务的最小键重算闹钟；没有就清掉
func (s *Scheduler) resetAlarm(ctx context.Context) error {
	entries, err := s.kv.List(ctx, taskPrefix)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		s.alarmAt = 0
		if err := s.kv.Delete(ctx, alarmKey); err != nil {
			return err
		}
		s.rearm(nil)
		return nil
	}
	task := new(model.ScheduledTask)
	if err := json.Unmarshal(entries[0].Value, task); err != nil {
		return errs.WrapMsg(err, "decode earliest task")
	}
	return s.setAlarm(ctx, task.ScheduledAt)
}

func (s *Scheduler) setAlarm(ctx context.Context, atMS int64) error {
	raw, _ := json.Marshal(atMS)
	if err := s.kv.Put(ctx, alarmKey, raw); err != nil {
		return err
	}
	s.alarmAt = atMS
	at := time.UnixMilli(atMS)
	s.rearm(&at)
	return nil
}
